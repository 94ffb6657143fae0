package app

import (
	"context"
	"errors"
	"fmt"

	"cube/internal/util"
	"cube/pkg/domain"
	"cube/pkg/store"
)

// BookQuery narrows ListBooks.
type BookQuery struct {
	Text           string
	IncludeDeleted bool
}

// BookUpdate replaces a catalogue record's barcode and details.
type BookUpdate struct {
	Barcode string
	Book    BookDetails
}

// DeleteBooksResult reports which catalogue records were removed.
type DeleteBooksResult struct {
	Deleted []domain.Book `json:"deleted"`
	Count   int           `json:"count"`
}

// ListBooks browses the catalogue. Deleted records are only listed for staff.
func (a *App) ListBooks(ctx context.Context, caller domain.Caller, q BookQuery) ([]domain.Book, error) {
	if caller.UserID == "" {
		return nil, ErrUnauthenticated
	}
	books, err := a.store.ListBooks(ctx, store.BookFilter{
		Text:           q.Text,
		IncludeDeleted: q.IncludeDeleted && caller.IsStaff,
	})
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	return books, nil
}

// UpdateBook corrects a catalogue record. Listings keep pointing at the same
// book, so the change shows on every copy of it.
func (a *App) UpdateBook(ctx context.Context, caller domain.Caller, id int64, in BookUpdate) (domain.Book, error) {
	if !caller.IsStaff {
		return domain.Book{}, ErrForbidden
	}
	existing, ok, err := a.store.GetBook(ctx, id)
	if err != nil {
		return domain.Book{}, fmt.Errorf("load book: %w", err)
	}
	if !ok || existing.Deleted {
		return domain.Book{}, ErrNoSuchBook
	}
	book, err := newBook(in.Barcode, in.Book)
	if err != nil {
		return domain.Book{}, err
	}
	book.ID = existing.ID
	book.CreatedAt = existing.CreatedAt

	updated, err := a.store.UpdateBook(ctx, book)
	switch {
	case errors.Is(err, store.ErrBookNotFound):
		return domain.Book{}, ErrNoSuchBook
	case errors.Is(err, store.ErrDuplicateBarcode):
		return domain.Book{}, ErrDuplicateBarcode
	case err != nil:
		return domain.Book{}, fmt.Errorf("update book: %w", err)
	}
	util.LoggerFromContext(ctx).Info("book_updated", "book_id", id, "actor", caller.UserID)
	return updated, nil
}

// DeleteBooks removes catalogue records from browsing. Listings of a deleted
// book keep their history and still render it. Unknown and already deleted
// ids are skipped.
func (a *App) DeleteBooks(ctx context.Context, caller domain.Caller, rawIDs []string) (DeleteBooksResult, error) {
	if !caller.IsStaff {
		return DeleteBooksResult{}, ErrForbidden
	}
	ids := parseIDs(rawIDs)
	if len(ids) == 0 {
		return DeleteBooksResult{}, ErrNoBooksSelected
	}
	res := DeleteBooksResult{Deleted: []domain.Book{}}
	for _, id := range ids {
		book, ok, err := a.store.GetBook(ctx, id)
		if err != nil {
			return res, fmt.Errorf("load book %d: %w", id, err)
		}
		if !ok || book.Deleted {
			continue
		}
		book.Deleted = true
		saved, err := a.store.UpdateBook(ctx, book)
		if err != nil {
			return res, fmt.Errorf("delete book %d: %w", id, err)
		}
		res.Deleted = append(res.Deleted, saved)
	}
	res.Count = len(res.Deleted)
	util.LoggerFromContext(ctx).Info("books_deleted", "count", res.Count, "actor", caller.UserID)
	return res, nil
}
