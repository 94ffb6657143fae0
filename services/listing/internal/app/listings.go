package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cube/internal/util"
	"cube/pkg/domain"
	"cube/pkg/events"
	"cube/pkg/identity"
	"cube/pkg/store"
)

// BookDetails describes a book that is not catalogued yet.
type BookDetails struct {
	Title        string
	Author       string
	Edition      int
	Department   string
	CourseNumber int
}

// AddListingInput is a new copy brought in by a seller.
type AddListingInput struct {
	SellerID   string
	PriceCents int64
	Barcode    string
	Book       BookDetails
}

// EditListingInput replaces the seller, price and book of a listing.
type EditListingInput struct {
	SellerID   string
	PriceCents int64
	Barcode    string
	Book       BookDetails
}

// ListingView is a listing together with its book.
type ListingView struct {
	domain.Listing
	Book *domain.Book `json:"book,omitempty"`
}

// ListingQuery narrows ListListings.
type ListingQuery struct {
	Status   domain.ListingStatus
	SellerID string
	HolderID string
	Search   store.ListingSearch
}

// MyBooks is what the caller is selling and holding.
type MyBooks struct {
	Selling           []ListingView `json:"selling"`
	Holding           []ListingView `json:"holding"`
	SellingTotalCents int64         `json:"sellingTotalCents"`
	HoldingTotalCents int64         `json:"holdingTotalCents"`
}

// AddListing records a new copy for sale. The seller is resolved through the
// identity collaborator and the book is found by barcode or created from the
// supplied details.
func (a *App) AddListing(ctx context.Context, caller domain.Caller, in AddListingInput) (ListingView, error) {
	if caller.UserID == "" {
		return ListingView{}, ErrUnauthenticated
	}
	if in.PriceCents <= 0 {
		return ListingView{}, ErrInvalidPrice
	}
	seller, err := a.resolveStudent(ctx, in.SellerID)
	if err != nil {
		return ListingView{}, err
	}
	book, err := a.findOrCreateBook(ctx, in.Barcode, in.Book)
	if err != nil {
		return ListingView{}, err
	}
	now := a.now().UTC()
	created, err := a.store.CreateListing(ctx, domain.Listing{
		BookID:     book.ID,
		SellerID:   seller.ID,
		Status:     domain.StatusForSale,
		PriceCents: in.PriceCents,
		ListDate:   now,
	}, domain.AuditEntry{
		ActorID:   caller.UserID,
		Code:      domain.AuditAdded,
		CreatedAt: now,
	})
	if err != nil {
		return ListingView{}, fmt.Errorf("create listing: %w", err)
	}
	util.LoggerFromContext(ctx).Info("listing_added", "listing_id", created.ID, "seller_id", seller.ID, "book_id", book.ID)
	a.publish(ctx, []events.Transition{{
		ListingID:  created.ID,
		SellerID:   created.SellerID,
		ActorID:    caller.UserID,
		Code:       domain.AuditAdded,
		To:         created.Status,
		PriceCents: created.PriceCents,
		OccurredAt: now,
	}})
	return ListingView{Listing: created, Book: &book}, nil
}

// EditListing changes the seller, price or book of a listing without touching
// its status. Only staff and the listing's seller may edit.
func (a *App) EditListing(ctx context.Context, caller domain.Caller, id int64, in EditListingInput) (ListingView, error) {
	if caller.UserID == "" {
		return ListingView{}, ErrUnauthenticated
	}
	if in.PriceCents <= 0 {
		return ListingView{}, ErrInvalidPrice
	}
	existing, ok, err := a.store.GetListing(ctx, id)
	if err != nil {
		return ListingView{}, fmt.Errorf("load listing: %w", err)
	}
	if !ok {
		return ListingView{}, ErrListingNotFound
	}
	if !caller.IsStaff && existing.SellerID != caller.UserID {
		return ListingView{}, ErrForbidden
	}
	seller, err := a.resolveStudent(ctx, in.SellerID)
	if err != nil {
		return ListingView{}, err
	}
	book, err := a.findOrCreateBook(ctx, in.Barcode, in.Book)
	if err != nil {
		return ListingView{}, err
	}

	now := a.now().UTC()
	updated, _, err := a.store.TransitionListing(ctx, id, func(current domain.Listing) (domain.Listing, domain.AuditEntry, bool) {
		details := map[string]string{}
		if current.SellerID != seller.ID {
			details["seller"] = current.SellerID + "->" + seller.ID
		}
		if current.PriceCents != in.PriceCents {
			details["price"] = strconv.FormatInt(current.PriceCents, 10) + "->" + strconv.FormatInt(in.PriceCents, 10)
		}
		if current.BookID != book.ID {
			details["book"] = strconv.FormatInt(current.BookID, 10) + "->" + strconv.FormatInt(book.ID, 10)
		}
		current.SellerID = seller.ID
		current.PriceCents = in.PriceCents
		current.BookID = book.ID
		return current, domain.AuditEntry{
			ActorID:   caller.UserID,
			Code:      domain.AuditEdited,
			CreatedAt: now,
			Details:   details,
		}, true
	})
	if errors.Is(err, store.ErrListingNotFound) {
		return ListingView{}, ErrListingNotFound
	}
	if err != nil {
		return ListingView{}, fmt.Errorf("edit listing: %w", err)
	}
	util.LoggerFromContext(ctx).Info("listing_edited", "listing_id", id, "actor", caller.UserID)
	return ListingView{Listing: updated, Book: &book}, nil
}

// GetListing returns one listing. Non-staff callers only see listings that
// are for sale or that they sell or hold.
func (a *App) GetListing(ctx context.Context, caller domain.Caller, id int64) (ListingView, error) {
	listing, ok, err := a.store.GetListing(ctx, id)
	if err != nil {
		return ListingView{}, fmt.Errorf("load listing: %w", err)
	}
	if !ok || !visibleTo(listing, caller) {
		return ListingView{}, ErrListingNotFound
	}
	views, err := a.withBooks(ctx, []domain.Listing{listing})
	if err != nil {
		return ListingView{}, err
	}
	return views[0], nil
}

// ListListings browses listings. Non-staff callers only ever see ForSale.
func (a *App) ListListings(ctx context.Context, caller domain.Caller, q ListingQuery) ([]ListingView, error) {
	filter := store.ListingFilter{SellerID: q.SellerID, HolderID: q.HolderID, Search: q.Search}
	switch {
	case !caller.IsStaff:
		if q.Status != "" && q.Status != domain.StatusForSale {
			return []ListingView{}, nil
		}
		filter.Statuses = []domain.ListingStatus{domain.StatusForSale}
	case q.Status != "":
		filter.Statuses = []domain.ListingStatus{q.Status}
	}
	listings, err := a.store.ListListings(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	return a.withBooks(ctx, listings)
}

// MyBooks returns the caller's listings and current holds with price totals,
// both narrowed by search.
func (a *App) MyBooks(ctx context.Context, caller domain.Caller, search store.ListingSearch) (MyBooks, error) {
	if caller.UserID == "" {
		return MyBooks{}, ErrUnauthenticated
	}
	selling, err := a.store.ListListings(ctx, store.ListingFilter{SellerID: caller.UserID, Search: search})
	if err != nil {
		return MyBooks{}, fmt.Errorf("list selling: %w", err)
	}
	holding, err := a.store.ListListings(ctx, store.ListingFilter{
		HolderID: caller.UserID,
		Statuses: []domain.ListingStatus{domain.StatusOnHold},
		Search:   search,
	})
	if err != nil {
		return MyBooks{}, fmt.Errorf("list holding: %w", err)
	}
	res := MyBooks{SellingTotalCents: totalPrice(selling), HoldingTotalCents: totalPrice(holding)}
	if res.Selling, err = a.withBooks(ctx, selling); err != nil {
		return MyBooks{}, err
	}
	if res.Holding, err = a.withBooks(ctx, holding); err != nil {
		return MyBooks{}, err
	}
	return res, nil
}

// History returns the audit trail of a listing, oldest first. Only staff and
// the listing's seller may read it.
func (a *App) History(ctx context.Context, caller domain.Caller, id int64) ([]domain.AuditEntry, error) {
	listing, ok, err := a.store.GetListing(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load listing: %w", err)
	}
	if !ok {
		return nil, ErrListingNotFound
	}
	if !caller.IsStaff && listing.SellerID != caller.UserID {
		return nil, ErrForbidden
	}
	entries, err := a.store.ListAuditEntries(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return entries, nil
}

func visibleTo(l domain.Listing, caller domain.Caller) bool {
	if caller.IsStaff || l.Status == domain.StatusForSale {
		return true
	}
	return caller.UserID != "" && (l.SellerID == caller.UserID || l.HolderID == caller.UserID)
}

func (a *App) resolveStudent(ctx context.Context, studentID string) (domain.User, error) {
	user, err := a.identity.Resolve(ctx, studentID)
	if errors.Is(err, identity.ErrUnknownStudent) {
		return domain.User{}, ErrUnknownSeller
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("resolve student: %w", err)
	}
	return user, nil
}

// NormalizeBarcode drops the dashes and spaces printed in ISBN barcodes.
func NormalizeBarcode(raw string) string {
	return strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, raw)
}

func (a *App) findOrCreateBook(ctx context.Context, rawBarcode string, details BookDetails) (domain.Book, error) {
	barcode := NormalizeBarcode(rawBarcode)
	if barcode == "" {
		return domain.Book{}, ErrInvalidBarcode
	}
	book, ok, err := a.store.GetBookByBarcode(ctx, barcode)
	if err != nil {
		return domain.Book{}, fmt.Errorf("load book: %w", err)
	}
	if ok && !book.Deleted {
		return book, nil
	}
	if strings.TrimSpace(details.Title) == "" || strings.TrimSpace(details.Author) == "" {
		return domain.Book{}, ErrBookNotFound
	}
	book, err = newBook(barcode, details)
	if err != nil {
		return domain.Book{}, err
	}
	// Saving by barcode also restores a deleted catalogue record.
	saved, err := a.store.SaveBook(ctx, book)
	if err != nil {
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	util.LoggerFromContext(ctx).Info("book_created", "book_id", saved.ID, "barcode", barcode)
	return saved, nil
}

// newBook validates details into a catalogue record.
func newBook(rawBarcode string, details BookDetails) (domain.Book, error) {
	barcode := NormalizeBarcode(rawBarcode)
	if barcode == "" {
		return domain.Book{}, ErrInvalidBarcode
	}
	title := strings.TrimSpace(details.Title)
	author := strings.TrimSpace(details.Author)
	if title == "" || author == "" {
		return domain.Book{}, ErrInvalidBook
	}
	if details.Edition < 0 {
		return domain.Book{}, ErrInvalidEdition
	}
	book := domain.Book{
		Barcode: barcode,
		Title:   title,
		Author:  author,
		Edition: details.Edition,
	}
	if dept := strings.ToUpper(strings.TrimSpace(details.Department)); dept != "" && details.CourseNumber > 0 {
		book.Courses = []domain.Course{{Department: dept, Number: details.CourseNumber}}
	}
	return book, nil
}

func (a *App) withBooks(ctx context.Context, listings []domain.Listing) ([]ListingView, error) {
	books := make(map[int64]*domain.Book)
	views := make([]ListingView, 0, len(listings))
	for _, l := range listings {
		book, seen := books[l.BookID]
		if !seen {
			b, ok, err := a.store.GetBook(ctx, l.BookID)
			if err != nil {
				return nil, fmt.Errorf("load book %d: %w", l.BookID, err)
			}
			if ok {
				book = &b
			}
			books[l.BookID] = book
		}
		views = append(views, ListingView{Listing: l, Book: book})
	}
	return views, nil
}

func (a *App) publish(ctx context.Context, published []events.Transition) {
	sideCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.sideEffectTimeout)
	defer cancel()
	if err := a.events.Publish(sideCtx, published); err != nil {
		util.LoggerFromContext(ctx).Warn("listing_events_publish_failed", "count", len(published), "err", err)
	}
}
