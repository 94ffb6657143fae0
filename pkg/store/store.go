package store

import (
	"context"
	"errors"
	"time"

	"cube/pkg/domain"
)

var (
	// ErrListingNotFound is returned by TransitionListing when the row is gone.
	ErrListingNotFound = errors.New("listing not found")
	// ErrVersionConflict is returned when a listing changed between read and write.
	ErrVersionConflict = errors.New("listing changed concurrently")
	// ErrInvalidAuditEntry rejects audit entries without actor or code.
	ErrInvalidAuditEntry = errors.New("invalid audit entry")
	// ErrBookNotFound is returned by UpdateBook when no book has the id.
	ErrBookNotFound = errors.New("book not found")
	// ErrDuplicateBarcode is returned when a barcode already belongs to another book.
	ErrDuplicateBarcode = errors.New("barcode already catalogued")
)

// ListingFilter narrows ListListings. Zero-valued fields match everything.
type ListingFilter struct {
	Statuses   []domain.ListingStatus
	SellerID   string
	HolderID   string
	HeldBefore time.Time
	Search     ListingSearch
}

// TransitionFunc inspects the locked current state of a listing and returns the
// state to persist together with its audit entry. Returning ok=false leaves the
// listing untouched and writes no audit entry.
type TransitionFunc func(current domain.Listing) (next domain.Listing, entry domain.AuditEntry, ok bool)

// Store defines persistence operations for listings, audit entries, books and users.
type Store interface {
	// listings
	FindListings(ctx context.Context, ids []int64) ([]domain.Listing, error)
	GetListing(ctx context.Context, id int64) (domain.Listing, bool, error)
	ListListings(ctx context.Context, filter ListingFilter) ([]domain.Listing, error)
	CreateListing(ctx context.Context, listing domain.Listing, entry domain.AuditEntry) (domain.Listing, error)
	TransitionListing(ctx context.Context, id int64, fn TransitionFunc) (domain.Listing, bool, error)

	// audit
	ListAuditEntries(ctx context.Context, listingID int64) ([]domain.AuditEntry, error)

	// books
	GetBook(ctx context.Context, id int64) (domain.Book, bool, error)
	GetBookByBarcode(ctx context.Context, barcode string) (domain.Book, bool, error)
	SaveBook(ctx context.Context, book domain.Book) (domain.Book, error)
	UpdateBook(ctx context.Context, book domain.Book) (domain.Book, error)
	ListBooks(ctx context.Context, filter BookFilter) ([]domain.Book, error)

	// users
	GetUser(ctx context.Context, id string) (domain.User, bool, error)
	SaveUser(ctx context.Context, user domain.User) error
	ListUsers(ctx context.Context, filter UserFilter) ([]domain.User, error)
}

func validateAuditEntry(entry domain.AuditEntry) error {
	if entry.ActorID == "" || entry.Code == "" {
		return ErrInvalidAuditEntry
	}
	return nil
}
