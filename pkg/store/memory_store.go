package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"cube/pkg/domain"
)

// MemoryStore keeps listings in-process. Each transition holds the store
// lock for its whole read-check-write sequence.
type MemoryStore struct {
	mu        sync.RWMutex
	listings  map[int64]domain.Listing
	audit     []domain.AuditEntry
	books     map[int64]domain.Book
	barcodes  map[string]int64
	users     map[string]domain.User
	nextID    int64
	nextAudit int64
	nextBook  int64
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[int64]domain.Listing),
		books:    make(map[int64]domain.Book),
		barcodes: make(map[string]int64),
		users:    make(map[string]domain.User),
	}
}

// FindListings returns the listings among ids that exist, ordered by id.
func (m *MemoryStore) FindListings(_ context.Context, ids []int64) ([]domain.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Listing, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if l, ok := m.listings[id]; ok {
			res = append(res, copyListing(l))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// GetListing returns a listing by ID.
func (m *MemoryStore) GetListing(_ context.Context, id int64) (domain.Listing, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[id]
	if !ok {
		return domain.Listing{}, false, nil
	}
	return copyListing(l), true, nil
}

// ListListings returns listings matching filter ordered by list date.
func (m *MemoryStore) ListListings(_ context.Context, filter ListingFilter) ([]domain.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Listing, 0)
	for _, l := range m.listings {
		if len(filter.Statuses) > 0 && !l.Status.In(filter.Statuses...) {
			continue
		}
		if filter.SellerID != "" && l.SellerID != filter.SellerID {
			continue
		}
		if filter.HolderID != "" && l.HolderID != filter.HolderID {
			continue
		}
		if !filter.HeldBefore.IsZero() && (l.HoldDate == nil || !l.HoldDate.Before(filter.HeldBefore)) {
			continue
		}
		if !matchListing(filter.Search, l, m.books[l.BookID], m.users[l.SellerID]) {
			continue
		}
		res = append(res, copyListing(l))
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].ListDate.Equal(res[j].ListDate) {
			return res[i].ListDate.Before(res[j].ListDate)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

// CreateListing assigns an ID and stores the listing with its audit entry.
func (m *MemoryStore) CreateListing(_ context.Context, listing domain.Listing, entry domain.AuditEntry) (domain.Listing, error) {
	if err := validateAuditEntry(entry); err != nil {
		return domain.Listing{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	listing.ID = m.nextID
	listing.Version = 0
	m.listings[listing.ID] = copyListing(listing)
	entry.ListingID = listing.ID
	m.appendAuditLocked(entry)
	return copyListing(listing), nil
}

// TransitionListing applies fn to the current listing under the store lock.
func (m *MemoryStore) TransitionListing(_ context.Context, id int64, fn TransitionFunc) (domain.Listing, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.listings[id]
	if !ok {
		return domain.Listing{}, false, ErrListingNotFound
	}
	next, entry, apply := fn(copyListing(current))
	if !apply {
		return copyListing(current), false, nil
	}
	if err := validateAuditEntry(entry); err != nil {
		return domain.Listing{}, false, err
	}
	next.ID = current.ID
	next.ListDate = current.ListDate
	next.Version = current.Version + 1
	m.listings[id] = copyListing(next)
	entry.ListingID = id
	m.appendAuditLocked(entry)
	return copyListing(next), true, nil
}

func (m *MemoryStore) appendAuditLocked(entry domain.AuditEntry) {
	m.nextAudit++
	entry.ID = m.nextAudit
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if len(entry.Details) > 0 {
		details := make(map[string]string, len(entry.Details))
		for k, v := range entry.Details {
			details[k] = v
		}
		entry.Details = details
	}
	m.audit = append(m.audit, entry)
}

// ListAuditEntries returns a listing's audit trail, oldest first.
func (m *MemoryStore) ListAuditEntries(_ context.Context, listingID int64) ([]domain.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.AuditEntry, 0)
	for _, e := range m.audit {
		if e.ListingID == listingID {
			res = append(res, e)
		}
	}
	return res, nil
}

// GetBook returns a book by ID.
func (m *MemoryStore) GetBook(_ context.Context, id int64) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	return b, ok, nil
}

// GetBookByBarcode looks up a book by barcode.
func (m *MemoryStore) GetBookByBarcode(_ context.Context, barcode string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.barcodes[barcode]
	if !ok {
		return domain.Book{}, false, nil
	}
	return m.books[id], true, nil
}

// SaveBook inserts a book or updates the one with the same barcode.
func (m *MemoryStore) SaveBook(_ context.Context, book domain.Book) (domain.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.barcodes[book.Barcode]; ok {
		existing := m.books[id]
		book.ID = existing.ID
		book.CreatedAt = existing.CreatedAt
	} else {
		m.nextBook++
		book.ID = m.nextBook
		if book.CreatedAt.IsZero() {
			book.CreatedAt = time.Now().UTC()
		}
		m.barcodes[book.Barcode] = book.ID
	}
	m.books[book.ID] = book
	return book, nil
}

// UpdateBook rewrites the catalogue record with book's ID, barcode included.
func (m *MemoryStore) UpdateBook(_ context.Context, book domain.Book) (domain.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.books[book.ID]
	if !ok {
		return domain.Book{}, ErrBookNotFound
	}
	if owner, taken := m.barcodes[book.Barcode]; taken && owner != book.ID {
		return domain.Book{}, ErrDuplicateBarcode
	}
	delete(m.barcodes, existing.Barcode)
	m.barcodes[book.Barcode] = book.ID
	book.CreatedAt = existing.CreatedAt
	m.books[book.ID] = book
	return book, nil
}

// ListBooks returns catalogue records matching filter ordered by title.
func (m *MemoryStore) ListBooks(_ context.Context, filter BookFilter) ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Book, 0, len(m.books))
	for _, b := range m.books {
		if matchBook(filter, b) {
			res = append(res, b)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Title != res[j].Title {
			return res[i].Title < res[j].Title
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

// GetUser returns a user by student number.
func (m *MemoryStore) GetUser(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// SaveUser registers or updates a user.
func (m *MemoryStore) SaveUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.users[u.ID]; ok {
		u.CreatedAt = existing.CreatedAt
	} else if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.Email = strings.TrimSpace(strings.ToLower(u.Email))
	u.IsStaff = u.IsStaff || u.IsAdmin
	m.users[u.ID] = u
	return nil
}

// ListUsers returns users matching filter ordered by name.
func (m *MemoryStore) ListUsers(_ context.Context, filter UserFilter) ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		if filter.StaffOnly && !u.IsStaff {
			continue
		}
		res = append(res, u)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].LastName != res[j].LastName {
			return res[i].LastName < res[j].LastName
		}
		if res[i].FirstName != res[j].FirstName {
			return res[i].FirstName < res[j].FirstName
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

func copyListing(l domain.Listing) domain.Listing {
	if l.HoldDate != nil {
		t := *l.HoldDate
		l.HoldDate = &t
	}
	if l.SellDate != nil {
		t := *l.SellDate
		l.SellDate = &t
	}
	return l
}
