package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cube/pkg/domain"
)

func seedListing(t *testing.T, s *MemoryStore, seller string, status domain.ListingStatus) domain.Listing {
	t.Helper()
	l, err := s.CreateListing(context.Background(), domain.Listing{
		BookID:     1,
		SellerID:   seller,
		Status:     status,
		PriceCents: 1500,
		ListDate:   time.Now().UTC(),
	}, domain.AuditEntry{ActorID: seller, Code: domain.AuditAdded})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	return l
}

func TestMemoryStoreFindListingsSkipsUnknownAndDuplicates(t *testing.T) {
	s := NewMemoryStore()
	a := seedListing(t, s, "100", domain.StatusForSale)
	b := seedListing(t, s, "200", domain.StatusForSale)

	got, err := s.FindListings(context.Background(), []int64{b.ID, 999, a.ID, b.ID})
	if err != nil {
		t.Fatalf("find listings: %v", err)
	}
	if len(got) != 2 || got[0].ID != a.ID || got[1].ID != b.ID {
		t.Fatalf("unexpected listings: %+v", got)
	}
}

func TestMemoryStoreTransitionWritesAuditEntry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	l := seedListing(t, s, "100", domain.StatusForSale)

	next, applied, err := s.TransitionListing(ctx, l.ID, func(cur domain.Listing) (domain.Listing, domain.AuditEntry, bool) {
		cur.Status = domain.StatusMissing
		return cur, domain.AuditEntry{ActorID: "staff", Code: domain.AuditMissing}, true
	})
	if err != nil || !applied {
		t.Fatalf("transition: applied=%v err=%v", applied, err)
	}
	if next.Status != domain.StatusMissing || next.Version != l.Version+1 {
		t.Fatalf("unexpected listing after transition: %+v", next)
	}
	entries, _ := s.ListAuditEntries(ctx, l.ID)
	if len(entries) != 2 || entries[1].Code != domain.AuditMissing {
		t.Fatalf("unexpected audit trail: %+v", entries)
	}
}

func TestMemoryStoreTransitionRejectsInvalidAuditEntry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	l := seedListing(t, s, "100", domain.StatusForSale)

	_, applied, err := s.TransitionListing(ctx, l.ID, func(cur domain.Listing) (domain.Listing, domain.AuditEntry, bool) {
		cur.Status = domain.StatusDeleted
		return cur, domain.AuditEntry{Code: domain.AuditDeleted}, true
	})
	if err != ErrInvalidAuditEntry || applied {
		t.Fatalf("expected invalid audit entry, applied=%v err=%v", applied, err)
	}
	got, _, _ := s.GetListing(ctx, l.ID)
	if got.Status != domain.StatusForSale {
		t.Fatalf("listing must be unchanged, got %s", got.Status)
	}
}

func TestMemoryStoreTransitionUnknownListing(t *testing.T) {
	s := NewMemoryStore()
	_, _, err := s.TransitionListing(context.Background(), 42, func(cur domain.Listing) (domain.Listing, domain.AuditEntry, bool) {
		return cur, domain.AuditEntry{}, false
	})
	if err != ErrListingNotFound {
		t.Fatalf("expected ErrListingNotFound, got %v", err)
	}
}

func TestMemoryStoreConcurrentHoldOnlyOneWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	l := seedListing(t, s, "100", domain.StatusForSale)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		holder := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, applied, err := s.TransitionListing(ctx, l.ID, func(cur domain.Listing) (domain.Listing, domain.AuditEntry, bool) {
				if cur.Status != domain.StatusForSale {
					return cur, domain.AuditEntry{}, false
				}
				now := time.Now().UTC()
				cur.Status = domain.StatusOnHold
				cur.HolderID = holder
				cur.HoldDate = &now
				return cur, domain.AuditEntry{ActorID: holder, Code: domain.AuditHoldPlaced}, true
			})
			if err != nil {
				t.Errorf("transition: %v", err)
				return
			}
			if applied {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one hold, got %d", wins)
	}
	entries, _ := s.ListAuditEntries(ctx, l.ID)
	holds := 0
	for _, e := range entries {
		if e.Code == domain.AuditHoldPlaced {
			holds++
		}
	}
	if holds != 1 {
		t.Fatalf("expected one hold audit entry, got %d", holds)
	}
}

func TestMemoryStoreListListingsFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := seedListing(t, s, "100", domain.StatusForSale)
	seedListing(t, s, "200", domain.StatusSold)
	old := time.Now().Add(-48 * time.Hour).UTC()
	_, _, err := s.TransitionListing(ctx, a.ID, func(cur domain.Listing) (domain.Listing, domain.AuditEntry, bool) {
		cur.Status = domain.StatusOnHold
		cur.HolderID = "300"
		cur.HoldDate = &old
		return cur, domain.AuditEntry{ActorID: "300", Code: domain.AuditHoldPlaced}, true
	})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}

	held, _ := s.ListListings(ctx, ListingFilter{HolderID: "300"})
	if len(held) != 1 || held[0].ID != a.ID {
		t.Fatalf("unexpected holder filter result: %+v", held)
	}
	stale, _ := s.ListListings(ctx, ListingFilter{
		Statuses:   []domain.ListingStatus{domain.StatusOnHold},
		HeldBefore: time.Now().Add(-24 * time.Hour),
	})
	if len(stale) != 1 {
		t.Fatalf("expected one stale hold, got %d", len(stale))
	}
	sold, _ := s.ListListings(ctx, ListingFilter{Statuses: []domain.ListingStatus{domain.StatusSold}, SellerID: "200"})
	if len(sold) != 1 {
		t.Fatalf("expected one sold listing for seller 200, got %d", len(sold))
	}
}

func TestMemoryStoreSaveBookUpsertsByBarcode(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	first, _ := s.SaveBook(ctx, domain.Book{Barcode: "9780131103627", Title: "C", Author: "K&R", Edition: 1})
	second, _ := s.SaveBook(ctx, domain.Book{Barcode: "9780131103627", Title: "The C Programming Language", Author: "K&R", Edition: 2})
	if first.ID != second.ID {
		t.Fatalf("expected same book id, got %d and %d", first.ID, second.ID)
	}
	got, ok, _ := s.GetBookByBarcode(ctx, "9780131103627")
	if !ok || got.Edition != 2 {
		t.Fatalf("expected updated book, got %+v", got)
	}
}

func TestMemoryStoreListingSearch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	calc, err := s.SaveBook(ctx, domain.Book{Barcode: "9780538497817", Title: "Calculus", Author: "Stewart", Courses: []domain.Course{{Department: "MATH", Number: 123}}})
	if err != nil {
		t.Fatalf("save book: %v", err)
	}
	bio, err := s.SaveBook(ctx, domain.Book{Barcode: "9780321775658", Title: "Campbell Biology", Author: "Reece"})
	if err != nil {
		t.Fatalf("save book: %v", err)
	}
	if err := s.SaveUser(ctx, domain.User{ID: "100", FirstName: "Ada", LastName: "Lovelace"}); err != nil {
		t.Fatalf("save user: %v", err)
	}
	mk := func(bookID int64, seller string) domain.Listing {
		l, err := s.CreateListing(ctx, domain.Listing{BookID: bookID, SellerID: seller, Status: domain.StatusForSale, PriceCents: 100, ListDate: time.Now().UTC()},
			domain.AuditEntry{ActorID: seller, Code: domain.AuditAdded})
		if err != nil {
			t.Fatalf("create listing: %v", err)
		}
		return l
	}
	calcListing := mk(calc.ID, "100")
	bioListing := mk(bio.ID, "200")

	cases := []struct {
		search ListingSearch
		want   []int64
	}{
		{ListingSearch{}, []int64{calcListing.ID, bioListing.ID}},
		{ListingSearch{Field: SearchTitle, Text: "calc"}, []int64{calcListing.ID}},
		{ListingSearch{Field: SearchAuthor, Text: "REECE"}, []int64{bioListing.ID}},
		{ListingSearch{Field: SearchCourse, Text: "math 123"}, []int64{calcListing.ID}},
		{ListingSearch{Field: SearchBarcode, Text: "97803"}, []int64{bioListing.ID}},
		{ListingSearch{Field: SearchSeller, Text: "lovelace"}, []int64{calcListing.ID}},
		{ListingSearch{Field: SearchSeller, Text: "200"}, []int64{bioListing.ID}},
		{ListingSearch{Field: SearchRef, Text: "2"}, []int64{bioListing.ID}},
		{ListingSearch{Field: SearchRef, Text: "two"}, nil},
		{ListingSearch{Text: "biology"}, []int64{bioListing.ID}},
	}
	for _, tc := range cases {
		got, err := s.ListListings(ctx, ListingFilter{Search: tc.search})
		if err != nil {
			t.Fatalf("list %+v: %v", tc.search, err)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("search %+v: got %d listings, want %v", tc.search, len(got), tc.want)
		}
		for i, l := range got {
			if l.ID != tc.want[i] {
				t.Fatalf("search %+v: got %+v, want %v", tc.search, got, tc.want)
			}
		}
	}
}

func TestMemoryStoreUpdateBook(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a, _ := s.SaveBook(ctx, domain.Book{Barcode: "1", Title: "A", Author: "X"})
	b, _ := s.SaveBook(ctx, domain.Book{Barcode: "2", Title: "B", Author: "Y"})

	a.Barcode = "2"
	if _, err := s.UpdateBook(ctx, a); !errors.Is(err, ErrDuplicateBarcode) {
		t.Fatalf("expected ErrDuplicateBarcode, got %v", err)
	}
	a.Barcode = "3"
	a.Title = "A2"
	if _, err := s.UpdateBook(ctx, a); err != nil {
		t.Fatalf("update book: %v", err)
	}
	if _, ok, _ := s.GetBookByBarcode(ctx, "1"); ok {
		t.Fatalf("old barcode still resolves")
	}
	if got, ok, _ := s.GetBookByBarcode(ctx, "3"); !ok || got.Title != "A2" {
		t.Fatalf("new barcode: %+v %v", got, ok)
	}
	if _, err := s.UpdateBook(ctx, domain.Book{ID: 99, Barcode: "9"}); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("expected ErrBookNotFound, got %v", err)
	}

	b.Deleted = true
	if _, err := s.UpdateBook(ctx, b); err != nil {
		t.Fatalf("delete book: %v", err)
	}
	books, _ := s.ListBooks(ctx, BookFilter{})
	if len(books) != 1 || books[0].ID != a.ID {
		t.Fatalf("deleted book listed: %+v", books)
	}
	books, _ = s.ListBooks(ctx, BookFilter{IncludeDeleted: true, Text: "b"})
	if len(books) != 1 || books[0].ID != b.ID {
		t.Fatalf("expected deleted book when included: %+v", books)
	}
}

func TestMemoryStoreListUsersStaffOnly(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, u := range []domain.User{
		{ID: "1", FirstName: "Ada", LastName: "Lovelace", IsStaff: true},
		{ID: "2", FirstName: "Alan", LastName: "Turing"},
		{ID: "3", FirstName: "Grace", LastName: "Hopper", IsAdmin: true},
	} {
		if err := s.SaveUser(ctx, u); err != nil {
			t.Fatalf("save user: %v", err)
		}
	}
	staff, err := s.ListUsers(ctx, UserFilter{StaffOnly: true})
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(staff) != 2 || staff[0].ID != "3" || staff[1].ID != "1" {
		t.Fatalf("unexpected staff: %+v", staff)
	}
}
