package store

import (
	"strconv"
	"strings"

	"cube/pkg/domain"
)

// SearchField picks what a listing search matches against.
type SearchField string

const (
	SearchAny     SearchField = "any_field"
	SearchTitle   SearchField = "title"
	SearchAuthor  SearchField = "author"
	SearchCourse  SearchField = "course"
	SearchBarcode SearchField = "barcode"
	SearchSeller  SearchField = "seller"
	SearchRef     SearchField = "ref"
)

// ParseSearchField maps a field name to a SearchField. Empty means SearchAny.
func ParseSearchField(raw string) (SearchField, bool) {
	switch field := SearchField(strings.ToLower(strings.TrimSpace(raw))); field {
	case "", "any":
		return SearchAny, true
	case SearchAny, SearchTitle, SearchAuthor, SearchCourse, SearchBarcode, SearchSeller, SearchRef:
		return field, true
	default:
		return "", false
	}
}

// ListingSearch is a case-insensitive substring search over one field of a
// listing, its book or its seller. A blank Text matches everything. SearchRef
// matches the listing id exactly.
type ListingSearch struct {
	Field SearchField
	Text  string
}

func (s ListingSearch) text() string {
	return strings.TrimSpace(s.Text)
}

func (s ListingSearch) field() SearchField {
	if s.Field == "" {
		return SearchAny
	}
	return s.Field
}

func (s ListingSearch) ref() (int64, bool) {
	id, err := strconv.ParseInt(s.text(), 10, 64)
	return id, err == nil && id > 0
}

// BookFilter narrows ListBooks. Text matches title, author or barcode.
type BookFilter struct {
	Text           string
	IncludeDeleted bool
}

// UserFilter narrows ListUsers.
type UserFilter struct {
	StaffOnly bool
}

// matchListing evaluates search in memory. book and seller may be zero.
func matchListing(search ListingSearch, l domain.Listing, book domain.Book, seller domain.User) bool {
	text := search.text()
	if text == "" {
		return true
	}
	needle := strings.ToLower(text)
	contains := func(v string) bool { return strings.Contains(strings.ToLower(v), needle) }
	byField := map[SearchField]func() bool{
		SearchTitle:   func() bool { return contains(book.Title) },
		SearchAuthor:  func() bool { return contains(book.Author) },
		SearchBarcode: func() bool { return contains(book.Barcode) },
		SearchCourse: func() bool {
			for _, c := range book.Courses {
				if contains(c.Department + " " + strconv.Itoa(c.Number)) {
					return true
				}
			}
			return false
		},
		SearchSeller: func() bool { return contains(l.SellerID) || contains(seller.FullName()) },
		SearchRef: func() bool {
			id, ok := search.ref()
			return ok && l.ID == id
		},
	}
	field := search.field()
	if field != SearchAny {
		match, ok := byField[field]
		return ok && match()
	}
	for _, match := range byField {
		if match() {
			return true
		}
	}
	return false
}

func matchBook(filter BookFilter, b domain.Book) bool {
	if b.Deleted && !filter.IncludeDeleted {
		return false
	}
	needle := strings.ToLower(strings.TrimSpace(filter.Text))
	if needle == "" {
		return true
	}
	for _, v := range []string{b.Title, b.Author, b.Barcode} {
		if strings.Contains(strings.ToLower(v), needle) {
			return true
		}
	}
	return false
}

func escapeLike(v string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(v)
}
