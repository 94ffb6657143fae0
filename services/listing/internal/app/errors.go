package app

import "errors"

var (
	ErrUnauthenticated  = errors.New("caller required")
	ErrForbidden        = errors.New("forbidden")
	ErrUnhandledAction  = errors.New("unhandled action")
	ErrEmptySelection   = errors.New("no listings selected")
	ErrListingNotFound  = errors.New("listing not found")
	ErrBookNotFound     = errors.New("book not found")
	ErrUnknownSeller    = errors.New("invalid student id")
	ErrInvalidPrice     = errors.New("price must be positive")
	ErrInvalidBarcode   = errors.New("barcode required")
	ErrInvalidEdition   = errors.New("edition must not be negative")
	ErrInvalidBook      = errors.New("title and author required")
	ErrNoSuchBook       = errors.New("book does not exist")
	ErrNoBooksSelected  = errors.New("no books selected")
	ErrDuplicateBarcode = errors.New("barcode already catalogued")
	ErrInvalidRole      = errors.New("invalid role")
)
