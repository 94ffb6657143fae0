package domain

import (
	"strings"
	"time"
)

// ListingStatus is the lifecycle state of a single listed copy.
type ListingStatus string

const (
	StatusForSale     ListingStatus = "for_sale"
	StatusMissing     ListingStatus = "missing"
	StatusOnHold      ListingStatus = "on_hold"
	StatusToBeDeleted ListingStatus = "to_be_deleted"
	StatusDeleted     ListingStatus = "deleted"
	StatusSold        ListingStatus = "sold"
	StatusSellerPaid  ListingStatus = "seller_paid"
)

// Valid reports whether s is one of the known statuses.
func (s ListingStatus) Valid() bool {
	switch s {
	case StatusForSale, StatusMissing, StatusOnHold, StatusToBeDeleted,
		StatusDeleted, StatusSold, StatusSellerPaid:
		return true
	default:
		return false
	}
}

// In reports whether s is any of the given statuses.
func (s ListingStatus) In(statuses ...ListingStatus) bool {
	for _, candidate := range statuses {
		if s == candidate {
			return true
		}
	}
	return false
}

// Action is a bulk operation requested against a selection of listings.
type Action string

const (
	ActionDelete          Action = "delete"
	ActionMarkToBeDeleted Action = "mark_to_be_deleted"
	ActionSold            Action = "sold"
	ActionSellerPaid      Action = "seller_paid"
	ActionMissing         Action = "missing"
	ActionPlaceOnHold     Action = "place_on_hold"
	ActionRemoveHolds     Action = "remove_holds"
	ActionEdit            Action = "edit"
)

var actionNames = map[string]Action{
	"delete":             ActionDelete,
	"mark_to_be_deleted": ActionMarkToBeDeleted,
	"to_be_deleted":      ActionMarkToBeDeleted,
	"sold":               ActionSold,
	"seller_paid":        ActionSellerPaid,
	"missing":            ActionMissing,
	"place_on_hold":      ActionPlaceOnHold,
	"remove_holds":       ActionRemoveHolds,
	"edit":               ActionEdit,
}

// ParseAction maps a canonical action name or its button label
// ("Place on Hold", "Seller Paid", ...) to an Action.
// Matching ignores case and treats runs of spaces, dashes and underscores alike.
func ParseAction(raw string) (Action, bool) {
	fields := strings.FieldsFunc(strings.ToLower(raw), func(r rune) bool {
		return r == ' ' || r == '_' || r == '-' || r == '\t'
	})
	if len(fields) == 0 {
		return "", false
	}
	action, ok := actionNames[strings.Join(fields, "_")]
	return action, ok
}

// AuditCode is the one-letter action code stored with every audit entry.
type AuditCode string

const (
	AuditAdded        AuditCode = "A"
	AuditEdited       AuditCode = "E"
	AuditDeleted      AuditCode = "D"
	AuditToBeDeleted  AuditCode = "T"
	AuditSold         AuditCode = "S"
	AuditSellerPaid   AuditCode = "P"
	AuditMissing      AuditCode = "M"
	AuditHoldPlaced   AuditCode = "O"
	AuditHoldExtended AuditCode = "X"
	AuditHoldsRemoved AuditCode = "R"
)

// SystemActor is recorded as the actor of transitions the service performs on its own.
const SystemActor = "system"

// Listing is one physical copy of a book offered for sale by a seller.
// HolderID and HoldDate are set together or not at all; SellDate is set
// only while the status is Sold or SellerPaid.
type Listing struct {
	ID         int64         `json:"id"`
	BookID     int64         `json:"bookId"`
	SellerID   string        `json:"sellerId"`
	HolderID   string        `json:"holderId,omitempty"`
	Status     ListingStatus `json:"status"`
	PriceCents int64         `json:"priceCents"`
	ListDate   time.Time     `json:"listDate"`
	HoldDate   *time.Time    `json:"holdDate,omitempty"`
	SellDate   *time.Time    `json:"sellDate,omitempty"`
	Version    int64         `json:"version"`
}

// HeldBy reports whether the listing is on hold for userID.
func (l Listing) HeldBy(userID string) bool {
	return l.Status == StatusOnHold && l.HolderID != "" && l.HolderID == userID
}

// AuditEntry is an append-only record of one change to one listing.
type AuditEntry struct {
	ID        int64             `json:"id"`
	ListingID int64             `json:"listingId"`
	ActorID   string            `json:"actorId"`
	Code      AuditCode         `json:"code"`
	Details   map[string]string `json:"details,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Book is the catalogue record shared by every listing of the same edition.
type Book struct {
	ID        int64     `json:"id"`
	Barcode   string    `json:"barcode"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	Edition   int       `json:"edition"`
	Courses   []Course  `json:"courses,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Course is a department/number pair a book is used for.
type Course struct {
	Department string `json:"department"`
	Number     int    `json:"number"`
}

// User is a student or staff member. ID is the student number.
// Administrators are always staff too.
type User struct {
	ID        string    `json:"id"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Email     string    `json:"email"`
	IsStaff   bool      `json:"isStaff"`
	IsAdmin   bool      `json:"isAdmin"`
	CreatedAt time.Time `json:"createdAt"`
}

// FullName joins first and last name.
func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Role reports the user's role.
func (u User) Role() Role {
	switch {
	case u.IsAdmin:
		return RoleAdmin
	case u.IsStaff:
		return RoleStaff
	default:
		return RoleStudent
	}
}

// WithRole returns u with its staff and admin flags set for r.
func (u User) WithRole(r Role) User {
	u.IsAdmin = r == RoleAdmin
	u.IsStaff = r == RoleAdmin || r == RoleStaff
	return u
}

// Role is what a user may do at the exchange desk.
type Role string

const (
	RoleStudent Role = "student"
	RoleStaff   Role = "staff"
	RoleAdmin   Role = "admin"
)

// ParseRole accepts the role names and the "Administrator" label, ignoring case.
func ParseRole(raw string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "student", "none":
		return RoleStudent, true
	case "staff":
		return RoleStaff, true
	case "admin", "administrator":
		return RoleAdmin, true
	default:
		return "", false
	}
}

// Caller is the authenticated user a request acts on behalf of.
type Caller struct {
	UserID  string
	IsStaff bool
	IsAdmin bool
}
