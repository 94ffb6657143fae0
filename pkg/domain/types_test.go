package domain

import "testing"

func TestParseActionAcceptsLabelsAndNames(t *testing.T) {
	cases := map[string]Action{
		"Delete":             ActionDelete,
		"To Be Deleted":      ActionMarkToBeDeleted,
		"mark_to_be_deleted": ActionMarkToBeDeleted,
		"Sold":               ActionSold,
		"Seller Paid":        ActionSellerPaid,
		"  seller   paid ":   ActionSellerPaid,
		"Missing":            ActionMissing,
		"Place on Hold":      ActionPlaceOnHold,
		"place-on-hold":      ActionPlaceOnHold,
		"Remove Holds":       ActionRemoveHolds,
		"EDIT":               ActionEdit,
	}
	for raw, want := range cases {
		got, ok := ParseAction(raw)
		if !ok {
			t.Fatalf("ParseAction(%q) not recognised", raw)
		}
		if got != want {
			t.Fatalf("ParseAction(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestParseActionRejectsPrefixes(t *testing.T) {
	for _, raw := range []string{"", "Sell", "Place", "Remove", "Tomato", "Seller"} {
		if action, ok := ParseAction(raw); ok {
			t.Fatalf("ParseAction(%q) = %q, want rejection", raw, action)
		}
	}
}

func TestListingHeldBy(t *testing.T) {
	l := Listing{Status: StatusOnHold, HolderID: "a"}
	if !l.HeldBy("a") {
		t.Fatalf("expected listing held by a")
	}
	if l.HeldBy("b") {
		t.Fatalf("listing should not be held by b")
	}
	l.Status = StatusForSale
	if l.HeldBy("a") {
		t.Fatalf("for-sale listing is not held")
	}
}

func TestUserRoles(t *testing.T) {
	u := User{ID: "1"}.WithRole(RoleAdmin)
	if !u.IsStaff || !u.IsAdmin || u.Role() != RoleAdmin {
		t.Fatalf("admin flags: %+v", u)
	}
	u = u.WithRole(RoleStaff)
	if !u.IsStaff || u.IsAdmin || u.Role() != RoleStaff {
		t.Fatalf("staff flags: %+v", u)
	}
	u = u.WithRole(RoleStudent)
	if u.IsStaff || u.IsAdmin || u.Role() != RoleStudent {
		t.Fatalf("student flags: %+v", u)
	}
	if r, ok := ParseRole(" Administrator "); !ok || r != RoleAdmin {
		t.Fatalf("ParseRole(Administrator) = %q %v", r, ok)
	}
	if _, ok := ParseRole("root"); ok {
		t.Fatalf("unknown role accepted")
	}
}
