package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"cube/internal/ratelimit"
	"cube/internal/usertoken"
	"cube/pkg/domain"
	"cube/pkg/store"
	"cube/services/listing/internal/app"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type harness struct {
	srv      *httptest.Server
	store    *store.MemoryStore
	verifier *usertoken.Verifier
}

func newHarness(t *testing.T, limiter *ratelimit.FixedWindowLimiter) *harness {
	t.Helper()
	mem := store.NewMemoryStore()
	a, err := app.New(app.Config{Store: mem})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	verifier, err := usertoken.NewVerifier(usertoken.Config{Secret: testSecret})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	s, err := New(Config{App: a, TokenVerifier: verifier, Limiter: limiter})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, store: mem, verifier: verifier}
}

func (h *harness) token(t *testing.T, caller domain.Caller) string {
	t.Helper()
	token, err := h.verifier.Issue(caller, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (h *harness) do(t *testing.T, method, path string, caller *domain.Caller, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if caller != nil {
		req.Header.Set("Authorization", "Bearer "+h.token(t, *caller))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	payload := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func (h *harness) seed(t *testing.T, l domain.Listing) domain.Listing {
	t.Helper()
	if l.PriceCents == 0 {
		l.PriceCents = 1000
	}
	l.ListDate = time.Now().UTC()
	created, err := h.store.CreateListing(context.Background(), l, domain.AuditEntry{ActorID: "desk", Code: domain.AuditAdded})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return created
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, nil)
	resp, payload := h.do(t, http.MethodGet, "/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK || payload["status"] != "ok" {
		t.Fatalf("unexpected health response: %d %v", resp.StatusCode, payload)
	}
}

func TestRequiresBearerToken(t *testing.T) {
	h := newHarness(t, nil)
	resp, payload := h.do(t, http.MethodGet, "/listings", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized || payload["code"] != "AUTH_INVALID_TOKEN" {
		t.Fatalf("expected 401, got %d %v", resp.StatusCode, payload)
	}
	if payload["requestId"] == "" || payload["requestId"] == nil {
		t.Fatalf("error response should carry the request id: %v", payload)
	}
}

func TestPlaceOnHoldThroughActions(t *testing.T) {
	h := newHarness(t, nil)
	l := h.seed(t, domain.Listing{SellerID: "S", Status: domain.StatusForSale, PriceCents: 2500})
	caller := &domain.Caller{UserID: "A"}

	resp, payload := h.do(t, http.MethodPost, "/listings/actions", caller, map[string]any{
		"action": "Place on Hold",
		"ids":    []string{strconv.FormatInt(l.ID, 10), "nope"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", resp.StatusCode, payload)
	}
	if payload["action"] != string(domain.ActionPlaceOnHold) || payload["count"] != float64(1) || payload["totalPriceCents"] != float64(2500) {
		t.Fatalf("unexpected result: %v", payload)
	}
	got, _, _ := h.store.GetListing(context.Background(), l.ID)
	if got.Status != domain.StatusOnHold || got.HolderID != "A" {
		t.Fatalf("hold not placed: %+v", got)
	}
}

func TestActionErrors(t *testing.T) {
	h := newHarness(t, nil)
	caller := &domain.Caller{UserID: "A"}

	resp, payload := h.do(t, http.MethodPost, "/listings/actions", caller, map[string]any{"action": "Sell", "ids": []string{"1"}})
	if resp.StatusCode != http.StatusBadRequest || payload["code"] != "LISTING_UNHANDLED_ACTION" {
		t.Fatalf("expected unhandled action, got %d %v", resp.StatusCode, payload)
	}
	resp, payload = h.do(t, http.MethodPost, "/listings/actions", caller, map[string]any{"action": "delete", "ids": []string{}})
	if resp.StatusCode != http.StatusBadRequest || payload["code"] != "LISTING_EMPTY_SELECTION" {
		t.Fatalf("expected empty selection, got %d %v", resp.StatusCode, payload)
	}
	resp, payload = h.do(t, http.MethodPost, "/listings/actions", caller, map[string]any{"ids": []string{"1"}})
	if resp.StatusCode != http.StatusBadRequest || payload["code"] != "LISTING_INVALID_REQUEST" {
		t.Fatalf("expected validation failure, got %d %v", resp.StatusCode, payload)
	}
	resp, _ = h.do(t, http.MethodGet, "/listings/actions", caller, nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestAddAndEditListing(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.store.SaveUser(context.Background(), domain.User{ID: "100", Email: "s@example.edu"}); err != nil {
		t.Fatalf("save user: %v", err)
	}
	desk := &domain.Caller{UserID: "desk", IsStaff: true}

	resp, payload := h.do(t, http.MethodPost, "/listings", desk, map[string]any{
		"sellerId":   "100",
		"priceCents": 1500,
		"barcode":    "978-1",
		"title":      "Linear Algebra",
		"author":     "Strang",
		"edition":    5,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d %v", resp.StatusCode, payload)
	}
	id := int64(payload["id"].(float64))
	book, _ := payload["book"].(map[string]any)
	if payload["status"] != string(domain.StatusForSale) || book["barcode"] != "9781" {
		t.Fatalf("unexpected created listing: %v", payload)
	}

	path := "/listings/" + strconv.FormatInt(id, 10)
	resp, payload = h.do(t, http.MethodPut, path, desk, map[string]any{"sellerId": "100", "priceCents": 1200, "barcode": "9781"})
	if resp.StatusCode != http.StatusOK || payload["priceCents"] != float64(1200) {
		t.Fatalf("edit failed: %d %v", resp.StatusCode, payload)
	}
	resp, payload = h.do(t, http.MethodGet, path+"/history", desk, nil)
	if resp.StatusCode != http.StatusOK || payload["count"] != float64(2) {
		t.Fatalf("expected A and E in history, got %d %v", resp.StatusCode, payload)
	}

	resp, payload = h.do(t, http.MethodPost, "/listings", desk, map[string]any{"sellerId": "100", "priceCents": 100, "barcode": "555"})
	if resp.StatusCode != http.StatusUnprocessableEntity || payload["code"] != "LISTING_BOOK_NOT_FOUND" {
		t.Fatalf("expected book not found, got %d %v", resp.StatusCode, payload)
	}
	resp, payload = h.do(t, http.MethodPost, "/listings", desk, map[string]any{"sellerId": "999", "priceCents": 100, "barcode": "9781"})
	if resp.StatusCode != http.StatusBadRequest || payload["code"] != "LISTING_UNKNOWN_SELLER" {
		t.Fatalf("expected unknown seller, got %d %v", resp.StatusCode, payload)
	}
	resp, payload = h.do(t, http.MethodPost, "/listings", desk, map[string]any{"sellerId": "100", "priceCents": 0, "barcode": "9781"})
	if resp.StatusCode != http.StatusBadRequest || payload["code"] != "LISTING_INVALID_REQUEST" {
		t.Fatalf("expected validation failure for price, got %d %v", resp.StatusCode, payload)
	}
}

func TestBrowseAndVisibility(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, domain.Listing{SellerID: "S", Status: domain.StatusForSale})
	missing := h.seed(t, domain.Listing{SellerID: "S", Status: domain.StatusMissing})
	student := &domain.Caller{UserID: "student"}

	resp, payload := h.do(t, http.MethodGet, "/listings", student, nil)
	if resp.StatusCode != http.StatusOK || payload["count"] != float64(1) {
		t.Fatalf("student browse: %d %v", resp.StatusCode, payload)
	}
	resp, payload = h.do(t, http.MethodGet, "/listings?status=missing", &domain.Caller{UserID: "desk", IsStaff: true}, nil)
	if resp.StatusCode != http.StatusOK || payload["count"] != float64(1) {
		t.Fatalf("staff browse: %d %v", resp.StatusCode, payload)
	}
	resp, payload = h.do(t, http.MethodGet, "/listings?status=bogus", student, nil)
	if resp.StatusCode != http.StatusBadRequest || payload["code"] != "LISTING_INVALID_STATUS" {
		t.Fatalf("expected invalid status, got %d %v", resp.StatusCode, payload)
	}
	resp, payload = h.do(t, http.MethodGet, "/listings/"+strconv.FormatInt(missing.ID, 10), student, nil)
	if resp.StatusCode != http.StatusNotFound || payload["code"] != "LISTING_NOT_FOUND" {
		t.Fatalf("missing listing should be hidden from students: %d %v", resp.StatusCode, payload)
	}
	resp, _ = h.do(t, http.MethodGet, "/listings/abc", student, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for malformed id, got %d", resp.StatusCode)
	}
}

func TestMyListingsAndReleaseHolds(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, domain.Listing{SellerID: "me", Status: domain.StatusForSale, PriceCents: 700})
	h.seed(t, domain.Listing{SellerID: "x", Status: domain.StatusOnHold, HolderID: "me", HoldDate: ptr(time.Now().UTC()), PriceCents: 300})
	me := &domain.Caller{UserID: "me"}

	resp, payload := h.do(t, http.MethodGet, "/me/listings", me, nil)
	if resp.StatusCode != http.StatusOK || payload["sellingTotalCents"] != float64(700) || payload["holdingTotalCents"] != float64(300) {
		t.Fatalf("unexpected my listings: %d %v", resp.StatusCode, payload)
	}

	resp, payload = h.do(t, http.MethodPost, "/holds/release", me, map[string]any{"userId": "me"})
	if resp.StatusCode != http.StatusForbidden || payload["code"] != "LISTING_FORBIDDEN" {
		t.Fatalf("students cannot release by user: %d %v", resp.StatusCode, payload)
	}
	resp, payload = h.do(t, http.MethodPost, "/holds/release", &domain.Caller{UserID: "desk", IsStaff: true}, map[string]any{"userId": "me"})
	if resp.StatusCode != http.StatusOK || payload["count"] != float64(1) {
		t.Fatalf("staff release: %d %v", resp.StatusCode, payload)
	}
}

func TestBrowseSearch(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	algo, err := h.store.SaveBook(ctx, domain.Book{Barcode: "111", Title: "Algorithms", Author: "Sedgewick"})
	if err != nil {
		t.Fatalf("save book: %v", err)
	}
	bio, err := h.store.SaveBook(ctx, domain.Book{Barcode: "222", Title: "Biology", Author: "Campbell"})
	if err != nil {
		t.Fatalf("save book: %v", err)
	}
	h.seed(t, domain.Listing{SellerID: "S", BookID: algo.ID, Status: domain.StatusForSale})
	h.seed(t, domain.Listing{SellerID: "S", BookID: bio.ID, Status: domain.StatusForSale})
	student := &domain.Caller{UserID: "student"}

	resp, payload := h.do(t, http.MethodGet, "/listings?field=author&q=sedge", student, nil)
	if resp.StatusCode != http.StatusOK || payload["count"] != float64(1) {
		t.Fatalf("author search: %d %v", resp.StatusCode, payload)
	}
	resp, payload = h.do(t, http.MethodGet, "/listings?q=222", student, nil)
	if resp.StatusCode != http.StatusOK || payload["count"] != float64(1) {
		t.Fatalf("any-field search: %d %v", resp.StatusCode, payload)
	}
	resp, payload = h.do(t, http.MethodGet, "/listings?field=colour&q=x", student, nil)
	if resp.StatusCode != http.StatusBadRequest || payload["code"] != "LISTING_INVALID_SEARCH" {
		t.Fatalf("expected invalid search, got %d %v", resp.StatusCode, payload)
	}
	resp, payload = h.do(t, http.MethodGet, "/me/listings?field=title&q=bio", &domain.Caller{UserID: "S"}, nil)
	selling, _ := payload["selling"].([]any)
	if resp.StatusCode != http.StatusOK || len(selling) != 1 || payload["sellingTotalCents"] != float64(1000) {
		t.Fatalf("my listings search: %d %v", resp.StatusCode, payload)
	}
}

func TestCatalogueRoutes(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	book, err := h.store.SaveBook(ctx, domain.Book{Barcode: "111", Title: "Algoritms", Author: "CLRS"})
	if err != nil {
		t.Fatalf("save book: %v", err)
	}
	if _, err := h.store.SaveBook(ctx, domain.Book{Barcode: "222", Title: "Biology", Author: "Campbell"}); err != nil {
		t.Fatalf("save book: %v", err)
	}
	student := &domain.Caller{UserID: "student"}
	desk := &domain.Caller{UserID: "desk", IsStaff: true}
	path := "/books/" + strconv.FormatInt(book.ID, 10)
	update := map[string]any{"barcode": "111", "title": "Algorithms", "author": "CLRS", "edition": 3}

	resp, payload := h.do(t, http.MethodGet, "/books?q=algo", student, nil)
	if resp.StatusCode != http.StatusOK || payload["count"] != float64(1) {
		t.Fatalf("list books: %d %v", resp.StatusCode, payload)
	}
	resp, payload = h.do(t, http.MethodPut, path, student, update)
	if resp.StatusCode != http.StatusForbidden || payload["code"] != "LISTING_FORBIDDEN" {
		t.Fatalf("students cannot edit books: %d %v", resp.StatusCode, payload)
	}
	resp, payload = h.do(t, http.MethodPut, path, desk, update)
	if resp.StatusCode != http.StatusOK || payload["title"] != "Algorithms" {
		t.Fatalf("edit book: %d %v", resp.StatusCode, payload)
	}
	update["barcode"] = "222"
	resp, payload = h.do(t, http.MethodPut, path, desk, update)
	if resp.StatusCode != http.StatusConflict || payload["code"] != "LISTING_DUPLICATE_BARCODE" {
		t.Fatalf("expected duplicate barcode, got %d %v", resp.StatusCode, payload)
	}
	resp, payload = h.do(t, http.MethodPut, "/books/99", desk, update)
	if resp.StatusCode != http.StatusNotFound || payload["code"] != "LISTING_BOOK_MISSING" {
		t.Fatalf("expected missing book, got %d %v", resp.StatusCode, payload)
	}

	resp, payload = h.do(t, http.MethodPost, "/books/delete", desk, map[string]any{"ids": []string{}})
	if resp.StatusCode != http.StatusBadRequest || payload["code"] != "LISTING_EMPTY_SELECTION" {
		t.Fatalf("expected empty selection, got %d %v", resp.StatusCode, payload)
	}
	resp, payload = h.do(t, http.MethodPost, "/books/delete", desk, map[string]any{"ids": []string{strconv.FormatInt(book.ID, 10)}})
	if resp.StatusCode != http.StatusOK || payload["count"] != float64(1) {
		t.Fatalf("delete books: %d %v", resp.StatusCode, payload)
	}
	resp, payload = h.do(t, http.MethodGet, "/books?includeDeleted=true", student, nil)
	if resp.StatusCode != http.StatusOK || payload["count"] != float64(1) {
		t.Fatalf("students should not see deleted books: %d %v", resp.StatusCode, payload)
	}
	resp, payload = h.do(t, http.MethodGet, "/books?includeDeleted=true", desk, nil)
	if resp.StatusCode != http.StatusOK || payload["count"] != float64(2) {
		t.Fatalf("staff should see deleted books: %d %v", resp.StatusCode, payload)
	}
}

func TestStaffRoutesUseStoredRoles(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.store.SaveUser(ctx, domain.User{ID: "boss", LastName: "Boss", Email: "b@example.edu", IsAdmin: true}); err != nil {
		t.Fatalf("save user: %v", err)
	}
	if err := h.store.SaveUser(ctx, domain.User{ID: "kid", LastName: "Kid", Email: "k@example.edu"}); err != nil {
		t.Fatalf("save user: %v", err)
	}
	kid := &domain.Caller{UserID: "kid"}

	resp, payload := h.do(t, http.MethodGet, "/staff", kid, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("students cannot list staff: %d %v", resp.StatusCode, payload)
	}
	resp, payload = h.do(t, http.MethodPut, "/staff/kid", kid, map[string]any{"role": "admin"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("students cannot grant roles: %d %v", resp.StatusCode, payload)
	}
	// The token carries no claims, the admin role comes from the user record.
	boss := &domain.Caller{UserID: "boss"}
	resp, payload = h.do(t, http.MethodPut, "/staff/kid", boss, map[string]any{"role": "wizard"})
	if resp.StatusCode != http.StatusBadRequest || payload["code"] != "LISTING_INVALID_ROLE" {
		t.Fatalf("expected invalid role, got %d %v", resp.StatusCode, payload)
	}
	resp, payload = h.do(t, http.MethodPut, "/staff/kid", boss, map[string]any{"role": "staff"})
	if resp.StatusCode != http.StatusOK || payload["role"] != string(domain.RoleStaff) {
		t.Fatalf("grant staff: %d %v", resp.StatusCode, payload)
	}

	resp, payload = h.do(t, http.MethodGet, "/staff", kid, nil)
	if resp.StatusCode != http.StatusOK || payload["count"] != float64(2) {
		t.Fatalf("new staff should list staff: %d %v", resp.StatusCode, payload)
	}
	resp, payload = h.do(t, http.MethodPost, "/holds/release", kid, map[string]any{"userId": "someone"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stored staff role should allow releasing holds: %d %v", resp.StatusCode, payload)
	}
}

func TestMutatingRoutesAreRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := ratelimit.NewFixedWindowLimiter(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	h := newHarness(t, limiter)
	caller := &domain.Caller{UserID: "A"}
	body := map[string]any{"action": "delete", "ids": []string{"1"}}

	resp, _ := h.do(t, http.MethodPost, "/listings/actions", caller, body)
	if resp.StatusCode == http.StatusTooManyRequests {
		t.Fatalf("first request should pass the limiter")
	}
	resp, payload := h.do(t, http.MethodPost, "/listings/actions", caller, body)
	if resp.StatusCode != http.StatusTooManyRequests || payload["code"] != "RATE_LIMITED" || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d %v", resp.StatusCode, payload)
	}
	resp, _ = h.do(t, http.MethodGet, "/listings", caller, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reads are not limited, got %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodPost, "/listings/actions", &domain.Caller{UserID: "B"}, body)
	if resp.StatusCode == http.StatusTooManyRequests {
		t.Fatalf("limit is per caller")
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected missing app error")
	}
}

func ptr[T any](v T) *T { return &v }
