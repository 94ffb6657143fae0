package server

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"cube/internal/ratelimit"
	"cube/internal/servicetoken"
	"cube/internal/usertoken"
	"cube/internal/util"
	"cube/pkg/domain"
	"cube/pkg/store"
	"cube/services/listing/internal/app"
)

const maxBodyBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  *usertoken.Verifier
	Limiter        *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
}

// Server exposes HTTP endpoints for the listing service.
type Server struct {
	app      *app.App
	verifier *usertoken.Verifier
	limiter  *ratelimit.FixedWindowLimiter
	trusted  *util.TrustedProxies
	validate *validator.Validate
	mux      *http.ServeMux
}

// New constructs the server with routes configured. A nil Limiter disables
// rate limiting.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("listing app required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("token verifier required")
	}
	s := &Server{
		app:      cfg.App,
		verifier: cfg.TokenVerifier,
		limiter:  cfg.Limiter,
		trusted:  cfg.TrustedProxies,
		validate: validator.New(),
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("listing", s.trusted, util.WithSecurityHeaders(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// listings
	s.mux.Handle("/listings", s.withCaller(s.handleListings))
	s.mux.Handle("/listings/actions", s.withCaller(s.handleActions))
	s.mux.Handle("/listings/", s.withCaller(s.handleListingByID))

	// holds
	s.mux.Handle("/me/listings", s.withCaller(s.handleMyListings))
	s.mux.Handle("/holds/release", s.withCaller(s.handleReleaseHolds))

	// catalogue
	s.mux.Handle("/books", s.withCaller(s.handleBooks))
	s.mux.Handle("/books/delete", s.withCaller(s.handleDeleteBooks))
	s.mux.Handle("/books/", s.withCaller(s.handleBookByID))

	// staff
	s.mux.Handle("/staff", s.withCaller(s.handleStaff))
	s.mux.Handle("/staff/", s.withCaller(s.handleSetRole))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type callerHandler func(http.ResponseWriter, *http.Request, domain.Caller)

func (s *Server) withCaller(next callerHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		caller, err := s.verifier.VerifyCaller(token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Info("caller_token_rejected", "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		caller, err = s.app.ResolveCaller(r.Context(), caller)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", caller.UserID))
		next(w, r.WithContext(ctx), caller)
	})
}

// allowRate charges one call to the caller's window. It writes the 429 itself.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, caller domain.Caller) bool {
	if s.limiter == nil {
		return true
	}
	decision := s.limiter.Allow(r.Context(), caller.UserID)
	if decision.Allowed {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		return true
	}
	retry := int(math.Ceil(decision.RetryAfter.Seconds()))
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	switch r.Method {
	case http.MethodGet:
		s.handleBrowse(w, r, caller)
	case http.MethodPost:
		s.handleAddListing(w, r, caller)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	q := r.URL.Query()
	search, ok := listingSearch(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid search field")
		return
	}
	query := app.ListingQuery{
		SellerID: strings.TrimSpace(q.Get("seller")),
		HolderID: strings.TrimSpace(q.Get("holder")),
		Search:   search,
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		query.Status = domain.ListingStatus(strings.ToLower(raw))
		if !query.Status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
	}
	listings, err := s.app.ListListings(r.Context(), caller, query)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": listings,
		"count": len(listings),
	})
}

type listingRequest struct {
	SellerID     string `json:"sellerId" validate:"required,max=35"`
	PriceCents   int64  `json:"priceCents" validate:"gt=0,lte=9999999"`
	Barcode      string `json:"barcode" validate:"required,max=50"`
	Title        string `json:"title" validate:"max=250"`
	Author       string `json:"author" validate:"max=70"`
	Edition      int    `json:"edition" validate:"gte=0,lte=32767"`
	Department   string `json:"department" validate:"max=5"`
	CourseNumber int    `json:"courseNumber" validate:"gte=0,lte=32767"`
}

func (req listingRequest) book() app.BookDetails {
	return app.BookDetails{
		Title:        req.Title,
		Author:       req.Author,
		Edition:      req.Edition,
		Department:   req.Department,
		CourseNumber: req.CourseNumber,
	}
}

func (s *Server) handleAddListing(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	if !s.allowRate(w, r, caller) {
		return
	}
	var req listingRequest
	if !s.decode(w, r, &req) {
		return
	}
	view, err := s.app.AddListing(r.Context(), caller, app.AddListingInput{
		SellerID:   req.SellerID,
		PriceCents: req.PriceCents,
		Barcode:    req.Barcode,
		Book:       req.book(),
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

type actionRequest struct {
	Action string   `json:"action" validate:"required,max=64"`
	IDs    []string `json:"ids" validate:"max=500"`
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, caller) {
		return
	}
	var req actionRequest
	if !s.decode(w, r, &req) {
		return
	}
	action, ok := domain.ParseAction(req.Action)
	if !ok {
		writeError(w, http.StatusBadRequest, "unhandled action: "+req.Action)
		return
	}
	result, err := s.app.ApplyAction(r.Context(), caller, action, req.IDs)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// /listings/{id} or /listings/{id}/history
func (s *Server) handleListingByID(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	path := strings.TrimPrefix(r.URL.Path, "/listings/")
	parts := strings.SplitN(path, "/", 2)
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		notFound(w, "not found")
		return
	}
	if len(parts) == 2 {
		if parts[1] != "history" {
			notFound(w, "not found")
			return
		}
		s.handleHistory(w, r, caller, id)
		return
	}
	switch r.Method {
	case http.MethodGet:
		view, err := s.app.GetListing(r.Context(), caller, id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case http.MethodPut:
		s.handleEditListing(w, r, caller, id)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleEditListing(w http.ResponseWriter, r *http.Request, caller domain.Caller, id int64) {
	if !s.allowRate(w, r, caller) {
		return
	}
	var req listingRequest
	if !s.decode(w, r, &req) {
		return
	}
	view, err := s.app.EditListing(r.Context(), caller, id, app.EditListingInput{
		SellerID:   req.SellerID,
		PriceCents: req.PriceCents,
		Barcode:    req.Barcode,
		Book:       req.book(),
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, caller domain.Caller, id int64) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	entries, err := s.app.History(r.Context(), caller, id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": entries,
		"count": len(entries),
	})
}

func (s *Server) handleMyListings(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	search, ok := listingSearch(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid search field")
		return
	}
	books, err := s.app.MyBooks(r.Context(), caller, search)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, books)
}

type releaseRequest struct {
	UserID string `json:"userId" validate:"required,max=35"`
}

func (s *Server) handleReleaseHolds(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, caller) {
		return
	}
	var req releaseRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.app.RemoveHoldsByUser(r.Context(), caller, req.UserID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// listingSearch reads the field and q query parameters.
func listingSearch(r *http.Request) (store.ListingSearch, bool) {
	q := r.URL.Query()
	field, ok := store.ParseSearchField(q.Get("field"))
	if !ok {
		return store.ListingSearch{}, false
	}
	return store.ListingSearch{Field: field, Text: strings.TrimSpace(q.Get("q"))}, true
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	includeDeleted, _ := strconv.ParseBool(q.Get("includeDeleted"))
	books, err := s.app.ListBooks(r.Context(), caller, app.BookQuery{
		Text:           strings.TrimSpace(q.Get("q")),
		IncludeDeleted: includeDeleted,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": books,
		"count": len(books),
	})
}

type bookRequest struct {
	Barcode      string `json:"barcode" validate:"required,max=50"`
	Title        string `json:"title" validate:"required,max=250"`
	Author       string `json:"author" validate:"required,max=70"`
	Edition      int    `json:"edition" validate:"gte=0,lte=32767"`
	Department   string `json:"department" validate:"max=5"`
	CourseNumber int    `json:"courseNumber" validate:"gte=0,lte=32767"`
}

// /books/{id}
func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	id, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/books/"), 10, 64)
	if err != nil || id <= 0 {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, caller) {
		return
	}
	var req bookRequest
	if !s.decode(w, r, &req) {
		return
	}
	book, err := s.app.UpdateBook(r.Context(), caller, id, app.BookUpdate{
		Barcode: req.Barcode,
		Book: app.BookDetails{
			Title:        req.Title,
			Author:       req.Author,
			Edition:      req.Edition,
			Department:   req.Department,
			CourseNumber: req.CourseNumber,
		},
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

type deleteBooksRequest struct {
	IDs []string `json:"ids" validate:"max=500"`
}

func (s *Server) handleDeleteBooks(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, caller) {
		return
	}
	var req deleteBooksRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.app.DeleteBooks(r.Context(), caller, req.IDs)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStaff(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	users, err := s.app.ListStaff(r.Context(), caller)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": users,
		"count": len(users),
	})
}

type roleRequest struct {
	Role string `json:"role" validate:"required,max=32"`
}

// /staff/{studentId}
func (s *Server) handleSetRole(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	studentID := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/staff/"))
	if studentID == "" || strings.Contains(studentID, "/") {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, caller) {
		return
	}
	var req roleRequest
	if !s.decode(w, r, &req) {
		return
	}
	user, err := s.app.SetRole(r.Context(), caller, studentID, req.Role)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user": user,
		"role": user.Role(),
	})
}

// decode reads a JSON body into dst and validates its struct tags.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields = append(fields, fe.Field()+" "+fe.Tag())
			}
			writeError(w, http.StatusBadRequest, "validation failed: "+strings.Join(fields, ", "))
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request")
		return false
	}
	return true
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, app.ErrListingNotFound):
		notFound(w, "listing not found")
	case errors.Is(err, app.ErrBookNotFound):
		writeError(w, http.StatusUnprocessableEntity, "book not found")
	case errors.Is(err, app.ErrNoSuchBook):
		notFound(w, err.Error())
	case errors.Is(err, app.ErrDuplicateBarcode):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrUnhandledAction),
		errors.Is(err, app.ErrEmptySelection),
		errors.Is(err, app.ErrUnknownSeller),
		errors.Is(err, app.ErrInvalidPrice),
		errors.Is(err, app.ErrInvalidBarcode),
		errors.Is(err, app.ErrInvalidEdition),
		errors.Is(err, app.ErrInvalidBook),
		errors.Is(err, app.ErrNoBooksSelected),
		errors.Is(err, app.ErrInvalidRole):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("listing_request_failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeForListing(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeForListing(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "forbidden":
		return "LISTING_FORBIDDEN"
	case message == "listing not found":
		return "LISTING_NOT_FOUND"
	case message == "book not found":
		return "LISTING_BOOK_NOT_FOUND"
	case strings.HasPrefix(message, "unhandled action"):
		return "LISTING_UNHANDLED_ACTION"
	case message == "no listings selected":
		return "LISTING_EMPTY_SELECTION"
	case message == "invalid student id":
		return "LISTING_UNKNOWN_SELLER"
	case message == "price must be positive":
		return "LISTING_INVALID_PRICE"
	case message == "barcode required":
		return "LISTING_INVALID_BARCODE"
	case message == "invalid status":
		return "LISTING_INVALID_STATUS"
	case message == "invalid search field":
		return "LISTING_INVALID_SEARCH"
	case message == "book does not exist":
		return "LISTING_BOOK_MISSING"
	case message == "barcode already catalogued":
		return "LISTING_DUPLICATE_BARCODE"
	case message == "no books selected":
		return "LISTING_EMPTY_SELECTION"
	case message == "invalid role":
		return "LISTING_INVALID_ROLE"
	case message == "invalid json body", strings.HasPrefix(message, "validation failed"):
		return "LISTING_INVALID_REQUEST"
	case message == "rate limit exceeded":
		return "RATE_LIMITED"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return "LISTING_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "LISTING_FORBIDDEN"
	case http.StatusNotFound:
		return "LISTING_NOT_FOUND"
	case http.StatusConflict:
		return "LISTING_CONFLICT"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
