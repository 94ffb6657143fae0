package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"cube/pkg/domain"
)

const migrateLockID int64 = 28310451

const defaultTransitionAttempts = 3

type GormStoreOptions struct {
	TransitionAttempts int
}

type GormStoreOption func(*GormStoreOptions)

// WithTransitionAttempts bounds how often a transition is retried after a
// serialization failure, deadlock or version conflict.
func WithTransitionAttempts(n int) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.TransitionAttempts = n
	}
}

func transitionAttempts(options []GormStoreOption) int {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	if opts.TransitionAttempts <= 0 {
		return defaultTransitionAttempts
	}
	return opts.TransitionAttempts
}

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db       *gorm.DB
	attempts int
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	attempts := transitionAttempts(options)

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &BookModel{}, &ListingModel{}, &AuditEntryModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'listing_models'
					AND constraint_name = 'listing_models_hold_pair_chk'
				) THEN
					ALTER TABLE listing_models
					ADD CONSTRAINT listing_models_hold_pair_chk
					CHECK ((holder_id IS NULL) = (hold_date IS NULL));
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'listing_models'
					AND constraint_name = 'listing_models_sell_date_chk'
				) THEN
					ALTER TABLE listing_models
					ADD CONSTRAINT listing_models_sell_date_chk
					CHECK ((sell_date IS NOT NULL) = (status IN ('sold', 'seller_paid')));
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'audit_entry_models'
					AND constraint_name = 'audit_entry_models_listing_id_fkey'
				) THEN
					ALTER TABLE audit_entry_models
					ADD CONSTRAINT audit_entry_models_listing_id_fkey
					FOREIGN KEY (listing_id) REFERENCES listing_models(id);
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure listing constraints: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, attempts: attempts}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// FindListings returns the listings among ids that exist, ordered by id.
func (s *GormStore) FindListings(ctx context.Context, ids []int64) ([]domain.Listing, error) {
	if len(ids) == 0 {
		return []domain.Listing{}, nil
	}
	var models []ListingModel
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return listingsFromModels(models), nil
}

// GetListing returns a listing by ID.
func (s *GormStore) GetListing(ctx context.Context, id int64) (domain.Listing, bool, error) {
	var model ListingModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Listing{}, false, nil
		}
		return domain.Listing{}, false, err
	}
	return listingFromModel(model), true, nil
}

var listingSearchSQL = map[SearchField]string{
	SearchTitle:   `EXISTS (SELECT 1 FROM book_models b WHERE b.id = listing_models.book_id AND b.title ILIKE @pattern)`,
	SearchAuthor:  `EXISTS (SELECT 1 FROM book_models b WHERE b.id = listing_models.book_id AND b.author ILIKE @pattern)`,
	SearchBarcode: `EXISTS (SELECT 1 FROM book_models b WHERE b.id = listing_models.book_id AND b.barcode ILIKE @pattern)`,
	SearchCourse: `EXISTS (SELECT 1 FROM book_models b,
		jsonb_array_elements(CASE WHEN jsonb_typeof(b.courses) = 'array' THEN b.courses ELSE '[]'::jsonb END) c
		WHERE b.id = listing_models.book_id AND (c->>'department') || ' ' || (c->>'number') ILIKE @pattern)`,
	SearchSeller: `(listing_models.seller_id ILIKE @pattern OR EXISTS (SELECT 1 FROM user_models u
		WHERE u.id = listing_models.seller_id AND (u.first_name || ' ' || u.last_name) ILIKE @pattern))`,
}

func applyListingSearch(tx *gorm.DB, search ListingSearch) *gorm.DB {
	text := search.text()
	if text == "" {
		return tx
	}
	args := map[string]any{"pattern": "%" + escapeLike(text) + "%"}
	var clauses []string
	field := search.field()
	for _, f := range []SearchField{SearchTitle, SearchAuthor, SearchCourse, SearchBarcode, SearchSeller} {
		if field == SearchAny || field == f {
			clauses = append(clauses, listingSearchSQL[f])
		}
	}
	if field == SearchAny || field == SearchRef {
		if id, ok := search.ref(); ok {
			args["ref"] = id
			clauses = append(clauses, "listing_models.id = @ref")
		}
	}
	if len(clauses) == 0 {
		return tx.Where("FALSE")
	}
	return tx.Where("("+strings.Join(clauses, " OR ")+")", args)
}

// ListListings returns listings matching filter ordered by list date.
func (s *GormStore) ListListings(ctx context.Context, filter ListingFilter) ([]domain.Listing, error) {
	tx := s.db.WithContext(ctx).Order("list_date ASC").Order("id ASC")
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		tx = tx.Where("status IN ?", statuses)
	}
	if filter.SellerID != "" {
		tx = tx.Where("seller_id = ?", filter.SellerID)
	}
	if filter.HolderID != "" {
		tx = tx.Where("holder_id = ?", filter.HolderID)
	}
	if !filter.HeldBefore.IsZero() {
		tx = tx.Where("hold_date < ?", filter.HeldBefore.UTC())
	}
	tx = applyListingSearch(tx, filter.Search)
	var models []ListingModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	return listingsFromModels(models), nil
}

// CreateListing inserts a listing and its audit entry in one transaction.
func (s *GormStore) CreateListing(ctx context.Context, listing domain.Listing, entry domain.AuditEntry) (domain.Listing, error) {
	if err := validateAuditEntry(entry); err != nil {
		return domain.Listing{}, err
	}
	model := listingToModel(listing)
	model.ID = 0
	model.UpdatedAt = time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("insert listing: %w", err)
		}
		entry.ListingID = model.ID
		auditModel := auditEntryToModel(entry)
		if err := tx.Create(&auditModel).Error; err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Listing{}, err
	}
	return listingFromModel(model), nil
}

// TransitionListing locks the listing row, lets fn decide the next state on the
// locked row, then writes the new state and its audit entry in the same
// transaction. Serialization failures, deadlocks and version conflicts are retried.
func (s *GormStore) TransitionListing(ctx context.Context, id int64, fn TransitionFunc) (domain.Listing, bool, error) {
	var (
		result  domain.Listing
		applied bool
		err     error
	)
	for attempt := 1; attempt <= s.attempts; attempt++ {
		result, applied, err = s.transitionOnce(ctx, id, fn)
		if err == nil || !isRetryable(err) || ctx.Err() != nil {
			break
		}
	}
	return result, applied, err
}

func (s *GormStore) transitionOnce(ctx context.Context, id int64, fn TransitionFunc) (domain.Listing, bool, error) {
	var (
		result  domain.Listing
		applied bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model ListingModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrListingNotFound
			}
			return err
		}
		current := listingFromModel(model)
		next, entry, ok := fn(current)
		if !ok {
			result = current
			return nil
		}
		if err := validateAuditEntry(entry); err != nil {
			return err
		}
		next.ID = current.ID
		next.ListDate = current.ListDate
		next.Version = current.Version + 1
		res := tx.Model(&ListingModel{}).
			Where("id = ? AND version = ?", current.ID, current.Version).
			Updates(map[string]any{
				"book_id":     next.BookID,
				"seller_id":   next.SellerID,
				"holder_id":   nullableString(next.HolderID),
				"status":      string(next.Status),
				"price_cents": next.PriceCents,
				"hold_date":   utcPtr(next.HoldDate),
				"sell_date":   utcPtr(next.SellDate),
				"version":     next.Version,
				"updated_at":  time.Now().UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("update listing: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrVersionConflict
		}
		entry.ListingID = current.ID
		auditModel := auditEntryToModel(entry)
		if err := tx.Create(&auditModel).Error; err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
		result = next
		applied = true
		return nil
	})
	if err != nil {
		return domain.Listing{}, false, err
	}
	return result, applied, nil
}

func isRetryable(err error) bool {
	if errors.Is(err, ErrVersionConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// ListAuditEntries returns a listing's audit trail, oldest first.
func (s *GormStore) ListAuditEntries(ctx context.Context, listingID int64) ([]domain.AuditEntry, error) {
	var models []AuditEntryModel
	if err := s.db.WithContext(ctx).Where("listing_id = ?", listingID).
		Order("created_at ASC").Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	entries := make([]domain.AuditEntry, 0, len(models))
	for _, model := range models {
		entries = append(entries, auditEntryFromModel(model))
	}
	return entries, nil
}

// GetBook returns a book by ID.
func (s *GormStore) GetBook(ctx context.Context, id int64) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// GetBookByBarcode looks up a book by barcode.
func (s *GormStore) GetBookByBarcode(ctx context.Context, barcode string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.WithContext(ctx).First(&model, "barcode = ?", barcode).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// SaveBook inserts a book or updates it by barcode.
func (s *GormStore) SaveBook(ctx context.Context, book domain.Book) (domain.Book, error) {
	model := bookToModel(book)
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "barcode"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "author", "edition", "courses", "deleted"}),
	}).Create(&model).Error
	if err != nil {
		return domain.Book{}, err
	}
	return bookFromModel(model), nil
}

// UpdateBook rewrites the catalogue record with book's ID, barcode included.
func (s *GormStore) UpdateBook(ctx context.Context, book domain.Book) (domain.Book, error) {
	model := bookToModel(book)
	res := s.db.WithContext(ctx).Model(&BookModel{}).Where("id = ?", book.ID).Updates(map[string]any{
		"barcode": model.Barcode,
		"title":   model.Title,
		"author":  model.Author,
		"edition": model.Edition,
		"courses": model.Courses,
		"deleted": model.Deleted,
	})
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return domain.Book{}, ErrDuplicateBarcode
		}
		return domain.Book{}, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Book{}, ErrBookNotFound
	}
	updated, ok, err := s.GetBook(ctx, book.ID)
	if err != nil {
		return domain.Book{}, err
	}
	if !ok {
		return domain.Book{}, ErrBookNotFound
	}
	return updated, nil
}

// ListBooks returns catalogue records matching filter ordered by title.
func (s *GormStore) ListBooks(ctx context.Context, filter BookFilter) ([]domain.Book, error) {
	tx := s.db.WithContext(ctx).Order("title ASC").Order("id ASC")
	if !filter.IncludeDeleted {
		tx = tx.Where("deleted = ?", false)
	}
	if text := strings.TrimSpace(filter.Text); text != "" {
		tx = tx.Where("(title ILIKE @pattern OR author ILIKE @pattern OR barcode ILIKE @pattern)",
			map[string]any{"pattern": "%" + escapeLike(text) + "%"})
	}
	var models []BookModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	books := make([]domain.Book, 0, len(models))
	for _, model := range models {
		books = append(books, bookFromModel(model))
	}
	return books, nil
}

// GetUser returns a user by student number.
func (s *GormStore) GetUser(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"first_name", "last_name", "email", "is_staff", "is_admin"}),
	}).Create(&model).Error
}

// ListUsers returns users matching filter ordered by name.
func (s *GormStore) ListUsers(ctx context.Context, filter UserFilter) ([]domain.User, error) {
	tx := s.db.WithContext(ctx).Order("last_name ASC").Order("first_name ASC").Order("id ASC")
	if filter.StaffOnly {
		tx = tx.Where("is_staff = ?", true)
	}
	var models []UserModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	users := make([]domain.User, 0, len(models))
	for _, model := range models {
		users = append(users, userFromModel(model))
	}
	return users, nil
}

func listingToModel(l domain.Listing) ListingModel {
	return ListingModel{
		ID:         l.ID,
		BookID:     l.BookID,
		SellerID:   l.SellerID,
		HolderID:   nullableString(l.HolderID),
		Status:     string(l.Status),
		PriceCents: l.PriceCents,
		ListDate:   l.ListDate.UTC(),
		HoldDate:   utcPtr(l.HoldDate),
		SellDate:   utcPtr(l.SellDate),
		Version:    l.Version,
	}
}

func listingFromModel(m ListingModel) domain.Listing {
	holder := ""
	if m.HolderID != nil {
		holder = *m.HolderID
	}
	return domain.Listing{
		ID:         m.ID,
		BookID:     m.BookID,
		SellerID:   m.SellerID,
		HolderID:   holder,
		Status:     domain.ListingStatus(m.Status),
		PriceCents: m.PriceCents,
		ListDate:   m.ListDate,
		HoldDate:   m.HoldDate,
		SellDate:   m.SellDate,
		Version:    m.Version,
	}
}

func listingsFromModels(models []ListingModel) []domain.Listing {
	res := make([]domain.Listing, 0, len(models))
	for _, m := range models {
		res = append(res, listingFromModel(m))
	}
	return res
}

func auditEntryToModel(e domain.AuditEntry) AuditEntryModel {
	var details []byte
	if len(e.Details) > 0 {
		details, _ = json.Marshal(e.Details)
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return AuditEntryModel{
		ListingID: e.ListingID,
		ActorID:   e.ActorID,
		Code:      string(e.Code),
		Details:   details,
		CreatedAt: createdAt.UTC(),
	}
}

func auditEntryFromModel(m AuditEntryModel) domain.AuditEntry {
	var details map[string]string
	if len(m.Details) > 0 {
		_ = json.Unmarshal(m.Details, &details)
	}
	return domain.AuditEntry{
		ID:        m.ID,
		ListingID: m.ListingID,
		ActorID:   m.ActorID,
		Code:      domain.AuditCode(m.Code),
		Details:   details,
		CreatedAt: m.CreatedAt,
	}
}

func bookToModel(b domain.Book) BookModel {
	courses, _ := json.Marshal(b.Courses)
	return BookModel{
		ID:        b.ID,
		Barcode:   b.Barcode,
		Title:     b.Title,
		Author:    b.Author,
		Edition:   b.Edition,
		Courses:   courses,
		Deleted:   b.Deleted,
		CreatedAt: b.CreatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	var courses []domain.Course
	if len(m.Courses) > 0 {
		_ = json.Unmarshal(m.Courses, &courses)
	}
	return domain.Book{
		ID:        m.ID,
		Barcode:   m.Barcode,
		Title:     m.Title,
		Author:    m.Author,
		Edition:   m.Edition,
		Courses:   courses,
		Deleted:   m.Deleted,
		CreatedAt: m.CreatedAt,
	}
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:        u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Email:     strings.TrimSpace(strings.ToLower(u.Email)),
		IsStaff:   u.IsStaff || u.IsAdmin,
		IsAdmin:   u.IsAdmin,
		CreatedAt: u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:        m.ID,
		FirstName: m.FirstName,
		LastName:  m.LastName,
		Email:     m.Email,
		IsStaff:   m.IsStaff,
		IsAdmin:   m.IsAdmin,
		CreatedAt: m.CreatedAt,
	}
}

func nullableString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
