package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"cube/internal/util"
	"cube/pkg/domain"
	"cube/pkg/notify"
	"cube/pkg/queue"
	"cube/pkg/store"
)

// Config holds runtime configuration for the notifier worker.
type Config struct {
	DatabaseURL string
	Store       store.Store
	Mailer      notify.Mailer
	ShopName    string
}

// Worker turns notification jobs into emails to sellers.
type Worker struct {
	store    store.Store
	mailer   notify.Mailer
	renderer *notify.Renderer
}

// New constructs the worker with database-backed listing lookups.
func New(cfg Config) (*Worker, error) {
	if cfg.Mailer == nil {
		return nil, errors.New("mailer required")
	}
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, errors.New("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	return &Worker{
		store:    dataStore,
		mailer:   cfg.Mailer,
		renderer: notify.NewRenderer(cfg.ShopName),
	}, nil
}

// Handle renders and sends the email for one job. Listings that no longer
// belong to the job's seller are skipped; a job with nothing left is done.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	logger := util.LoggerFromContext(ctx).With("job_id", job.ID, "kind", job.Kind, "seller_id", job.SellerID)
	if !job.Kind.Valid() {
		return fmt.Errorf("unknown notification kind %q", job.Kind)
	}
	seller, ok, err := w.store.GetUser(ctx, job.SellerID)
	if err != nil {
		return fmt.Errorf("load seller: %w", err)
	}
	if !ok {
		return fmt.Errorf("seller %s not found", job.SellerID)
	}
	listings, err := w.store.FindListings(ctx, job.ListingIDs)
	if err != nil {
		return fmt.Errorf("load listings: %w", err)
	}
	owned := listings[:0]
	for _, l := range listings {
		if l.SellerID == job.SellerID {
			owned = append(owned, l)
		}
	}
	if len(owned) == 0 {
		logger.Info("notification_skipped", "reason", "no listings")
		return nil
	}
	items, err := w.items(ctx, owned)
	if err != nil {
		return err
	}
	email, err := w.renderer.Render(job.Kind, seller, items)
	if err != nil {
		return fmt.Errorf("render %s email: %w", job.Kind, err)
	}
	if err := w.mailer.Send(ctx, email); err != nil {
		return fmt.Errorf("send %s email: %w", job.Kind, err)
	}
	logger.Info("notification_sent", "listings", len(items))
	return nil
}

// items loads the books behind listings, a few at a time.
func (w *Worker) items(ctx context.Context, listings []domain.Listing) ([]notify.Item, error) {
	var (
		mu    sync.Mutex
		books = make(map[int64]domain.Book)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range distinctBookIDs(listings) {
		id := id
		g.Go(func() error {
			book, ok, err := w.store.GetBook(gctx, id)
			if err != nil {
				return fmt.Errorf("load book %d: %w", id, err)
			}
			if ok {
				mu.Lock()
				books[id] = book
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	items := make([]notify.Item, 0, len(listings))
	for _, l := range listings {
		book := books[l.BookID]
		items = append(items, notify.Item{
			ListingID:  l.ID,
			Title:      book.Title,
			Author:     book.Author,
			Edition:    book.Edition,
			PriceCents: l.PriceCents,
		})
	}
	return items, nil
}

func distinctBookIDs(listings []domain.Listing) []int64 {
	seen := make(map[int64]struct{}, len(listings))
	ids := make([]int64, 0, len(listings))
	for _, l := range listings {
		if _, ok := seen[l.BookID]; ok {
			continue
		}
		seen[l.BookID] = struct{}{}
		ids = append(ids, l.BookID)
	}
	return ids
}
