package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"cube/internal/util"
	"cube/pkg/domain"
	"cube/pkg/queue"
)

// Notifier tells sellers about listings that changed status on their behalf.
// Implementations deliver asynchronously and never roll back a transition.
type Notifier interface {
	NotifyMissing(ctx context.Context, listings []domain.Listing) error
	NotifySold(ctx context.Context, listings []domain.Listing) error
	NotifyToBeDeleted(ctx context.Context, listings []domain.Listing) error
}

// Enqueuer is the subset of the job queue the notifier needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind queue.Kind, sellerID string, listingIDs []int64) (queue.Job, error)
}

// QueueNotifier enqueues one job per distinct seller.
type QueueNotifier struct {
	queue Enqueuer
}

// NewQueueNotifier returns a notifier backed by q.
func NewQueueNotifier(q Enqueuer) *QueueNotifier {
	return &QueueNotifier{queue: q}
}

func (n *QueueNotifier) NotifyMissing(ctx context.Context, listings []domain.Listing) error {
	return n.enqueue(ctx, queue.KindMissing, listings)
}

func (n *QueueNotifier) NotifySold(ctx context.Context, listings []domain.Listing) error {
	return n.enqueue(ctx, queue.KindSold, listings)
}

func (n *QueueNotifier) NotifyToBeDeleted(ctx context.Context, listings []domain.Listing) error {
	return n.enqueue(ctx, queue.KindToBeDeleted, listings)
}

func (n *QueueNotifier) enqueue(ctx context.Context, kind queue.Kind, listings []domain.Listing) error {
	logger := util.LoggerFromContext(ctx)
	var errs []error
	for _, group := range GroupBySeller(listings) {
		job, err := n.queue.Enqueue(ctx, kind, group.SellerID, group.ListingIDs())
		if err != nil {
			logger.Warn("notification_enqueue_failed", "kind", kind, "seller_id", group.SellerID, "err", err)
			errs = append(errs, fmt.Errorf("enqueue %s for seller %s: %w", kind, group.SellerID, err))
			continue
		}
		logger.Info("notification_enqueued", "kind", kind, "seller_id", group.SellerID, "job_id", job.ID, "listings", len(group.Listings))
	}
	return errors.Join(errs...)
}

// SellerGroup is the listings of one seller.
type SellerGroup struct {
	SellerID string
	Listings []domain.Listing
}

// ListingIDs returns the ids of the group's listings.
func (g SellerGroup) ListingIDs() []int64 {
	ids := make([]int64, len(g.Listings))
	for i, l := range g.Listings {
		ids[i] = l.ID
	}
	return ids
}

// GroupBySeller partitions listings by seller, ordered by seller id.
func GroupBySeller(listings []domain.Listing) []SellerGroup {
	index := make(map[string]int)
	var groups []SellerGroup
	for _, l := range listings {
		i, ok := index[l.SellerID]
		if !ok {
			i = len(groups)
			index[l.SellerID] = i
			groups = append(groups, SellerGroup{SellerID: l.SellerID})
		}
		groups[i].Listings = append(groups[i].Listings, l)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].SellerID < groups[j].SellerID })
	return groups
}

// Nop discards notifications.
type Nop struct{}

func (Nop) NotifyMissing(context.Context, []domain.Listing) error     { return nil }
func (Nop) NotifySold(context.Context, []domain.Listing) error        { return nil }
func (Nop) NotifyToBeDeleted(context.Context, []domain.Listing) error { return nil }
