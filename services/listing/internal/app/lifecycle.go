package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cube/internal/util"
	"cube/pkg/domain"
	"cube/pkg/events"
	"cube/pkg/notify"
	"cube/pkg/store"
)

// rule is one row of the transition table. The first rule of an action whose
// eligible check passes on the locked listing is applied.
type rule struct {
	code     domain.AuditCode
	eligible func(l domain.Listing, c domain.Caller) bool
	apply    func(l domain.Listing, c domain.Caller, now time.Time) domain.Listing
}

func statusIn(statuses ...domain.ListingStatus) func(domain.Listing, domain.Caller) bool {
	return func(l domain.Listing, _ domain.Caller) bool {
		return l.Status.In(statuses...)
	}
}

func setStatus(status domain.ListingStatus) func(domain.Listing, domain.Caller, time.Time) domain.Listing {
	return func(l domain.Listing, _ domain.Caller, _ time.Time) domain.Listing {
		l.Status = status
		return l
	}
}

func releaseHold(l domain.Listing, _ domain.Caller, _ time.Time) domain.Listing {
	l.Status = domain.StatusForSale
	l.HolderID = ""
	l.HoldDate = nil
	return l
}

var transitionTable = map[domain.Action][]rule{
	domain.ActionDelete: {{
		code: domain.AuditDeleted,
		eligible: func(l domain.Listing, _ domain.Caller) bool {
			return l.Status != domain.StatusDeleted
		},
		apply: func(l domain.Listing, _ domain.Caller, _ time.Time) domain.Listing {
			l.Status = domain.StatusDeleted
			l.SellDate = nil
			return l
		},
	}},
	domain.ActionMarkToBeDeleted: {{
		code: domain.AuditToBeDeleted,
		eligible: func(l domain.Listing, _ domain.Caller) bool {
			return !l.Status.In(domain.StatusDeleted, domain.StatusSellerPaid, domain.StatusSold)
		},
		apply: setStatus(domain.StatusToBeDeleted),
	}},
	domain.ActionSold: {{
		code:     domain.AuditSold,
		eligible: statusIn(domain.StatusForSale, domain.StatusOnHold),
		apply: func(l domain.Listing, _ domain.Caller, now time.Time) domain.Listing {
			l.Status = domain.StatusSold
			l.SellDate = &now
			return l
		},
	}},
	domain.ActionSellerPaid: {{
		code: domain.AuditSellerPaid,
		eligible: func(l domain.Listing, c domain.Caller) bool {
			return c.IsStaff && l.Status == domain.StatusSold
		},
		apply: setStatus(domain.StatusSellerPaid),
	}},
	domain.ActionMissing: {{
		code:     domain.AuditMissing,
		eligible: statusIn(domain.StatusForSale, domain.StatusOnHold, domain.StatusToBeDeleted),
		apply:    setStatus(domain.StatusMissing),
	}},
	domain.ActionPlaceOnHold: {
		{
			code: domain.AuditHoldExtended,
			eligible: func(l domain.Listing, c domain.Caller) bool {
				return l.HeldBy(c.UserID)
			},
			apply: func(l domain.Listing, _ domain.Caller, now time.Time) domain.Listing {
				l.HoldDate = &now
				return l
			},
		},
		{
			code:     domain.AuditHoldPlaced,
			eligible: statusIn(domain.StatusForSale),
			apply: func(l domain.Listing, c domain.Caller, now time.Time) domain.Listing {
				l.Status = domain.StatusOnHold
				l.HolderID = c.UserID
				l.HoldDate = &now
				return l
			},
		},
	},
	domain.ActionRemoveHolds: {{
		code: domain.AuditHoldsRemoved,
		eligible: func(l domain.Listing, c domain.Caller) bool {
			return l.Status == domain.StatusOnHold && (c.IsStaff || l.HolderID == c.UserID)
		},
		apply: releaseHold,
	}},
}

type notifyFunc func(notify.Notifier, context.Context, []domain.Listing) error

// notifications lists the actions whose sellers are told about the outcome.
var notifications = map[domain.Action]notifyFunc{
	domain.ActionMarkToBeDeleted: notify.Notifier.NotifyToBeDeleted,
	domain.ActionSold:            notify.Notifier.NotifySold,
	domain.ActionMissing:         notify.Notifier.NotifyMissing,
}

// ListingError reports a listing whose transition could not be persisted.
type ListingError struct {
	ListingID int64  `json:"listingId"`
	Error     string `json:"error"`
}

// ActionResult summarises one bulk action.
type ActionResult struct {
	Action          domain.Action       `json:"action"`
	Affected        []domain.Listing    `json:"affected"`
	Count           int                 `json:"count"`
	DistinctSellers int                 `json:"distinctSellers"`
	TotalPriceCents int64               `json:"totalPriceCents"`
	Extended        []domain.Listing    `json:"extended,omitempty"`
	NewlyHeld       []domain.Listing    `json:"newlyHeld,omitempty"`
	Failed          []domain.Listing    `json:"failed,omitempty"`
	Errored         []ListingError      `json:"errored,omitempty"`
	NotifyError     string              `json:"notifyError,omitempty"`
	RoleRestricted  bool                `json:"roleRestricted,omitempty"`
	EditTarget      *domain.Listing     `json:"editTarget,omitempty"`
	TooMany         bool                `json:"tooMany,omitempty"`
	History         []domain.AuditEntry `json:"history,omitempty"`
}

// ApplyAction runs action against the listings named by rawIDs on behalf of caller.
// Ineligible listings are left alone; only PlaceOnHold reports them, in Failed.
func (a *App) ApplyAction(ctx context.Context, caller domain.Caller, action domain.Action, rawIDs []string) (ActionResult, error) {
	if caller.UserID == "" {
		return ActionResult{}, ErrUnauthenticated
	}
	rules, ok := transitionTable[action]
	if !ok && action != domain.ActionEdit {
		return ActionResult{}, fmt.Errorf("%w: %q", ErrUnhandledAction, action)
	}
	selection, err := a.ResolveSelection(ctx, rawIDs)
	if err != nil {
		return ActionResult{}, err
	}
	if len(selection) == 0 {
		return ActionResult{}, ErrEmptySelection
	}
	if action == domain.ActionEdit {
		return a.prepareEdit(ctx, caller, selection)
	}
	result := a.transition(ctx, caller, action, rules, selection)
	if action == domain.ActionSellerPaid && !caller.IsStaff {
		result.RoleRestricted = true
	}
	return result, nil
}

// transition applies rules to each listing in its own store transaction and
// then runs the notification and event side effects for the affected ones.
func (a *App) transition(ctx context.Context, caller domain.Caller, action domain.Action, rules []rule, selection []domain.Listing) ActionResult {
	logger := util.LoggerFromContext(ctx)
	now := a.now().UTC()
	result := ActionResult{Action: action, Affected: []domain.Listing{}}
	published := make([]events.Transition, 0, len(selection))

	for _, listing := range selection {
		var (
			from domain.ListingStatus
			code domain.AuditCode
		)
		updated, applied, err := a.store.TransitionListing(ctx, listing.ID, func(current domain.Listing) (domain.Listing, domain.AuditEntry, bool) {
			for _, r := range rules {
				if !r.eligible(current, caller) {
					continue
				}
				next := r.apply(current, caller, now)
				from, code = current.Status, r.code
				return next, domain.AuditEntry{
					ActorID:   caller.UserID,
					Code:      r.code,
					CreatedAt: now,
					Details:   map[string]string{"from": string(current.Status), "to": string(next.Status)},
				}, true
			}
			return current, domain.AuditEntry{}, false
		})
		switch {
		case errors.Is(err, store.ErrListingNotFound):
			continue
		case err != nil:
			logger.Warn("listing_transition_failed", "listing_id", listing.ID, "action", action, "err", err)
			result.Errored = append(result.Errored, ListingError{ListingID: listing.ID, Error: err.Error()})
			continue
		case !applied:
			if action == domain.ActionPlaceOnHold {
				result.Failed = append(result.Failed, updated)
			}
			continue
		}

		result.Affected = append(result.Affected, updated)
		switch code {
		case domain.AuditHoldExtended:
			result.Extended = append(result.Extended, updated)
		case domain.AuditHoldPlaced:
			result.NewlyHeld = append(result.NewlyHeld, updated)
		}
		published = append(published, events.Transition{
			ListingID:  updated.ID,
			SellerID:   updated.SellerID,
			ActorID:    caller.UserID,
			Code:       code,
			From:       from,
			To:         updated.Status,
			PriceCents: updated.PriceCents,
			OccurredAt: now,
		})
	}

	result.Count = len(result.Affected)
	result.DistinctSellers = distinctSellers(result.Affected)
	result.TotalPriceCents = totalPrice(result.Affected)
	logger.Info("listing_action_applied",
		"action", action,
		"actor", caller.UserID,
		"requested", len(selection),
		"affected", result.Count,
		"failed", len(result.Failed),
		"errored", len(result.Errored),
	)
	if result.Count > 0 {
		a.afterTransition(ctx, action, &result, published)
	}
	return result
}

// afterTransition notifies sellers and publishes events. Both are best effort:
// failures are logged and reported, and committed transitions stay committed.
func (a *App) afterTransition(ctx context.Context, action domain.Action, result *ActionResult, published []events.Transition) {
	logger := util.LoggerFromContext(ctx)
	sideCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.sideEffectTimeout)
	defer cancel()

	if send, ok := notifications[action]; ok {
		if err := send(a.notifier, sideCtx, result.Affected); err != nil {
			logger.Warn("listing_notify_failed", "action", action, "err", err)
			result.NotifyError = err.Error()
		}
	}
	if err := a.events.Publish(sideCtx, published); err != nil {
		logger.Warn("listing_events_publish_failed", "action", action, "count", len(published), "err", err)
	}
}

// prepareEdit picks the first selected listing for editing along with its history.
// Only staff and the listing's seller may edit it.
func (a *App) prepareEdit(ctx context.Context, caller domain.Caller, selection []domain.Listing) (ActionResult, error) {
	target := selection[0]
	if !caller.IsStaff && target.SellerID != caller.UserID {
		return ActionResult{}, ErrForbidden
	}
	history, err := a.store.ListAuditEntries(ctx, target.ID)
	if err != nil {
		return ActionResult{}, fmt.Errorf("load history: %w", err)
	}
	return ActionResult{
		Action:     domain.ActionEdit,
		Affected:   []domain.Listing{},
		EditTarget: &target,
		TooMany:    len(selection) > 1,
		History:    history,
	}, nil
}

func distinctSellers(listings []domain.Listing) int {
	seen := make(map[string]struct{}, len(listings))
	for _, l := range listings {
		seen[l.SellerID] = struct{}{}
	}
	return len(seen)
}

func totalPrice(listings []domain.Listing) int64 {
	var total int64
	for _, l := range listings {
		total += l.PriceCents
	}
	return total
}
