package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cube/internal/util"
	"cube/pkg/domain"
	"cube/pkg/store"
)

var systemCaller = domain.Caller{UserID: domain.SystemActor, IsStaff: true}

// RemoveHoldsByUser releases every hold userID currently has. Staff only.
func (a *App) RemoveHoldsByUser(ctx context.Context, caller domain.Caller, userID string) (ActionResult, error) {
	if caller.UserID == "" {
		return ActionResult{}, ErrUnauthenticated
	}
	if !caller.IsStaff {
		return ActionResult{}, ErrForbidden
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ActionResult{}, ErrEmptySelection
	}
	held, err := a.store.ListListings(ctx, store.ListingFilter{
		Statuses: []domain.ListingStatus{domain.StatusOnHold},
		HolderID: userID,
	})
	if err != nil {
		return ActionResult{}, fmt.Errorf("list holds: %w", err)
	}
	if len(held) == 0 {
		return ActionResult{Action: domain.ActionRemoveHolds, Affected: []domain.Listing{}}, nil
	}
	return a.transition(ctx, caller, domain.ActionRemoveHolds, transitionTable[domain.ActionRemoveHolds], held), nil
}

// ExpireHolds returns holds older than the hold duration to sale. The system
// actor is recorded on the audit entries.
func (a *App) ExpireHolds(ctx context.Context) (ActionResult, error) {
	cutoff := a.now().UTC().Add(-a.holdDuration)
	expired, err := a.store.ListListings(ctx, store.ListingFilter{
		Statuses:   []domain.ListingStatus{domain.StatusOnHold},
		HeldBefore: cutoff,
	})
	if err != nil {
		return ActionResult{}, fmt.Errorf("list expired holds: %w", err)
	}
	if len(expired) == 0 {
		return ActionResult{Action: domain.ActionRemoveHolds, Affected: []domain.Listing{}}, nil
	}
	// The hold may have been extended since it was listed, so the cutoff is
	// checked again on the locked row.
	rules := []rule{{
		code: domain.AuditHoldsRemoved,
		eligible: func(l domain.Listing, _ domain.Caller) bool {
			return l.Status == domain.StatusOnHold && l.HoldDate != nil && l.HoldDate.Before(cutoff)
		},
		apply: releaseHold,
	}}
	return a.transition(ctx, systemCaller, domain.ActionRemoveHolds, rules, expired), nil
}

// RunHoldSweeper calls ExpireHolds every interval until ctx is done.
func (a *App) RunHoldSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	logger := util.LoggerFromContext(ctx).With("component", "hold_sweeper")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := a.ExpireHolds(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Error("hold_sweep_failed", "err", err)
		case res.Count > 0 || len(res.Errored) > 0:
			logger.Info("hold_sweep_released", "released", res.Count, "errored", len(res.Errored))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
