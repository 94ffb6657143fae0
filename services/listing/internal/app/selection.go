package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"cube/pkg/domain"
)

// ResolveSelection turns raw request identifiers into the listings that exist,
// ordered by id. Blank, malformed, duplicate and unknown ids are dropped.
func (a *App) ResolveSelection(ctx context.Context, rawIDs []string) ([]domain.Listing, error) {
	ids := parseIDs(rawIDs)
	if len(ids) == 0 {
		return nil, nil
	}
	listings, err := a.store.FindListings(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("find listings: %w", err)
	}
	return listings, nil
}

func parseIDs(rawIDs []string) []int64 {
	ids := make([]int64, 0, len(rawIDs))
	seen := make(map[int64]struct{}, len(rawIDs))
	for _, raw := range rawIDs {
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
