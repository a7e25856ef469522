// Package catalog decides which resources the public marketplace shows.
//
// A resource is visible exactly when no actor holds a commitment on it. The filter reads
// the ledger as it is and never compares deadlines with the clock, so a commitment whose
// grace period has run out keeps its resource hidden until the next sweep releases it.
// That window is bounded by the sweep interval. A deposit reported inside it is accepted,
// because the commitment still exists.
package catalog

import (
	"context"
	"errors"

	"holdline/internal/domain"
	"holdline/internal/ledger"
)

const maxPageSize = 200

type Filter struct {
	Ledger ledger.Ledger
}

// Visible is the visibility rule applied to a single record.
func Visible(r domain.Resource) bool {
	return r.CommittedActorID == nil
}

// IsVisible reports whether the resource currently appears in the catalog.
func (f Filter) IsVisible(ctx context.Context, resourceID string) (bool, error) {
	r, err := f.Ledger.GetResource(ctx, resourceID)
	if errors.Is(err, ledger.ErrNotFound) {
		return false, domain.NewError(domain.KindResourceNotFound, resourceID, "")
	}
	if err != nil {
		return false, err
	}
	return Visible(r), nil
}

// ListVisible returns one page of visible resources ordered by id. A zero or oversized
// limit is clamped to the maximum page size.
func (f Filter) ListVisible(ctx context.Context, c domain.CatalogCriteria) ([]domain.Resource, error) {
	if c.Limit <= 0 || c.Limit > maxPageSize {
		c.Limit = maxPageSize
	}
	return f.Ledger.ListVisible(ctx, c)
}
