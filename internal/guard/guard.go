// Package guard owns every write to a resource's commitment fields. Each transition is a
// single conditional write in the ledger; when it does not apply, the state read in the
// same transaction is classified into a business error.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"holdline/internal/domain"
	"holdline/internal/ledger"
)

// Config is injected at construction. GracePeriod bounds how long an unpaid commitment lives.
type Config struct {
	GracePeriod time.Duration
}

type Guard struct {
	Ledger ledger.Ledger
	Config Config
	Now    func() time.Time
}

func New(l ledger.Ledger, cfg Config) (Guard, error) {
	if cfg.GracePeriod <= 0 {
		return Guard{}, fmt.Errorf("guard: grace period must be positive, got %s", cfg.GracePeriod)
	}
	return Guard{Ledger: l, Config: cfg, Now: time.Now}, nil
}

func (g Guard) now() time.Time {
	if g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}

// TryCommit gives actorID the exclusive, time-boxed hold on the resource.
func (g Guard) TryCommit(ctx context.Context, resourceID, actorID string) (domain.Resource, error) {
	now := startOfCommitment(g.now())
	res, err := g.Ledger.Commit(ctx, resourceID, actorID, now, now.Add(g.Config.GracePeriod))
	if err != nil {
		return domain.Resource{}, fmt.Errorf("commit %s: %w", resourceID, err)
	}
	if res.Applied {
		return res.Resource, nil
	}
	return res.Resource, commitFailure(res, resourceID, actorID)
}

// startOfCommitment moves t up to the next millisecond, the precision the ledger keeps, so
// the stored start and deadline are never earlier than the actual ones.
func startOfCommitment(t time.Time) time.Time {
	if ms := t.Truncate(time.Millisecond); ms.Before(t) {
		return ms.Add(time.Millisecond)
	}
	return t
}

func commitFailure(res ledger.WriteResult, resourceID, actorID string) error {
	r := res.Resource
	switch {
	case !res.Found:
		return domain.NewError(domain.KindResourceNotFound, resourceID, actorID)
	case r.LifecycleStage != domain.StagePending:
		return domain.NewError(domain.KindResourceNotEligible, resourceID, actorID)
	case r.HeldBy(actorID):
		return domain.NewError(domain.KindResourceAlreadyCommitted, resourceID, actorID)
	case res.Interest == nil || res.Interest.Status != domain.InterestActive:
		return domain.NewError(domain.KindInterestNotFound, resourceID, actorID)
	default:
		return domain.NewError(domain.KindResourceAlreadyCommitted, resourceID, actorID)
	}
}

// Expire releases actorID's unpaid commitment if its deadline has passed. applied is false
// when the predicate no longer holds, e.g. a deposit landed or the holder cancelled.
func (g Guard) Expire(ctx context.Context, resourceID, actorID string) (applied bool, err error) {
	res, err := g.Ledger.Release(ctx, resourceID, actorID, ledger.ReleaseExpire, g.now())
	if err != nil {
		return false, fmt.Errorf("expire %s: %w", resourceID, err)
	}
	return res.Applied, nil
}

// Cancel releases the caller's own unpaid commitment.
func (g Guard) Cancel(ctx context.Context, resourceID, actorID string) (domain.Resource, error) {
	res, err := g.Ledger.Release(ctx, resourceID, actorID, ledger.ReleaseCancel, g.now())
	if err != nil {
		return domain.Resource{}, fmt.Errorf("cancel %s: %w", resourceID, err)
	}
	if res.Applied {
		return res.Resource, nil
	}
	r := res.Resource
	switch {
	case !res.Found:
		return r, domain.NewError(domain.KindResourceNotFound, resourceID, actorID)
	case !r.Committed():
		return r, domain.NewError(domain.KindNotCommitted, resourceID, actorID)
	case !r.HeldBy(actorID):
		return r, domain.NewError(domain.KindActorMismatch, resourceID, actorID)
	default:
		return r, domain.NewError(domain.KindAlreadySecured, resourceID, actorID)
	}
}

// SecureDeposit records a reported deposit for the committed actor. A deposit reported
// after the nominal deadline but before the sweep released the commitment is accepted.
func (g Guard) SecureDeposit(ctx context.Context, resourceID, actorID string, amount decimal.Decimal) (domain.Resource, error) {
	if !amount.IsPositive() {
		return domain.Resource{}, domain.NewError(domain.KindInvalidAmount, resourceID, actorID)
	}
	res, err := g.Ledger.SecureDeposit(ctx, resourceID, actorID, amount, g.now())
	if err != nil {
		return domain.Resource{}, fmt.Errorf("secure deposit %s: %w", resourceID, err)
	}
	if res.Applied {
		return res.Resource, nil
	}
	r := res.Resource
	switch {
	case !res.Found:
		return r, domain.NewError(domain.KindResourceNotFound, resourceID, actorID)
	case r.HeldBy(actorID) && r.DepositPaid:
		return r, domain.NewError(domain.KindAlreadySecured, resourceID, actorID)
	default:
		return r, domain.NewError(domain.KindNotCommitted, resourceID, actorID)
	}
}

// Released describes an administrative release.
type Released struct {
	Resource domain.Resource
	ActorID  string
	// Refund is the deposit that was cleared, zero when none had been paid.
	Refund decimal.Decimal
}

const forceReleaseAttempts = 3

// ForceRelease clears whatever commitment the resource carries, paid or not, as long as the
// resource is still PENDING. The holder and deposit state are read first and then used as the
// write predicate, so a change between the two steps makes the write miss and the read is retried.
// After forceReleaseAttempts misses the caller gets ErrConcurrentUpdate and may try again.
func (g Guard) ForceRelease(ctx context.Context, resourceID string) (Released, error) {
	for attempt := 0; attempt < forceReleaseAttempts; attempt++ {
		r, err := g.Ledger.GetResource(ctx, resourceID)
		if errors.Is(err, ledger.ErrNotFound) {
			return Released{}, domain.NewError(domain.KindResourceNotFound, resourceID, "")
		}
		if err != nil {
			return Released{}, fmt.Errorf("force release %s: %w", resourceID, err)
		}
		if r.LifecycleStage != domain.StagePending {
			return Released{Resource: r}, domain.NewError(domain.KindResourceNotEligible, resourceID, "")
		}
		if !r.Committed() {
			return Released{Resource: r}, domain.NewError(domain.KindNotCommitted, resourceID, "")
		}
		holder := *r.CommittedActorID
		refund := decimal.Zero
		if r.DepositPaid {
			refund = r.DepositAmount
		}
		res, err := g.Ledger.ForceRelease(ctx, resourceID, holder, r.DepositPaid, g.now())
		if err != nil {
			return Released{}, fmt.Errorf("force release %s: %w", resourceID, err)
		}
		if res.Applied {
			return Released{Resource: res.Resource, ActorID: holder, Refund: refund}, nil
		}
	}
	return Released{}, domain.NewError(domain.KindConcurrentUpdate, resourceID, "")
}
