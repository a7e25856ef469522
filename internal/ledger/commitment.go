package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"holdline/internal/domain"
)

// WriteResult reports whether a conditional write took effect. When it did not,
// Resource and Interest describe the state that blocked it, read in the same
// transaction as the failed write.
type WriteResult struct {
	Applied  bool
	Found    bool
	Resource domain.Resource
	Interest *domain.Interest
}

// ReleaseMode selects the predicate and the resulting interest status of a release.
type ReleaseMode int

const (
	// ReleaseExpire clears an unpaid commitment whose deadline has passed. Interest -> EXPIRED.
	ReleaseExpire ReleaseMode = iota
	// ReleaseCancel clears an unpaid commitment on the holder's request. Interest -> INACTIVE.
	ReleaseCancel
	// ReleaseForce clears any commitment on a PENDING resource, deposit included. Interest -> INACTIVE.
	ReleaseForce
)

func (m ReleaseMode) String() string {
	switch m {
	case ReleaseExpire:
		return "expire"
	case ReleaseCancel:
		return "cancel"
	case ReleaseForce:
		return "force"
	}
	return fmt.Sprintf("ReleaseMode(%d)", int(m))
}

func (m ReleaseMode) interestStatus() domain.InterestStatus {
	if m == ReleaseExpire {
		return domain.InterestExpired
	}
	return domain.InterestInactive
}

// ErrInconsistent signals that a resource write applied but its interest counterpart did not.
// The surrounding transaction is rolled back, so no partial state is ever committed.
var ErrInconsistent = errors.New("ledger: resource and interest state disagree")

// Commit sets the commitment fields and moves the actor's ACTIVE interest to COMMITTED,
// if and only if the resource is PENDING, uncommitted, unpaid, and the actor holds an
// ACTIVE interest. Evaluation and application happen in one UPDATE statement.
func (l Ledger) Commit(ctx context.Context, resourceID, actorID string, startedAt, expiresAt time.Time) (WriteResult, error) {
	return l.inTx(ctx, resourceID, actorID, func(tx *sql.Tx) (bool, error) {
		now := toMillis(startedAt)
		res, err := tx.ExecContext(ctx, `UPDATE resources
SET committed_actor_id=?, commitment_started_at=?, commitment_expires_at=?, updated_at=?
WHERE id=? AND committed_actor_id IS NULL AND deposit_paid=0 AND lifecycle_stage='PENDING'
  AND EXISTS (SELECT 1 FROM interests WHERE resource_id=? AND actor_id=? AND status='ACTIVE')`,
			actorID, now, deadlineMillis(expiresAt), now, resourceID, resourceID, actorID)
		if err != nil {
			return false, fmt.Errorf("commit resource: %w", err)
		}
		if !affectedOne(res) {
			return false, nil
		}
		return true, setInterestStatus(ctx, tx, resourceID, actorID, domain.InterestActive, domain.InterestCommitted, now)
	})
}

// Release clears the unpaid commitment held by actorID. The predicate depends on mode and
// is re-evaluated by the UPDATE itself, so a concurrent deposit makes an expiry a no-op.
// ReleaseForce goes through ForceRelease.
func (l Ledger) Release(ctx context.Context, resourceID, actorID string, mode ReleaseMode, at time.Time) (WriteResult, error) {
	return l.inTx(ctx, resourceID, actorID, func(tx *sql.Tx) (bool, error) {
		now := toMillis(at)
		var (
			res sql.Result
			err error
		)
		switch mode {
		case ReleaseExpire:
			res, err = tx.ExecContext(ctx, `UPDATE resources
SET committed_actor_id=NULL, commitment_started_at=NULL, commitment_expires_at=NULL, updated_at=?
WHERE id=? AND committed_actor_id=? AND deposit_paid=0 AND commitment_expires_at <= ?`,
				now, resourceID, actorID, now)
		case ReleaseCancel:
			res, err = tx.ExecContext(ctx, `UPDATE resources
SET committed_actor_id=NULL, commitment_started_at=NULL, commitment_expires_at=NULL, updated_at=?
WHERE id=? AND committed_actor_id=? AND deposit_paid=0`,
				now, resourceID, actorID)
		default:
			return false, fmt.Errorf("unknown release mode %s", mode)
		}
		if err != nil {
			return false, fmt.Errorf("release resource (%s): %w", mode, err)
		}
		if !affectedOne(res) {
			return false, nil
		}
		return true, setInterestStatus(ctx, tx, resourceID, actorID, domain.InterestCommitted, mode.interestStatus(), now)
	})
}

// ForceRelease clears the commitment and any deposit on a PENDING resource. depositPaid is
// part of the predicate so the caller knows exactly what was cleared.
func (l Ledger) ForceRelease(ctx context.Context, resourceID, actorID string, depositPaid bool, at time.Time) (WriteResult, error) {
	paid := 0
	if depositPaid {
		paid = 1
	}
	return l.inTx(ctx, resourceID, actorID, func(tx *sql.Tx) (bool, error) {
		now := toMillis(at)
		res, err := tx.ExecContext(ctx, `UPDATE resources
SET committed_actor_id=NULL, commitment_started_at=NULL, commitment_expires_at=NULL,
    deposit_paid=0, deposit_amount='0', deposit_paid_at=NULL, updated_at=?
WHERE id=? AND committed_actor_id=? AND deposit_paid=? AND lifecycle_stage='PENDING'`,
			now, resourceID, actorID, paid)
		if err != nil {
			return false, fmt.Errorf("force release resource: %w", err)
		}
		if !affectedOne(res) {
			return false, nil
		}
		return true, setInterestStatus(ctx, tx, resourceID, actorID, domain.InterestCommitted, ReleaseForce.interestStatus(), now)
	})
}

// SecureDeposit records a reported deposit for the committed actor. The deadline is
// cleared in the same statement so that no expiry can apply afterwards.
func (l Ledger) SecureDeposit(ctx context.Context, resourceID, actorID string, amount decimal.Decimal, paidAt time.Time) (WriteResult, error) {
	return l.inTx(ctx, resourceID, actorID, func(tx *sql.Tx) (bool, error) {
		now := toMillis(paidAt)
		res, err := tx.ExecContext(ctx, `UPDATE resources
SET deposit_paid=1, deposit_amount=?, deposit_paid_at=?, commitment_expires_at=NULL, updated_at=?
WHERE id=? AND committed_actor_id=? AND deposit_paid=0`,
			decimalText(amount), now, now, resourceID, actorID)
		if err != nil {
			return false, fmt.Errorf("secure deposit: %w", err)
		}
		return affectedOne(res), nil
	})
}

// EnsureInterest creates an ACTIVE interest unless the actor already has an open one.
// created is false when an existing ACTIVE or COMMITTED interest was returned unchanged.
func (l Ledger) EnsureInterest(ctx context.Context, resourceID, actorID string, at time.Time) (domain.Interest, bool, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Interest{}, false, err
	}
	defer tx.Rollback()
	if _, err := getResource(ctx, tx, resourceID); err != nil {
		return domain.Interest{}, false, err
	}
	now := toMillis(at)
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO interests(id,resource_id,actor_id,status,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		uuid.NewString(), resourceID, actorID, string(domain.InterestActive), now, now)
	if err != nil {
		return domain.Interest{}, false, fmt.Errorf("insert interest: %w", err)
	}
	created := affectedOne(res)
	in, ok, err := getInterest(ctx, tx, resourceID, actorID)
	if err != nil {
		return domain.Interest{}, false, err
	}
	if !ok || in.Status.Terminal() {
		return domain.Interest{}, false, fmt.Errorf("%w: no open interest after insert for %s/%s", ErrInconsistent, resourceID, actorID)
	}
	if err := tx.Commit(); err != nil {
		return domain.Interest{}, false, err
	}
	return in, created, nil
}

// WithdrawInterest moves the actor's ACTIVE interest to INACTIVE.
func (l Ledger) WithdrawInterest(ctx context.Context, resourceID, actorID string, at time.Time) (bool, error) {
	res, err := l.DB.ExecContext(ctx, `UPDATE interests SET status=?, updated_at=? WHERE resource_id=? AND actor_id=? AND status=?`,
		string(domain.InterestInactive), toMillis(at), resourceID, actorID, string(domain.InterestActive))
	if err != nil {
		return false, fmt.Errorf("withdraw interest: %w", err)
	}
	return affectedOne(res), nil
}

func (l Ledger) inTx(ctx context.Context, resourceID, actorID string, write func(tx *sql.Tx) (bool, error)) (WriteResult, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return WriteResult{}, err
	}
	defer tx.Rollback()
	applied, err := write(tx)
	if err != nil {
		return WriteResult{}, err
	}
	out := WriteResult{Applied: applied}
	r, err := getResource(ctx, tx, resourceID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return WriteResult{}, err
	default:
		out.Found = true
		out.Resource = r
	}
	in, ok, err := getInterest(ctx, tx, resourceID, actorID)
	if err != nil {
		return WriteResult{}, err
	}
	if ok {
		out.Interest = &in
	}
	if !applied {
		return out, nil
	}
	if err := tx.Commit(); err != nil {
		return WriteResult{}, err
	}
	return out, nil
}

func setInterestStatus(ctx context.Context, tx *sql.Tx, resourceID, actorID string, from, to domain.InterestStatus, at int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE interests SET status=?, updated_at=? WHERE resource_id=? AND actor_id=? AND status=?`,
		string(to), at, resourceID, actorID, string(from))
	if err != nil {
		return fmt.Errorf("update interest: %w", err)
	}
	if !affectedOne(res) {
		return fmt.Errorf("%w: %s/%s has no %s interest", ErrInconsistent, resourceID, actorID, from)
	}
	return nil
}

func affectedOne(res sql.Result) bool {
	n, err := res.RowsAffected()
	return err == nil && n == 1
}
