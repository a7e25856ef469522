// Package handover is the write path of the handover workflow that follows a secured
// deposit. It owns lifecycle_stage; the commitment core only reads that field and never
// calls into this package.
package handover

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"holdline/internal/domain"
	"holdline/internal/ledger"
)

var (
	// ErrNotSecured means the resource has no paid commitment to hand over.
	ErrNotSecured = errors.New("handover requires a secured deposit")
	// ErrWrongStage means the resource is not in the stage the transition starts from.
	ErrWrongStage = errors.New("resource is not in the expected lifecycle stage")
)

type Service struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s Service) now() int64 {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return now().UTC().UnixMilli()
}

// Begin moves a secured PENDING resource to IN_PROGRESS and converts the holder's interest.
func (s Service) Begin(ctx context.Context, resourceID string) (domain.Resource, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Resource{}, err
	}
	defer tx.Rollback()
	at := s.now()
	res, err := tx.ExecContext(ctx, `UPDATE resources SET lifecycle_stage='IN_PROGRESS', updated_at=?
WHERE id=? AND lifecycle_stage='PENDING' AND deposit_paid=1 AND committed_actor_id IS NOT NULL`, at, resourceID)
	if err != nil {
		return domain.Resource{}, fmt.Errorf("begin handover: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return domain.Resource{}, s.diagnose(ctx, tx, resourceID, domain.StagePending)
	}
	res, err = tx.ExecContext(ctx, `UPDATE interests SET status='CONVERTED', updated_at=?
WHERE resource_id=? AND status='COMMITTED'
  AND actor_id=(SELECT committed_actor_id FROM resources WHERE id=?)`, at, resourceID, resourceID)
	if err != nil {
		return domain.Resource{}, fmt.Errorf("convert interest: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return domain.Resource{}, fmt.Errorf("%w: %s has no committed interest to convert", ledger.ErrInconsistent, resourceID)
	}
	if err := tx.Commit(); err != nil {
		return domain.Resource{}, err
	}
	return ledger.Ledger{DB: s.DB}.GetResource(ctx, resourceID)
}

// Complete closes the handover.
func (s Service) Complete(ctx context.Context, resourceID string) (domain.Resource, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Resource{}, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE resources SET lifecycle_stage='COMPLETED', updated_at=? WHERE id=? AND lifecycle_stage='IN_PROGRESS'`, s.now(), resourceID)
	if err != nil {
		return domain.Resource{}, fmt.Errorf("complete handover: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return domain.Resource{}, s.diagnose(ctx, tx, resourceID, domain.StageInProgress)
	}
	if err := tx.Commit(); err != nil {
		return domain.Resource{}, err
	}
	return ledger.Ledger{DB: s.DB}.GetResource(ctx, resourceID)
}

func (s Service) diagnose(ctx context.Context, tx *sql.Tx, resourceID string, want domain.LifecycleStage) error {
	var (
		stage string
		paid  int
	)
	err := tx.QueryRowContext(ctx, `SELECT lifecycle_stage, deposit_paid FROM resources WHERE id=?`, resourceID).Scan(&stage, &paid)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewError(domain.KindResourceNotFound, resourceID, "")
	}
	if err != nil {
		return err
	}
	if domain.LifecycleStage(stage) != want {
		return fmt.Errorf("%w: %s is %s, want %s", ErrWrongStage, resourceID, stage, want)
	}
	if paid == 0 {
		return fmt.Errorf("%w: %s", ErrNotSecured, resourceID)
	}
	return fmt.Errorf("handover %s: no rows updated", resourceID)
}
