package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"holdline/internal/domain"
)

// Ledger stores resources and interests. All commitment-field mutations are single
// conditional UPDATE statements whose effect is verified through RowsAffected.
type Ledger struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const resourceColumns = `id,title,COALESCE(development,''),list_price,lifecycle_stage,committed_actor_id,
commitment_started_at,commitment_expires_at,deposit_paid,deposit_amount,deposit_paid_at,created_at,updated_at`

const interestColumns = `id,resource_id,actor_id,status,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResource(row rowScanner) (domain.Resource, error) {
	var (
		r                        domain.Resource
		stage                    string
		holder                   sql.NullString
		started, expires, paidAt sql.NullInt64
		paid                     int
		createdAt, updatedAt     int64
	)
	err := row.Scan(&r.ID, &r.Title, &r.Development, &r.ListPrice, &stage, &holder,
		&started, &expires, &paid, &r.DepositAmount, &paidAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.LifecycleStage = domain.LifecycleStage(stage)
	if holder.Valid {
		r.CommittedActorID = &holder.String
	}
	r.CommitmentStartedAt = fromMillis(started)
	r.CommitmentExpiresAt = fromMillis(expires)
	r.DepositPaid = paid == 1
	r.DepositPaidAt = fromMillis(paidAt)
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	r.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return r, nil
}

func scanInterest(row rowScanner) (domain.Interest, error) {
	var (
		in                   domain.Interest
		status               string
		createdAt, updatedAt int64
	)
	err := row.Scan(&in.ID, &in.ResourceID, &in.ActorID, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return in, ErrNotFound
	}
	if err != nil {
		return in, err
	}
	in.Status = domain.InterestStatus(status)
	in.CreatedAt = time.UnixMilli(createdAt).UTC()
	in.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return in, nil
}

// InsertResource stores a new, uncommitted resource in the PENDING stage.
func (l Ledger) InsertResource(ctx context.Context, r domain.Resource) error {
	now := toMillis(r.CreatedAt)
	_, err := l.DB.ExecContext(ctx, `INSERT INTO resources(id,title,development,list_price,lifecycle_stage,deposit_paid,deposit_amount,created_at,updated_at)
VALUES (?,?,?,?,?,0,'0',?,?)`,
		r.ID, r.Title, nullable(r.Development), r.ListPrice, string(domain.StagePending), now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("resource %s: %w", r.ID, ErrExists)
		}
		return fmt.Errorf("insert resource: %w", err)
	}
	return nil
}

func (l Ledger) GetResource(ctx context.Context, id string) (domain.Resource, error) {
	return getResource(ctx, l.DB, id)
}

func getResource(ctx context.Context, q querier, id string) (domain.Resource, error) {
	return scanResource(q.QueryRowContext(ctx, `SELECT `+resourceColumns+` FROM resources WHERE id=?`, id))
}

// GetInterest returns the actor's current interest in the resource: the open one if it
// exists, otherwise the most recent terminal one. ok is false when the actor never
// expressed interest; that is not an error.
func (l Ledger) GetInterest(ctx context.Context, resourceID, actorID string) (domain.Interest, bool, error) {
	return getInterest(ctx, l.DB, resourceID, actorID)
}

func getInterest(ctx context.Context, q querier, resourceID, actorID string) (domain.Interest, bool, error) {
	in, err := scanInterest(q.QueryRowContext(ctx, `SELECT `+interestColumns+` FROM interests
WHERE resource_id=? AND actor_id=?
ORDER BY CASE WHEN status IN ('ACTIVE','COMMITTED') THEN 0 ELSE 1 END, updated_at DESC, rowid DESC
LIMIT 1`, resourceID, actorID))
	if errors.Is(err, ErrNotFound) {
		return domain.Interest{}, false, nil
	}
	if err != nil {
		return domain.Interest{}, false, err
	}
	return in, true, nil
}

func (l Ledger) ListInterestsForResource(ctx context.Context, resourceID string) ([]domain.Interest, error) {
	return listInterests(ctx, l.DB, resourceID)
}

func listInterests(ctx context.Context, q querier, resourceID string) ([]domain.Interest, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+interestColumns+` FROM interests WHERE resource_id=? ORDER BY created_at, rowid`, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Interest{}
	for rows.Next() {
		in, err := scanInterest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// ListVisible returns resources with no committed actor, filtered by criteria, ordered by id.
// Prices are compared as decimals, so the price ceiling is applied while scanning rather
// than in SQL, and the limit with it.
func (l Ledger) ListVisible(ctx context.Context, c domain.CatalogCriteria) ([]domain.Resource, error) {
	clauses := []string{"committed_actor_id IS NULL"}
	var args []any
	if c.Development != "" {
		clauses = append(clauses, "development=?")
		args = append(args, c.Development)
	}
	if c.AfterID != "" {
		clauses = append(clauses, "id > ?")
		args = append(args, c.AfterID)
	}
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id`
	if c.MaxPrice == nil {
		if c.Limit > 0 {
			query += " LIMIT ?"
			args = append(args, c.Limit)
		}
		return l.listResources(ctx, query, args...)
	}
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Resource{}
	for (c.Limit <= 0 || len(res) < c.Limit) && rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		if r.ListPrice.GreaterThan(*c.MaxPrice) {
			continue
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// ListResources returns every resource ordered by id.
func (l Ledger) ListResources(ctx context.Context) ([]domain.Resource, error) {
	return l.listResources(ctx, `SELECT `+resourceColumns+` FROM resources ORDER BY id`)
}

// ListExpiredCommitments returns unpaid commitments whose deadline is at or before now.
func (l Ledger) ListExpiredCommitments(ctx context.Context, now time.Time) ([]domain.Resource, error) {
	return l.listResources(ctx, `SELECT `+resourceColumns+` FROM resources
WHERE committed_actor_id IS NOT NULL AND deposit_paid=0 AND commitment_expires_at <= ?
ORDER BY commitment_expires_at, id`, toMillis(now))
}

// ListOpenCommitments returns unpaid commitments that have not yet reached their deadline.
func (l Ledger) ListOpenCommitments(ctx context.Context, now time.Time) ([]domain.Resource, error) {
	return l.listResources(ctx, `SELECT `+resourceColumns+` FROM resources
WHERE committed_actor_id IS NOT NULL AND deposit_paid=0 AND commitment_expires_at > ?
ORDER BY commitment_expires_at, id`, toMillis(now))
}

func (l Ledger) listResources(ctx context.Context, query string, args ...any) ([]domain.Resource, error) {
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Resource{}
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// Detail returns a resource together with its interests, read in one transaction.
func (l Ledger) Detail(ctx context.Context, id string) (domain.ResourceDetail, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ResourceDetail{}, err
	}
	defer tx.Rollback()
	r, err := getResource(ctx, tx, id)
	if err != nil {
		return domain.ResourceDetail{}, err
	}
	interests, err := listInterests(ctx, tx, id)
	if err != nil {
		return domain.ResourceDetail{}, err
	}
	return domain.ResourceDetail{Resource: r, Interests: interests}, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// deadlineMillis rounds up, so a stored deadline is never earlier than the computed one.
// Clock readings compared against it go through toMillis and round down.
func deadlineMillis(t time.Time) int64 {
	ms := t.UTC().UnixMilli()
	if t.Sub(time.UnixMilli(ms)) > 0 {
		ms++
	}
	return ms
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// decimalText normalizes amounts before they are written.
func decimalText(d decimal.Decimal) string {
	return d.String()
}
