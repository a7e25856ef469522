package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"holdline/internal/catalog"
	"holdline/internal/config"
	"holdline/internal/domain"
	"holdline/internal/engine/auth"
	"holdline/internal/guard"
	"holdline/internal/ledger"
	"holdline/internal/notify"
)

// Engine is the commitment service. Every mutation is authorized, performed through the
// guard as one conditional write, and announced to the notifier after it committed.
type Engine struct {
	Ledger   ledger.Ledger
	Guard    guard.Guard
	Catalog  catalog.Filter
	Auth     auth.Authorizer
	Notifier notify.Notifier
	Logger   *slog.Logger
	Config   *config.Config
	Now      func() time.Time

	metrics *engineMetrics
}

type Options struct {
	Notifier   notify.Notifier
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	// Auth overrides the role authorizer built from cfg.Auth.
	Auth auth.Authorizer
}

func New(db *sql.DB, cfg *config.Config, opts Options) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	l := ledger.Ledger{DB: db}
	g, err := guard.New(l, guard.Config{GracePeriod: cfg.GracePeriod()})
	if err != nil {
		return Engine{}, err
	}
	e := Engine{
		Ledger:   l,
		Guard:    g,
		Catalog:  catalog.Filter{Ledger: l},
		Auth:     opts.Auth,
		Notifier: opts.Notifier,
		Logger:   opts.Logger,
		Config:   cfg,
		Now:      time.Now,
		metrics:  newEngineMetrics(opts.Registerer),
	}
	if e.Auth == nil {
		e.Auth = auth.NewRoleAuthorizer(cfg.Auth)
	}
	if e.Notifier == nil {
		e.Notifier = notify.Nop{}
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	return e, nil
}

// SetClock makes the engine and its guard read time from now.
func (e *Engine) SetClock(now func() time.Time) {
	e.Now = now
	e.Guard.Now = now
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) notify(ctx context.Context, typ, resourceID, actorID string, payload map[string]any) {
	if e.Notifier == nil {
		return
	}
	e.Notifier.Notify(ctx, notify.NewEvent(typ, resourceID, actorID, e.now(), payload))
}

func notFound(err error, resourceID, actorID string) error {
	if errors.Is(err, ledger.ErrNotFound) {
		return domain.NewError(domain.KindResourceNotFound, resourceID, actorID)
	}
	return err
}

// CreateResourceOptions are parameters for adding a resource to the catalog.
type CreateResourceOptions struct {
	ID          string
	Title       string
	Development string
	ListPrice   decimal.Decimal
	ActorID     string
}

// CreateResource adds a PENDING, uncommitted resource.
func (e Engine) CreateResource(ctx context.Context, opts CreateResourceOptions) (domain.Resource, error) {
	if err := e.Auth.Authorize(ctx, opts.ActorID, config.CapResourceManage); err != nil {
		return domain.Resource{}, err
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Resource{}, domain.NewError(domain.KindInvalidInput, id, opts.ActorID)
	}
	if opts.ListPrice.IsNegative() {
		return domain.Resource{}, domain.NewError(domain.KindInvalidAmount, id, opts.ActorID)
	}
	err := e.Ledger.InsertResource(ctx, domain.Resource{
		ID:          id,
		Title:       title,
		Development: strings.TrimSpace(opts.Development),
		ListPrice:   opts.ListPrice,
		CreatedAt:   e.now(),
	})
	if errors.Is(err, ledger.ErrExists) {
		return domain.Resource{}, domain.NewError(domain.KindResourceExists, id, opts.ActorID)
	}
	if err != nil {
		return domain.Resource{}, err
	}
	e.Logger.InfoContext(ctx, "resource created", "resource_id", id, "actor_id", opts.ActorID)
	return e.Ledger.GetResource(ctx, id)
}

// ExpressInterest creates an ACTIVE interest, or returns the actor's open one unchanged.
func (e Engine) ExpressInterest(ctx context.Context, resourceID, actorID string) (domain.Interest, error) {
	if err := e.Auth.Authorize(ctx, actorID, config.CapInterestExpress); err != nil {
		return domain.Interest{}, err
	}
	in, created, err := e.Ledger.EnsureInterest(ctx, resourceID, actorID, e.now())
	if err != nil {
		return domain.Interest{}, notFound(err, resourceID, actorID)
	}
	if created {
		e.notify(ctx, notify.EventInterest, resourceID, actorID, nil)
	}
	return in, nil
}

// WithdrawInterest retires the actor's interest. An ACTIVE interest becomes INACTIVE; a
// COMMITTED one is cancelled exactly as CancelCommitment would.
func (e Engine) WithdrawInterest(ctx context.Context, resourceID, actorID string) (domain.Interest, error) {
	if err := e.Auth.Authorize(ctx, actorID, config.CapInterestWithdraw); err != nil {
		return domain.Interest{}, err
	}
	if _, err := e.Ledger.GetResource(ctx, resourceID); err != nil {
		return domain.Interest{}, notFound(err, resourceID, actorID)
	}
	// One retry covers an interest committed between the read and the write.
	for attempt := 0; attempt < 2; attempt++ {
		in, ok, err := e.Ledger.GetInterest(ctx, resourceID, actorID)
		if err != nil {
			return domain.Interest{}, err
		}
		if !ok || in.Status.Terminal() {
			return domain.Interest{}, domain.NewError(domain.KindInterestNotFound, resourceID, actorID)
		}
		if in.Status == domain.InterestCommitted {
			if _, err := e.CancelCommitment(ctx, resourceID, actorID); err != nil {
				return domain.Interest{}, err
			}
			return e.currentInterest(ctx, resourceID, actorID)
		}
		applied, err := e.Ledger.WithdrawInterest(ctx, resourceID, actorID, e.now())
		if err != nil {
			return domain.Interest{}, err
		}
		if applied {
			e.notify(ctx, notify.EventWithdrawn, resourceID, actorID, nil)
			return e.currentInterest(ctx, resourceID, actorID)
		}
	}
	return domain.Interest{}, domain.NewError(domain.KindInterestNotFound, resourceID, actorID)
}

func (e Engine) currentInterest(ctx context.Context, resourceID, actorID string) (domain.Interest, error) {
	in, ok, err := e.Ledger.GetInterest(ctx, resourceID, actorID)
	if err != nil {
		return domain.Interest{}, err
	}
	if !ok {
		return domain.Interest{}, domain.NewError(domain.KindInterestNotFound, resourceID, actorID)
	}
	return in, nil
}

// Commit gives the actor the exclusive hold on the resource for the grace period.
func (e Engine) Commit(ctx context.Context, resourceID, actorID string) (domain.Resource, error) {
	if err := e.Auth.Authorize(ctx, actorID, config.CapCommit); err != nil {
		e.metrics.observeCommit(err)
		return domain.Resource{}, err
	}
	r, err := e.Guard.TryCommit(ctx, resourceID, actorID)
	e.metrics.observeCommit(err)
	if err != nil {
		return domain.Resource{}, err
	}
	payload := map[string]any{}
	if r.CommitmentExpiresAt != nil {
		payload["expires_at"] = r.CommitmentExpiresAt.Format(time.RFC3339)
	}
	e.notify(ctx, notify.EventCommitted, resourceID, actorID, payload)
	return r, nil
}

// PayDeposit records a deposit the payment collaborator already confirmed. Minimum amounts
// are the caller's policy; any positive amount is accepted here.
func (e Engine) PayDeposit(ctx context.Context, resourceID, actorID string, amount decimal.Decimal) (domain.Resource, error) {
	if err := e.Auth.Authorize(ctx, actorID, config.CapDeposit); err != nil {
		return domain.Resource{}, err
	}
	r, err := e.Guard.SecureDeposit(ctx, resourceID, actorID, amount)
	if err != nil {
		return domain.Resource{}, err
	}
	e.notify(ctx, notify.EventDepositSecured, resourceID, actorID, map[string]any{"amount": amount.String()})
	return r, nil
}

// CancelCommitment releases the caller's own unpaid commitment immediately.
func (e Engine) CancelCommitment(ctx context.Context, resourceID, actorID string) (domain.Resource, error) {
	if err := e.Auth.Authorize(ctx, actorID, config.CapCancel); err != nil {
		return domain.Resource{}, err
	}
	r, err := e.Guard.Cancel(ctx, resourceID, actorID)
	if err != nil {
		return domain.Resource{}, err
	}
	e.notify(ctx, notify.EventCancelled, resourceID, actorID, nil)
	return r, nil
}

// ForceRelease is the administrative release of a PENDING resource's commitment, paid or
// not. The cleared deposit is reported so the payment collaborator can refund it.
func (e Engine) ForceRelease(ctx context.Context, resourceID, adminActorID, reason string) (guard.Released, error) {
	if err := e.Auth.Authorize(ctx, adminActorID, config.CapForceRelease); err != nil {
		return guard.Released{}, err
	}
	rel, err := e.Guard.ForceRelease(ctx, resourceID)
	if err != nil {
		return guard.Released{}, err
	}
	e.Logger.WarnContext(ctx, "commitment force released",
		"resource_id", resourceID,
		"actor_id", rel.ActorID,
		"released_by", adminActorID,
		"refund", rel.Refund.String(),
		"reason", reason,
	)
	e.notify(ctx, notify.EventReleased, resourceID, rel.ActorID, map[string]any{
		"released_by": adminActorID,
		"refund":      rel.Refund.String(),
		"reason":      reason,
	})
	return rel, nil
}

func (e Engine) IsVisible(ctx context.Context, resourceID string) (bool, error) {
	return e.Catalog.IsVisible(ctx, resourceID)
}

func (e Engine) ListVisibleResources(ctx context.Context, c domain.CatalogCriteria) ([]domain.Resource, error) {
	return e.Catalog.ListVisible(ctx, c)
}

func (e Engine) GetResource(ctx context.Context, resourceID string) (domain.Resource, error) {
	r, err := e.Ledger.GetResource(ctx, resourceID)
	if err != nil {
		return domain.Resource{}, notFound(err, resourceID, "")
	}
	return r, nil
}

// Detail returns the resource with its interests. Actors allowed to manage resources see
// every interest; anyone else sees only their own.
func (e Engine) Detail(ctx context.Context, resourceID, actorID string) (domain.ResourceDetail, error) {
	all := true
	if err := e.Auth.Authorize(ctx, actorID, config.CapResourceManage); err != nil {
		var fe auth.ForbiddenError
		if !errors.As(err, &fe) {
			return domain.ResourceDetail{}, err
		}
		all = false
	}
	d, err := e.Ledger.Detail(ctx, resourceID)
	if err != nil {
		return domain.ResourceDetail{}, notFound(err, resourceID, actorID)
	}
	if !all {
		own := []domain.Interest{}
		for _, in := range d.Interests {
			if in.ActorID == actorID {
				own = append(own, in)
			}
		}
		d.Interests = own
	}
	return d, nil
}

func (e Engine) ListResources(ctx context.Context) ([]domain.Resource, error) {
	return e.Ledger.ListResources(ctx)
}

// AuditFinding lists the invariant violations of one resource.
type AuditFinding struct {
	ResourceID string   `json:"resource_id"`
	Violations []string `json:"violations"`
}

// Audit checks every resource and returns only those that violate an invariant.
func (e Engine) Audit(ctx context.Context) ([]AuditFinding, error) {
	resources, err := e.Ledger.ListResources(ctx)
	if err != nil {
		return nil, err
	}
	findings := []AuditFinding{}
	for _, r := range resources {
		d, err := e.Ledger.Detail(ctx, r.ID)
		if err != nil {
			return nil, fmt.Errorf("audit %s: %w", r.ID, err)
		}
		violations := ledger.Violations(d)
		if len(violations) == 0 {
			continue
		}
		f := AuditFinding{ResourceID: r.ID}
		for _, v := range violations {
			f.Violations = append(f.Violations, v.Error())
		}
		findings = append(findings, f)
	}
	return findings, nil
}
