// Package sweep enforces grace-period expiry. Each tick lists unpaid commitments whose
// deadline has passed and releases them one by one through the guard; a release whose
// predicate no longer holds (deposit paid, holder cancelled) is skipped, not retried.
//
// Advisory warnings are sent when a commitment's elapsed time crosses a configured
// threshold. They are best effort: a restart may repeat or skip one, and they never
// influence the release.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"holdline/internal/guard"
	"holdline/internal/notify"
)

type Config struct {
	Interval    time.Duration
	GracePeriod time.Duration
	// Warnings are elapsed-time thresholds, each shorter than GracePeriod.
	Warnings []time.Duration
}

func (c Config) validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("sweep: interval must be positive, got %s", c.Interval)
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("sweep: grace period must be positive, got %s", c.GracePeriod)
	}
	for _, w := range c.Warnings {
		if w <= 0 || w >= c.GracePeriod {
			return fmt.Errorf("sweep: warning threshold %s must be within (0, %s)", w, c.GracePeriod)
		}
	}
	return nil
}

type Options struct {
	Notifier   notify.Notifier
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

// Report summarizes one tick.
type Report struct {
	Scanned  int `json:"scanned"`
	Released int `json:"released"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
	Warned   int `json:"warned"`
}

type warnKey struct {
	resourceID string
	startedAt  int64
	threshold  time.Duration
}

type Scheduler struct {
	guard    guard.Guard
	cfg      Config
	notifier notify.Notifier
	log      *slog.Logger
	metrics  sweepMetrics

	mu     sync.Mutex
	warned map[warnKey]struct{}
}

// New builds a scheduler that releases through g and reads the clock from g.Now.
func New(g guard.Guard, cfg Config, opts Options) (*Scheduler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	warnings := append([]time.Duration(nil), cfg.Warnings...)
	sort.Slice(warnings, func(i, j int) bool { return warnings[i] < warnings[j] })
	cfg.Warnings = warnings
	s := &Scheduler{
		guard:    g,
		cfg:      cfg,
		notifier: opts.Notifier,
		log:      opts.Logger,
		warned:   map[warnKey]struct{}{},
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.metrics.init(opts.Registerer)
	return s, nil
}

func (s *Scheduler) now() time.Time {
	if s.guard.Now != nil {
		return s.guard.Now().UTC()
	}
	return time.Now().UTC()
}

// Run ticks every Interval until ctx is cancelled. A failed tick is logged and the next
// one proceeds as usual.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweep stopping")
			return nil
		case <-t.C:
			if _, err := s.Tick(ctx); err != nil {
				s.log.Error("sweep tick failed", "err", err)
			}
		}
	}
}

// Tick runs one pass: hard expiry first, then advisory warnings. The returned error only
// covers listing failures; per-resource failures are counted in the report.
func (s *Scheduler) Tick(ctx context.Context) (Report, error) {
	start := time.Now()
	s.metrics.ticks.Inc()
	defer func() { s.metrics.duration.Observe(time.Since(start).Seconds()) }()

	var rep Report
	now := s.now()
	expired, err := s.guard.Ledger.ListExpiredCommitments(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("list expired commitments: %w", err)
	}
	rep.Scanned = len(expired)
	for _, r := range expired {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		holder := *r.CommittedActorID
		applied, err := s.guard.Expire(ctx, r.ID, holder)
		switch {
		case err != nil:
			rep.Failed++
			s.metrics.failures.Inc()
			s.log.Warn("sweep release failed", "resource_id", r.ID, "actor_id", holder, "err", err)
		case applied:
			rep.Released++
			s.metrics.releases.Inc()
			payload := map[string]any{}
			if r.CommitmentExpiresAt != nil {
				payload["expired_at"] = r.CommitmentExpiresAt.Format(time.RFC3339)
			}
			s.notifier.Notify(ctx, notify.NewEvent(notify.EventExpired, r.ID, holder, now, payload))
		default:
			rep.Skipped++
		}
	}

	warned, err := s.warn(ctx, now)
	rep.Warned = warned
	if err != nil {
		s.log.Warn("sweep warnings skipped", "err", err)
	}
	s.log.Info("sweep tick",
		"scanned", rep.Scanned,
		"released", rep.Released,
		"skipped", rep.Skipped,
		"failed", rep.Failed,
		"warned", rep.Warned,
	)
	return rep, nil
}

func (s *Scheduler) warn(ctx context.Context, now time.Time) (int, error) {
	if len(s.cfg.Warnings) == 0 {
		return 0, nil
	}
	open, err := s.guard.Ledger.ListOpenCommitments(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list open commitments: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[warnKey]struct{})
	sent := 0
	for _, r := range open {
		if r.CommitmentStartedAt == nil || r.CommittedActorID == nil {
			continue
		}
		elapsed := now.Sub(*r.CommitmentStartedAt)
		for _, threshold := range s.cfg.Warnings {
			key := warnKey{resourceID: r.ID, startedAt: r.CommitmentStartedAt.UnixMilli(), threshold: threshold}
			live[key] = struct{}{}
			if elapsed < threshold {
				continue
			}
			if _, done := s.warned[key]; done {
				continue
			}
			s.warned[key] = struct{}{}
			sent++
			s.metrics.warnings.Inc()
			payload := map[string]any{
				"threshold": threshold.String(),
				"remaining": (s.cfg.GracePeriod - elapsed).Truncate(time.Second).String(),
			}
			if r.CommitmentExpiresAt != nil {
				payload["expires_at"] = r.CommitmentExpiresAt.Format(time.RFC3339)
			}
			s.notifier.Notify(ctx, notify.NewEvent(notify.EventExpiryWarning, r.ID, *r.CommittedActorID, now, payload))
		}
	}
	for key := range s.warned {
		if _, ok := live[key]; !ok {
			delete(s.warned, key)
		}
	}
	return sent, nil
}
