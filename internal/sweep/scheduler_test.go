package sweep_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"holdline/internal/db"
	"holdline/internal/domain"
	"holdline/internal/guard"
	"holdline/internal/ledger"
	"holdline/internal/migrate"
	"holdline/internal/notify"
	"holdline/internal/sweep"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const grace = 72 * time.Hour

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
	hook   func(notify.Event)
}

func (r *recorder) Notify(_ context.Context, evt notify.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(evt)
	}
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type env struct {
	ctx   context.Context
	now   time.Time
	guard guard.Guard
	sched *sweep.Scheduler
	rec   *recorder
}

func newEnv(t *testing.T, warnings ...time.Duration) *env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	e := &env{ctx: context.Background(), now: t0, rec: &recorder{}}
	e.guard, err = guard.New(ledger.Ledger{DB: conn}, guard.Config{GracePeriod: grace})
	require.NoError(t, err)
	e.guard.Now = func() time.Time { return e.now }
	e.sched, err = sweep.New(e.guard, sweep.Config{Interval: 5 * time.Minute, GracePeriod: grace, Warnings: warnings}, sweep.Options{
		Notifier:   e.rec,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return e
}

func (e *env) commit(t *testing.T, resourceID, actorID string) {
	t.Helper()
	if _, err := e.guard.Ledger.GetResource(e.ctx, resourceID); err != nil {
		require.NoError(t, e.guard.Ledger.InsertResource(e.ctx, domain.Resource{ID: resourceID, Title: resourceID, CreatedAt: e.now}))
	}
	_, _, err := e.guard.Ledger.EnsureInterest(e.ctx, resourceID, actorID, e.now)
	require.NoError(t, err)
	_, err = e.guard.TryCommit(e.ctx, resourceID, actorID)
	require.NoError(t, err)
}

func (e *env) resource(t *testing.T, id string) domain.Resource {
	t.Helper()
	r, err := e.guard.Ledger.GetResource(e.ctx, id)
	require.NoError(t, err)
	return r
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := sweep.New(guard.Guard{}, sweep.Config{Interval: time.Minute, GracePeriod: time.Hour, Warnings: []time.Duration{time.Hour}}, sweep.Options{})
	assert.Error(t, err)
	_, err = sweep.New(guard.Guard{}, sweep.Config{GracePeriod: time.Hour}, sweep.Options{})
	assert.Error(t, err)
}

func TestTickNeverReleasesBeforeDeadline(t *testing.T) {
	offsets := []time.Duration{0, time.Hour, grace - time.Minute, grace - time.Millisecond}
	for _, off := range offsets {
		e := newEnv(t)
		e.commit(t, "r1", "alice")
		e.now = t0.Add(off)
		rep, err := e.sched.Tick(e.ctx)
		require.NoError(t, err)
		assert.Zero(t, rep.Released, "offset %s", off)
		assert.True(t, e.resource(t, "r1").Committed(), "offset %s", off)
	}
}

func TestTickReleasesAtOrAfterDeadline(t *testing.T) {
	for _, off := range []time.Duration{grace, grace + time.Hour} {
		e := newEnv(t)
		e.commit(t, "r1", "alice")
		e.now = t0.Add(off)
		rep, err := e.sched.Tick(e.ctx)
		require.NoError(t, err)
		assert.Equal(t, sweep.Report{Scanned: 1, Released: 1}, rep)
		assert.False(t, e.resource(t, "r1").Committed())

		in, ok, err := e.guard.Ledger.GetInterest(e.ctx, "r1", "alice")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, domain.InterestExpired, in.Status)
		assert.Equal(t, []string{notify.EventExpired}, e.rec.types())

		rep, err = e.sched.Tick(e.ctx)
		require.NoError(t, err)
		assert.Equal(t, sweep.Report{}, rep, "second tick is a no-op")
	}
}

func TestDepositLandingBetweenListAndReleaseWins(t *testing.T) {
	e := newEnv(t)
	e.commit(t, "r1", "alice")
	e.commit(t, "r2", "bob")
	e.rec.hook = func(evt notify.Event) {
		if evt.Type == notify.EventExpired && evt.ResourceID == "r1" {
			_, err := e.guard.SecureDeposit(e.ctx, "r2", "bob", decimal.NewFromInt(50000))
			assert.NoError(t, err)
		}
	}
	e.now = t0.Add(grace + time.Minute)

	rep, err := e.sched.Tick(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, sweep.Report{Scanned: 2, Released: 1, Skipped: 1}, rep)

	r2 := e.resource(t, "r2")
	assert.True(t, r2.DepositPaid)
	assert.True(t, r2.HeldBy("bob"))
	in, _, err := e.guard.Ledger.GetInterest(e.ctx, "r2", "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.InterestCommitted, in.Status)
	require.NoError(t, e.guard.Ledger.CheckInvariants(e.ctx, "r2"))
}

func TestFailedReleaseDoesNotAbortSweep(t *testing.T) {
	e := newEnv(t)
	e.commit(t, "r1", "alice")
	e.commit(t, "r2", "bob")
	// Break r1 so its interest update affects no row and the release rolls back.
	_, err := e.guard.Ledger.DB.ExecContext(e.ctx, `UPDATE interests SET status='ACTIVE' WHERE resource_id='r1'`)
	require.NoError(t, err)
	e.now = t0.Add(grace)

	rep, err := e.sched.Tick(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, sweep.Report{Scanned: 2, Released: 1, Failed: 1}, rep)
	assert.True(t, e.resource(t, "r1").Committed(), "failed release left no partial state")
	assert.False(t, e.resource(t, "r2").Committed())
}

func TestWarningsAreSentOncePerThreshold(t *testing.T) {
	e := newEnv(t, 70*time.Hour, 48*time.Hour)
	e.commit(t, "r1", "alice")

	steps := []struct {
		at   time.Duration
		want int
	}{
		{47 * time.Hour, 0},
		{48 * time.Hour, 1},
		{50 * time.Hour, 0},
		{71 * time.Hour, 1},
		{71*time.Hour + time.Minute, 0},
	}
	for _, st := range steps {
		e.now = t0.Add(st.at)
		rep, err := e.sched.Tick(e.ctx)
		require.NoError(t, err)
		assert.Equal(t, st.want, rep.Warned, "at %s", st.at)
	}

	e.now = t0.Add(grace)
	_, err := e.sched.Tick(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{notify.EventExpiryWarning, notify.EventExpiryWarning, notify.EventExpired}, e.rec.types())

	// A fresh commitment on the same resource is warned again.
	e.commit(t, "r1", "bob")
	e.now = e.now.Add(49 * time.Hour)
	rep, err := e.sched.Tick(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Warned)
}

func TestWarningsSkipPaidCommitments(t *testing.T) {
	e := newEnv(t, 48*time.Hour)
	e.commit(t, "r1", "alice")
	_, err := e.guard.SecureDeposit(e.ctx, "r1", "alice", decimal.NewFromInt(1))
	require.NoError(t, err)
	e.now = t0.Add(49 * time.Hour)
	rep, err := e.sched.Tick(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Warned)
}

func TestRunStopsOnCancel(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))
	g, err := guard.New(ledger.Ledger{DB: conn}, guard.Config{GracePeriod: grace})
	require.NoError(t, err)
	s, err := sweep.New(g, sweep.Config{Interval: 5 * time.Millisecond, GracePeriod: grace}, sweep.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
