package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"holdline/internal/db"
	"holdline/internal/domain"
	"holdline/internal/ledger"
	"holdline/internal/migrate"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newLedger(t *testing.T) (ledger.Ledger, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return ledger.Ledger{DB: conn}, context.Background()
}

func seed(t *testing.T, l ledger.Ledger, ctx context.Context, id string) {
	t.Helper()
	require.NoError(t, l.InsertResource(ctx, domain.Resource{
		ID:          id,
		Title:       "Unit " + id,
		Development: "harbour",
		ListPrice:   decimal.RequireFromString("350000"),
		CreatedAt:   t0,
	}))
}

func TestGetInterestMissingIsNotAnError(t *testing.T) {
	l, ctx := newLedger(t)
	seed(t, l, ctx, "r1")
	_, ok, err := l.GetInterest(ctx, "r1", "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = l.GetResource(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestEnsureInterestIsIdempotent(t *testing.T) {
	l, ctx := newLedger(t)
	seed(t, l, ctx, "r1")

	first, created, err := l.EnsureInterest(ctx, "r1", "alice", t0)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.InterestActive, first.Status)

	again, created, err := l.EnsureInterest(ctx, "r1", "alice", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, again)

	all, err := l.ListInterestsForResource(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, _, err = l.EnsureInterest(ctx, "nope", "alice", t0)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestCommitIsConditional(t *testing.T) {
	l, ctx := newLedger(t)
	seed(t, l, ctx, "r1")
	for _, actor := range []string{"alice", "bob"} {
		_, _, err := l.EnsureInterest(ctx, "r1", actor, t0)
		require.NoError(t, err)
	}

	res, err := l.Commit(ctx, "r1", "alice", t0, t0.Add(72*time.Hour))
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.True(t, res.Resource.HeldBy("alice"))
	require.NotNil(t, res.Interest)
	assert.Equal(t, domain.InterestCommitted, res.Interest.Status)

	res, err = l.Commit(ctx, "r1", "bob", t0.Add(time.Hour), t0.Add(73*time.Hour))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.True(t, res.Found)
	assert.True(t, res.Resource.HeldBy("alice"), "blocked write reports the holder")
	assert.Equal(t, domain.InterestActive, res.Interest.Status)

	require.NoError(t, l.CheckInvariants(ctx, "r1"))
}

func TestCommitWithoutInterestDoesNotApply(t *testing.T) {
	l, ctx := newLedger(t)
	seed(t, l, ctx, "r1")
	res, err := l.Commit(ctx, "r1", "alice", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Nil(t, res.Interest)
	assert.False(t, res.Resource.Committed())
}

func TestReleaseExpireRespectsDeadlineAndDeposit(t *testing.T) {
	l, ctx := newLedger(t)
	seed(t, l, ctx, "r1")
	_, _, err := l.EnsureInterest(ctx, "r1", "alice", t0)
	require.NoError(t, err)
	_, err = l.Commit(ctx, "r1", "alice", t0, t0.Add(time.Hour))
	require.NoError(t, err)

	res, err := l.Release(ctx, "r1", "alice", ledger.ReleaseExpire, t0.Add(59*time.Minute))
	require.NoError(t, err)
	assert.False(t, res.Applied, "deadline not reached")

	res, err = l.SecureDeposit(ctx, "r1", "alice", decimal.NewFromInt(5000), t0.Add(30*time.Minute))
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.Nil(t, res.Resource.CommitmentExpiresAt)

	res, err = l.Release(ctx, "r1", "alice", ledger.ReleaseExpire, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, res.Applied, "paid commitment never expires")
	assert.True(t, res.Resource.DepositPaid)
	require.NoError(t, l.CheckInvariants(ctx, "r1"))
}

func TestReleaseModesSetInterestStatus(t *testing.T) {
	cases := []struct {
		mode ledger.ReleaseMode
		at   time.Duration
		want domain.InterestStatus
	}{
		{ledger.ReleaseExpire, 2 * time.Hour, domain.InterestExpired},
		{ledger.ReleaseCancel, time.Minute, domain.InterestInactive},
	}
	for _, tc := range cases {
		t.Run(tc.mode.String(), func(t *testing.T) {
			l, ctx := newLedger(t)
			seed(t, l, ctx, "r1")
			_, _, err := l.EnsureInterest(ctx, "r1", "alice", t0)
			require.NoError(t, err)
			_, err = l.Commit(ctx, "r1", "alice", t0, t0.Add(time.Hour))
			require.NoError(t, err)

			res, err := l.Release(ctx, "r1", "alice", tc.mode, t0.Add(tc.at))
			require.NoError(t, err)
			require.True(t, res.Applied)
			assert.False(t, res.Resource.Committed())
			assert.Equal(t, tc.want, res.Interest.Status)

			res, err = l.Release(ctx, "r1", "alice", tc.mode, t0.Add(tc.at))
			require.NoError(t, err)
			assert.False(t, res.Applied, "second release is a no-op")
			require.NoError(t, l.CheckInvariants(ctx, "r1"))
		})
	}
}

func TestForceReleaseClearsDeposit(t *testing.T) {
	l, ctx := newLedger(t)
	seed(t, l, ctx, "r1")
	_, _, err := l.EnsureInterest(ctx, "r1", "alice", t0)
	require.NoError(t, err)
	_, err = l.Commit(ctx, "r1", "alice", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	_, err = l.SecureDeposit(ctx, "r1", "alice", decimal.NewFromInt(5000), t0)
	require.NoError(t, err)

	res, err := l.Release(ctx, "r1", "alice", ledger.ReleaseCancel, t0)
	require.NoError(t, err)
	assert.False(t, res.Applied, "cancel cannot undo a secured deposit")

	res, err = l.ForceRelease(ctx, "r1", "alice", false, t0)
	require.NoError(t, err)
	assert.False(t, res.Applied, "deposit state is part of the predicate")

	res, err = l.ForceRelease(ctx, "r1", "alice", true, t0)
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.Equal(t, domain.InterestInactive, res.Interest.Status)
	assert.False(t, res.Resource.DepositPaid)
	assert.True(t, res.Resource.DepositAmount.IsZero())
	assert.Nil(t, res.Resource.DepositPaidAt)
	require.NoError(t, l.CheckInvariants(ctx, "r1"))
}

func TestListVisibleFiltersAndPages(t *testing.T) {
	l, ctx := newLedger(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		seed(t, l, ctx, id)
	}
	_, _, err := l.EnsureInterest(ctx, "b", "alice", t0)
	require.NoError(t, err)
	_, err = l.Commit(ctx, "b", "alice", t0, t0.Add(time.Hour))
	require.NoError(t, err)

	visible, err := l.ListVisible(ctx, domain.CatalogCriteria{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "d"}, ids(visible))

	page, err := l.ListVisible(ctx, domain.CatalogCriteria{AfterID: "a", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(page))

	low := decimal.NewFromInt(1000)
	none, err := l.ListVisible(ctx, domain.CatalogCriteria{MaxPrice: &low})
	require.NoError(t, err)
	assert.Empty(t, none)

	none, err = l.ListVisible(ctx, domain.CatalogCriteria{Development: "elsewhere"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListVisiblePriceCeilingIsExact(t *testing.T) {
	l, ctx := newLedger(t)
	for id, price := range map[string]string{
		"a": "12345678901234566.99",
		"b": "12345678901234567.00",
		"c": "12345678901234567.01",
		"d": "100",
	} {
		require.NoError(t, l.InsertResource(ctx, domain.Resource{
			ID: id, Title: "Unit " + id, ListPrice: decimal.RequireFromString(price), CreatedAt: t0,
		}))
	}

	ceiling := decimal.RequireFromString("12345678901234567.00")
	under, err := l.ListVisible(ctx, domain.CatalogCriteria{MaxPrice: &ceiling})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "d"}, ids(under))

	page, err := l.ListVisible(ctx, domain.CatalogCriteria{MaxPrice: &ceiling, AfterID: "a", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(page))
}

func TestCommitRoundsDeadlineUp(t *testing.T) {
	l, ctx := newLedger(t)
	seed(t, l, ctx, "a")
	_, _, err := l.EnsureInterest(ctx, "a", "alice", t0)
	require.NoError(t, err)

	start := t0.Add(900 * time.Microsecond)
	deadline := start.Add(time.Hour)
	res, err := l.Commit(ctx, "a", "alice", start, deadline)
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.True(t, res.Resource.CommitmentExpiresAt.Equal(t0.Add(time.Hour+time.Millisecond)))

	expired, err := l.ListExpiredCommitments(ctx, deadline)
	require.NoError(t, err)
	assert.Empty(t, expired)
	rel, err := l.Release(ctx, "a", "alice", ledger.ReleaseExpire, deadline.Add(-500*time.Microsecond))
	require.NoError(t, err)
	assert.False(t, rel.Applied)
}

func TestListExpiredCommitments(t *testing.T) {
	l, ctx := newLedger(t)
	seed(t, l, ctx, "r1")
	seed(t, l, ctx, "r2")
	for _, id := range []string{"r1", "r2"} {
		_, _, err := l.EnsureInterest(ctx, id, "alice", t0)
		require.NoError(t, err)
	}
	_, err := l.Commit(ctx, "r1", "alice", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	_, err = l.Commit(ctx, "r2", "alice", t0, t0.Add(3*time.Hour))
	require.NoError(t, err)

	expired, err := l.ListExpiredCommitments(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids(expired))

	open, err := l.ListOpenCommitments(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"r2"}, ids(open))
}

func TestViolationsDetectsBrokenHolder(t *testing.T) {
	holder := "alice"
	d := domain.ResourceDetail{
		Resource: domain.Resource{ID: "r1", CommittedActorID: &holder, CommitmentExpiresAt: &t0},
		Interests: []domain.Interest{
			{ID: "i1", ResourceID: "r1", ActorID: "bob", Status: domain.InterestCommitted},
		},
	}
	violations := ledger.Violations(d)
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0].Error(), "held by bob")

	d.Resource.CommittedActorID = nil
	d.Interests = nil
	violations = ledger.Violations(d)
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0].Error(), "deadline")
}

func ids(rs []domain.Resource) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}
