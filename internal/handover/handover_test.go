package handover_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"holdline/internal/db"
	"holdline/internal/domain"
	"holdline/internal/guard"
	"holdline/internal/handover"
	"holdline/internal/ledger"
	"holdline/internal/migrate"
)

func TestHandoverLifecycle(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))
	ctx := context.Background()
	l := ledger.Ledger{DB: conn}
	g, err := guard.New(l, guard.Config{GracePeriod: time.Hour})
	require.NoError(t, err)
	h := handover.Service{DB: conn}

	require.NoError(t, l.InsertResource(ctx, domain.Resource{ID: "r1", Title: "Unit", CreatedAt: time.Now()}))
	_, _, err = l.EnsureInterest(ctx, "r1", "alice", time.Now())
	require.NoError(t, err)

	_, err = h.Begin(ctx, "r1")
	assert.ErrorIs(t, err, handover.ErrNotSecured)

	_, err = g.TryCommit(ctx, "r1", "alice")
	require.NoError(t, err)
	_, err = h.Begin(ctx, "r1")
	assert.ErrorIs(t, err, handover.ErrNotSecured)

	_, err = h.Complete(ctx, "r1")
	assert.ErrorIs(t, err, handover.ErrWrongStage)

	_, err = g.SecureDeposit(ctx, "r1", "alice", decimal.NewFromInt(1000))
	require.NoError(t, err)
	r, err := h.Begin(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageInProgress, r.LifecycleStage)
	assert.True(t, r.HeldBy("alice"))

	in, _, err := l.GetInterest(ctx, "r1", "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.InterestConverted, in.Status)
	require.NoError(t, l.CheckInvariants(ctx, "r1"))

	_, err = g.ForceRelease(ctx, "r1")
	assert.ErrorIs(t, err, domain.ErrResourceNotEligible)

	r, err = h.Complete(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, r.LifecycleStage)

	_, err = h.Begin(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrResourceNotFound)
}
