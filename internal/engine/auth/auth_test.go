package auth_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"holdline/internal/config"
	"holdline/internal/engine/auth"
)

func TestRoleAuthorizer(t *testing.T) {
	cfg := config.Default().Auth
	cfg.Assignments = map[string][]string{"ops": {"admin"}}
	a := auth.NewRoleAuthorizer(cfg)
	ctx := context.Background()

	require.NoError(t, a.Authorize(ctx, "alice", config.CapCommit))

	err := a.Authorize(ctx, "alice", config.CapForceRelease)
	var forbidden auth.ForbiddenError
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, config.CapForceRelease, forbidden.Capability)

	require.NoError(t, a.Authorize(ctx, "ops", config.CapForceRelease))
	assert.Error(t, a.Authorize(ctx, "ops", config.CapCommit), "assignments replace the default role")

	assert.ErrorIs(t, a.Authorize(ctx, "", config.CapCommit), auth.ErrActorRequired)
}

func TestPrincipalRolesApplyOnlyToSameActor(t *testing.T) {
	a := auth.NewRoleAuthorizer(config.Default().Auth)
	ctx := auth.WithPrincipal(context.Background(), auth.Principal{ActorID: "carol", Roles: []string{"admin"}, Source: "jwt"})

	require.NoError(t, a.Authorize(ctx, "carol", config.CapResourceManage))
	assert.Error(t, a.Authorize(ctx, "dave", config.CapResourceManage))
	assert.Equal(t, []string{config.CapForceRelease, config.CapResourceManage}, a.Capabilities(ctx, "carol"))
}

func TestNoDefaultRoleGrantsNothing(t *testing.T) {
	cfg := config.Default().Auth
	cfg.DefaultRole = ""
	a := auth.NewRoleAuthorizer(cfg)
	assert.Error(t, a.Authorize(context.Background(), "alice", config.CapInterestExpress))
	assert.Empty(t, a.Capabilities(context.Background(), "alice"))
}
