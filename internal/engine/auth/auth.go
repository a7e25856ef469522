// Package auth answers one question for the commitment service: may this actor exercise
// this capability. Capabilities come from roles; roles come from the caller's verified
// credentials or from the configured assignments. No actor is exempt from the check.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"holdline/internal/config"
)

// ErrActorRequired is returned when an operation is attempted without an actor identity.
var ErrActorRequired = errors.New("actor_id required")

// ForbiddenError indicates a missing capability.
type ForbiddenError struct {
	ActorID    string
	Capability string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("capability %s required", e.Capability)
}

// Principal is an authenticated caller.
type Principal struct {
	ActorID string
	Roles   []string
	Source  string
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type Authorizer interface {
	Authorize(ctx context.Context, actorID, capability string) error
}

// RoleAuthorizer grants capabilities through roles. Roles are resolved in order: the
// principal attached to ctx (when it is the same actor and carries roles), the actor's
// configured assignments, then the default role.
type RoleAuthorizer struct {
	roles       map[string]map[string]struct{}
	assignments map[string][]string
	defaultRole string
}

func NewRoleAuthorizer(cfg config.AuthConfig) RoleAuthorizer {
	roles := make(map[string]map[string]struct{}, len(cfg.Roles))
	for role, caps := range cfg.Roles {
		set := make(map[string]struct{}, len(caps))
		for _, c := range caps {
			set[c] = struct{}{}
		}
		roles[role] = set
	}
	return RoleAuthorizer{roles: roles, assignments: cfg.Assignments, defaultRole: cfg.DefaultRole}
}

func (a RoleAuthorizer) Authorize(ctx context.Context, actorID, capability string) error {
	if actorID == "" {
		return ErrActorRequired
	}
	for _, role := range a.RolesFor(ctx, actorID) {
		if _, ok := a.roles[role][capability]; ok {
			return nil
		}
	}
	return ForbiddenError{ActorID: actorID, Capability: capability}
}

func (a RoleAuthorizer) RolesFor(ctx context.Context, actorID string) []string {
	if p, ok := PrincipalFrom(ctx); ok && p.ActorID == actorID && len(p.Roles) > 0 {
		return p.Roles
	}
	if roles := a.assignments[actorID]; len(roles) > 0 {
		return roles
	}
	if a.defaultRole != "" {
		return []string{a.defaultRole}
	}
	return nil
}

// Capabilities lists what the actor may do, sorted.
func (a RoleAuthorizer) Capabilities(ctx context.Context, actorID string) []string {
	set := map[string]struct{}{}
	for _, role := range a.RolesFor(ctx, actorID) {
		for c := range a.roles[role] {
			set[c] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
