package ledger

import (
	"context"
	"errors"
	"fmt"

	"holdline/internal/domain"
)

// InvariantViolation describes a resource whose commitment fields disagree with its interests.
type InvariantViolation struct {
	ResourceID string
	Rule       string
	Detail     string
}

func (v InvariantViolation) Error() string {
	return fmt.Sprintf("resource %s violates %s: %s", v.ResourceID, v.Rule, v.Detail)
}

// CheckInvariants verifies the commitment invariants for one resource against a single
// consistent read. It returns nil, or an error joining every InvariantViolation found.
func (l Ledger) CheckInvariants(ctx context.Context, resourceID string) error {
	d, err := l.Detail(ctx, resourceID)
	if err != nil {
		return err
	}
	return errors.Join(Violations(d)...)
}

// Violations evaluates the invariants on an already-loaded resource detail.
//
//   - holder: committed_actor_id is set iff exactly one interest is COMMITTED (or CONVERTED
//     once handover began) and that interest belongs to the committed actor.
//   - deposit: deposit_paid implies a committed actor.
//   - deadline: commitment_expires_at is set iff committed and unpaid.
//   - open: at most one ACTIVE/COMMITTED interest per actor.
func Violations(d domain.ResourceDetail) []error {
	r := d.Resource
	var out []error
	add := func(rule, format string, args ...any) {
		out = append(out, InvariantViolation{ResourceID: r.ID, Rule: rule, Detail: fmt.Sprintf(format, args...)})
	}
	var holders []domain.Interest
	open := map[string]int{}
	for _, in := range d.Interests {
		switch in.Status {
		case domain.InterestCommitted, domain.InterestConverted:
			holders = append(holders, in)
		}
		if !in.Status.Terminal() {
			open[in.ActorID]++
		}
	}
	switch {
	case r.CommittedActorID == nil && len(holders) > 0:
		add("holder", "no committed actor but %d holding interest(s)", len(holders))
	case r.CommittedActorID != nil && len(holders) != 1:
		add("holder", "committed to %s but %d holding interest(s)", *r.CommittedActorID, len(holders))
	case r.CommittedActorID != nil && holders[0].ActorID != *r.CommittedActorID:
		add("holder", "committed to %s but interest held by %s", *r.CommittedActorID, holders[0].ActorID)
	}
	if r.CommittedActorID == nil && r.CommitmentStartedAt != nil {
		add("holder", "commitment_started_at set without a committed actor")
	}
	if r.DepositPaid && r.CommittedActorID == nil {
		add("deposit", "deposit paid without a committed actor")
	}
	wantDeadline := r.CommittedActorID != nil && !r.DepositPaid
	if (r.CommitmentExpiresAt != nil) != wantDeadline {
		add("deadline", "commitment_expires_at present=%t, expected %t", r.CommitmentExpiresAt != nil, wantDeadline)
	}
	for actorID, n := range open {
		if n > 1 {
			add("open", "actor %s has %d open interests", actorID, n)
		}
	}
	return out
}
