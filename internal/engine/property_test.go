package engine_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"holdline/internal/domain"
	"holdline/internal/engine"
)

type opKind int

const (
	opExpress opKind = iota
	opWithdraw
	opCommit
	opDeposit
	opCancel
	opForceRelease
	opAdvance
	opSweep
	opKinds
)

type op struct {
	Kind     opKind
	Resource int
	Actor    int
	Hours    int
}

func (o op) String() string {
	return fmt.Sprintf("%d(r%d,a%d,+%dh)", o.Kind, o.Resource, o.Actor, o.Hours)
}

var (
	propResources = []string{"R", "S"}
	propActors    = []string{"A", "B", "C"}
)

func genOp() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, int(opKinds)-1),
		gen.IntRange(0, len(propResources)-1),
		gen.IntRange(0, len(propActors)-1),
		gen.IntRange(1, 40),
	).Map(func(v []interface{}) op {
		return op{Kind: opKind(v[0].(int)), Resource: v[1].(int), Actor: v[2].(int), Hours: v[3].(int)}
	})
}

// apply runs one operation and reports an error only for outcomes outside the business
// taxonomy, i.e. infrastructure failures.
func apply(env *testEnv, o op) error {
	e := env.Engine
	r, a := propResources[o.Resource], propActors[o.Actor]
	var err error
	switch o.Kind {
	case opExpress:
		_, err = e.ExpressInterest(env.Ctx, r, a)
	case opWithdraw:
		_, err = e.WithdrawInterest(env.Ctx, r, a)
	case opCommit:
		_, err = e.Commit(env.Ctx, r, a)
	case opDeposit:
		_, err = e.PayDeposit(env.Ctx, r, a, decimal.NewFromInt(int64(o.Hours)*1000))
	case opCancel:
		_, err = e.CancelCommitment(env.Ctx, r, a)
	case opForceRelease:
		_, err = e.ForceRelease(env.Ctx, r, "ops", "property")
	case opAdvance:
		env.advance(time.Duration(o.Hours) * time.Hour)
	case opSweep:
		_, err = env.Sweep.Tick(env.Ctx)
	}
	var derr *domain.Error
	if err != nil && !errors.As(err, &derr) {
		return fmt.Errorf("%s: %w", o, err)
	}
	return nil
}

func TestInvariantsHoldUnderRandomInterleavings(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	parameters.MaxSize = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("commitment invariants hold after every step", prop.ForAll(
		func(ops []op) bool {
			env := newTestEnv(t)
			if _, err := env.Engine.CreateResource(env.Ctx, engine.CreateResourceOptions{ID: "S", Title: "Unit 5", ActorID: "ops"}); err != nil {
				t.Logf("create S: %v", err)
				return false
			}
			for i, o := range ops {
				if err := apply(env, o); err != nil {
					t.Logf("step %d: %v", i, err)
					return false
				}
				for _, r := range propResources {
					if err := env.Engine.Ledger.CheckInvariants(env.Ctx, r); err != nil {
						t.Logf("after step %d %s: %v", i, o, err)
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(genOp()),
	))

	properties.TestingRun(t)
}

// A commitment made at T is never released before T+grace and is released by the first
// sweep tick at or after T+grace.
func TestExpiryIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("visible again only at a tick >= T+grace", prop.ForAll(
		func(steps []int) bool {
			env := newTestEnv(t)
			grace := env.Engine.Config.GracePeriod()
			if _, err := env.Engine.ExpressInterest(env.Ctx, "R", "A"); err != nil {
				return false
			}
			r, err := env.Engine.Commit(env.Ctx, "R", "A")
			if err != nil {
				return false
			}
			committedAt := *r.CommitmentStartedAt
			for _, minutes := range steps {
				env.advance(time.Duration(minutes) * time.Minute)
				if _, err := env.Sweep.Tick(env.Ctx); err != nil {
					return false
				}
				visible, err := env.Engine.IsVisible(env.Ctx, "R")
				if err != nil {
					return false
				}
				due := !env.now.Before(committedAt.Add(grace))
				if visible != due {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(1, 12*60)),
	))

	properties.TestingRun(t)
}
