package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LifecycleStage is owned by the handover subsystem; the commitment core only reads it.
type LifecycleStage string

const (
	StagePending    LifecycleStage = "PENDING"
	StageInProgress LifecycleStage = "IN_PROGRESS"
	StageCompleted  LifecycleStage = "COMPLETED"
)

type InterestStatus string

const (
	InterestActive    InterestStatus = "ACTIVE"
	InterestCommitted InterestStatus = "COMMITTED"
	InterestExpired   InterestStatus = "EXPIRED"
	InterestInactive  InterestStatus = "INACTIVE"
	InterestConverted InterestStatus = "CONVERTED"
)

// Terminal reports whether no further transition may leave the status.
func (s InterestStatus) Terminal() bool {
	switch s {
	case InterestExpired, InterestInactive, InterestConverted:
		return true
	}
	return false
}

// Resource is a reservable unit. CommittedActorID is a weak reference to an actor.
type Resource struct {
	ID                  string          `json:"id"`
	Title               string          `json:"title"`
	Development         string          `json:"development,omitempty"`
	ListPrice           decimal.Decimal `json:"list_price"`
	LifecycleStage      LifecycleStage  `json:"lifecycle_stage" enum:"PENDING,IN_PROGRESS,COMPLETED"`
	CommittedActorID    *string         `json:"committed_actor_id,omitempty"`
	CommitmentStartedAt *time.Time      `json:"commitment_started_at,omitempty" format:"date-time"`
	CommitmentExpiresAt *time.Time      `json:"commitment_expires_at,omitempty" format:"date-time"`
	DepositPaid         bool            `json:"deposit_paid"`
	DepositAmount       decimal.Decimal `json:"deposit_amount"`
	DepositPaidAt       *time.Time      `json:"deposit_paid_at,omitempty" format:"date-time"`
	CreatedAt           time.Time       `json:"created_at" format:"date-time"`
	UpdatedAt           time.Time       `json:"updated_at" format:"date-time"`
}

// Committed reports whether some actor currently holds the resource.
func (r Resource) Committed() bool {
	return r.CommittedActorID != nil
}

// HeldBy reports whether actorID is the committed actor.
func (r Resource) HeldBy(actorID string) bool {
	return r.CommittedActorID != nil && *r.CommittedActorID == actorID
}

type Interest struct {
	ID         string         `json:"id"`
	ResourceID string         `json:"resource_id"`
	ActorID    string         `json:"actor_id"`
	Status     InterestStatus `json:"status" enum:"ACTIVE,COMMITTED,EXPIRED,INACTIVE,CONVERTED"`
	CreatedAt  time.Time      `json:"created_at" format:"date-time"`
	UpdatedAt  time.Time      `json:"updated_at" format:"date-time"`
}

// ResourceDetail is a resource together with every interest recorded against it.
type ResourceDetail struct {
	Resource  Resource   `json:"resource"`
	Interests []Interest `json:"interests"`
}

// CatalogCriteria narrows a catalog listing. Zero values mean "no filter".
type CatalogCriteria struct {
	Development string
	MaxPrice    *decimal.Decimal
	Limit       int
	AfterID     string
}
