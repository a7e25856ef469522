package server

import (
	"time"

	"holdline/internal/domain"
	"holdline/internal/engine"
	"holdline/internal/guard"
)

// Request payloads

type CreateResourceRequest struct {
	ID          *string `json:"id,omitempty"`
	Title       string  `json:"title"`
	Development string  `json:"development,omitempty"`
	ListPrice   string  `json:"list_price,omitempty" example:"250000.00"`
}

type DepositRequest struct {
	Amount string `json:"amount" example:"2500"`
}

type ReleaseRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Response payloads

type ResourceResponse struct {
	ID                  string     `json:"id"`
	Title               string     `json:"title"`
	Development         string     `json:"development,omitempty"`
	ListPrice           string     `json:"list_price"`
	LifecycleStage      string     `json:"lifecycle_stage" enum:"PENDING,IN_PROGRESS,COMPLETED"`
	CommittedActorID    *string    `json:"committed_actor_id,omitempty"`
	CommitmentStartedAt *time.Time `json:"commitment_started_at,omitempty"`
	CommitmentExpiresAt *time.Time `json:"commitment_expires_at,omitempty"`
	DepositPaid         bool       `json:"deposit_paid"`
	DepositAmount       string     `json:"deposit_amount"`
	DepositPaidAt       *time.Time `json:"deposit_paid_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

type CatalogEntryResponse struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Development string `json:"development,omitempty"`
	ListPrice   string `json:"list_price"`
}

type CatalogListResponse struct {
	Items      []CatalogEntryResponse `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

type VisibilityResponse struct {
	ResourceID string `json:"resource_id"`
	Visible    bool   `json:"visible"`
}

type InterestResponse struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resource_id"`
	ActorID    string    `json:"actor_id"`
	Status     string    `json:"status" enum:"ACTIVE,COMMITTED,EXPIRED,INACTIVE,CONVERTED"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type ResourceDetailResponse struct {
	Resource  ResourceResponse   `json:"resource"`
	Interests []InterestResponse `json:"interests"`
}

type ReleaseResponse struct {
	Resource ResourceResponse `json:"resource"`
	ActorID  string           `json:"released_actor_id"`
	Refund   string           `json:"refund"`
}

type WhoAmIResponse struct {
	ActorID      string   `json:"actor_id"`
	Roles        []string `json:"roles"`
	Capabilities []string `json:"capabilities"`
}

type AuditResponse struct {
	Findings []engine.AuditFinding `json:"findings"`
}

func resourceResponse(r domain.Resource) ResourceResponse {
	return ResourceResponse{
		ID:                  r.ID,
		Title:               r.Title,
		Development:         r.Development,
		ListPrice:           r.ListPrice.String(),
		LifecycleStage:      string(r.LifecycleStage),
		CommittedActorID:    r.CommittedActorID,
		CommitmentStartedAt: r.CommitmentStartedAt,
		CommitmentExpiresAt: r.CommitmentExpiresAt,
		DepositPaid:         r.DepositPaid,
		DepositAmount:       r.DepositAmount.String(),
		DepositPaidAt:       r.DepositPaidAt,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

// catalogEntry deliberately omits every commitment field.
func catalogEntry(r domain.Resource) CatalogEntryResponse {
	return CatalogEntryResponse{
		ID:          r.ID,
		Title:       r.Title,
		Development: r.Development,
		ListPrice:   r.ListPrice.String(),
	}
}

func interestResponse(in domain.Interest) InterestResponse {
	return InterestResponse{
		ID:         in.ID,
		ResourceID: in.ResourceID,
		ActorID:    in.ActorID,
		Status:     string(in.Status),
		CreatedAt:  in.CreatedAt,
		UpdatedAt:  in.UpdatedAt,
	}
}

func detailResponse(d domain.ResourceDetail) ResourceDetailResponse {
	out := ResourceDetailResponse{
		Resource:  resourceResponse(d.Resource),
		Interests: make([]InterestResponse, 0, len(d.Interests)),
	}
	for _, in := range d.Interests {
		out.Interests = append(out.Interests, interestResponse(in))
	}
	return out
}

func releaseResponse(rel guard.Released) ReleaseResponse {
	return ReleaseResponse{
		Resource: resourceResponse(rel.Resource),
		ActorID:  rel.ActorID,
		Refund:   rel.Refund.String(),
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
