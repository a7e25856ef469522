// Package notify delivers commitment events to external collaborators. Delivery is best
// effort: a Notifier never reports failure to the operation that produced the event.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	EventCommitted      = "commitment.committed"
	EventExpiryWarning  = "commitment.expiry_warning"
	EventExpired        = "commitment.expired"
	EventCancelled      = "commitment.cancelled"
	EventReleased       = "commitment.released"
	EventDepositSecured = "deposit.secured"
	EventInterest       = "interest.expressed"
	EventWithdrawn      = "interest.withdrawn"
)

// EventTypes lists every event a webhook may subscribe to.
var EventTypes = []string{
	EventCommitted,
	EventExpiryWarning,
	EventExpired,
	EventCancelled,
	EventReleased,
	EventDepositSecured,
	EventInterest,
	EventWithdrawn,
}

type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	ResourceID string         `json:"resource_id"`
	ActorID    string         `json:"actor_id,omitempty"`
	At         time.Time      `json:"ts"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// NewEvent stamps an event with a fresh id.
func NewEvent(typ, resourceID, actorID string, at time.Time, payload map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		ResourceID: resourceID,
		ActorID:    actorID,
		At:         at.UTC(),
		Payload:    payload,
	}
}

type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Multi fans an event out to each notifier in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, evt Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, evt)
		}
	}
}

// Log writes one structured line per event.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(ctx context.Context, evt Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		slog.String("event", evt.Type),
		slog.String("resource_id", evt.ResourceID),
	}
	if evt.ActorID != "" {
		attrs = append(attrs, slog.String("actor_id", evt.ActorID))
	}
	for k, v := range evt.Payload {
		attrs = append(attrs, slog.Any(k, v))
	}
	logger.InfoContext(ctx, "notify", attrs...)
}
