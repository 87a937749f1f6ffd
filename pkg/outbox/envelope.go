package outbox

import (
	"context"
	"encoding/json"
	"time"
)

// ActorRef identifies who produced the event. Donors are never actors.
type ActorRef struct {
	Kind    string `json:"kind"`
	Subject string `json:"subject,omitempty"`
}

const (
	ActorKindEngine   = "engine"
	ActorKindOperator = "operator"
	ActorKindCron     = "cron"
)

// PayloadEnvelope is the stable payload structure stored in outbox_events.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}

type actorKey struct{}

// WithActor attaches the acting party to ctx so emitters can stamp it.
func WithActor(ctx context.Context, actor ActorRef) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor carried by ctx, or fallback.
func ActorFrom(ctx context.Context, fallback ActorRef) *ActorRef {
	if actor, ok := ctx.Value(actorKey{}).(ActorRef); ok && actor.Kind != "" {
		return &actor
	}
	return &fallback
}
