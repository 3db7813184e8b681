package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/docbulk/internal/domain"
)

// OutcomeEvent reports the result of one stage attempt for one document.
// It is emitted after the outcome has been written to the ledger.
type OutcomeEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	Identifier string           `json:"identifier"`
	Stage      domain.Stage     `json:"stage"`
	OK         bool             `json:"ok"`
	Kind       domain.ErrorKind `json:"kind,omitempty"`
	RemoteID   string           `json:"remote_id,omitempty"`

	// Duration covers the remote call and any transport retries inside it.
	Duration time.Duration `json:"duration"`

	// CreatedAt is the timestamp when the event was created
	CreatedAt time.Time `json:"created_at"`
}

// Outcome returns "success" or "error", the label used in logs and metrics.
func (e *OutcomeEvent) Outcome() string {
	if e.OK {
		return string(domain.StageSuccess)
	}
	return string(domain.StageError)
}

// NewOutcomeEvent creates an OutcomeEvent for the given stage result.
func NewOutcomeEvent(
	identifier string,
	stage domain.Stage,
	ok bool,
	kind domain.ErrorKind,
	remoteID string,
	duration time.Duration,
) *OutcomeEvent {
	return &OutcomeEvent{
		ID:         uuid.New(),
		Identifier: identifier,
		Stage:      stage,
		OK:         ok,
		Kind:       kind,
		RemoteID:   remoteID,
		Duration:   duration,
		CreatedAt:  time.Now().UTC(),
	}
}

// EventHandler defines an interface for components that react to outcomes.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	HandleEvent(ctx context.Context, event *OutcomeEvent) error
}

// EventEmitter defines an interface for components that can emit events.
// The upload executor publishes outcomes without knowing who consumes them.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	EmitEvent(ctx context.Context, event *OutcomeEvent) error
}

// NopEmitter discards every event.
type NopEmitter struct{}

// EmitEvent implements EventEmitter.
func (NopEmitter) EmitEvent(context.Context, *OutcomeEvent) error { return nil }
