// Package bus defines the event kinds flowing between the engine's handlers
// and the publishers that carry them.
package bus

import "context"

// Kind names an event on the bus.
type Kind string

// Inbound events.
const (
	KindSignalDetected        Kind = "SIGNAL_DETECTED"
	KindLifecycleStateChanged Kind = "LIFECYCLE_STATE_CHANGED"
	KindRunDecision           Kind = "RUN_DECISION"
	KindRunDecisionDeferred   Kind = "RUN_DECISION_DEFERRED"
	KindActionApproved        Kind = "ACTION_APPROVED"
	KindAuditExportRequested  Kind = "AuditExportRequested"
)

// Outbound events.
const (
	KindSignalCreated          Kind = "SIGNAL_CREATED"
	KindConnectorPollCompleted Kind = "CONNECTOR_POLL_COMPLETED"
	KindConnectorPollFailed    Kind = "CONNECTOR_POLL_FAILED"
)

// Event is a named event with a JSON-compatible detail payload.
type Event struct {
	Kind   Kind           `json:"kind"`
	Detail map[string]any `json:"detail"`
}

// Publisher emits events. Delivery retry policy belongs to the bus, not to
// the emitting component.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Handler consumes one event.
type Handler func(ctx context.Context, e Event) error

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, e Event) error

func (f PublisherFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

// Discard drops all events. Used where emission is optional.
var Discard Publisher = PublisherFunc(func(context.Context, Event) error { return nil })
