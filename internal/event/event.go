// Package event provides the publish/subscribe fabric that decouples
// Heimdall's components. Publishers emit immutable envelopes on
// hierarchical topics; subscribers receive them synchronously on the
// publisher's goroutine or asynchronously through the task executor.
package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/bsundem/Heimdall/internal/event/topic"
)

// Topic re-exports the topic type so callers publishing events do not
// need a separate import for the common case.
type Topic = topic.Topic

// Priority determines both handler invocation order within a single
// publish and the scheduling priority of async deliveries.
// Lower values execute first.
type Priority int

const (
	// PriorityHigh is for handlers that must observe events first.
	PriorityHigh Priority = 0

	// PriorityNormal is the default priority.
	PriorityNormal Priority = 100

	// PriorityLow is for trailing handlers such as metrics and logging.
	PriorityLow Priority = 200
)

// String returns a human-readable priority name.
func (p Priority) String() string {
	switch {
	case p <= PriorityHigh:
		return "high"
	case p <= PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// DeliveryMode specifies how events are delivered to a handler.
type DeliveryMode int

const (
	// DeliverySync executes the handler inline on the publisher's
	// goroutine before Publish returns.
	DeliverySync DeliveryMode = iota

	// DeliveryAsync hands the delivery to the bound scheduler; Publish
	// returns without waiting for it.
	DeliveryAsync
)

// String returns a human-readable delivery mode name.
func (m DeliveryMode) String() string {
	if m == DeliverySync {
		return "sync"
	}
	return "async"
}

// Envelope is one published event. Envelopes are immutable once created.
type Envelope struct {
	// Topic is the hierarchical event type (e.g. "task.completed").
	Topic topic.Topic

	// Payload is the event-specific data, opaque to the bus.
	Payload any

	// Priority is the envelope's dispatch priority.
	Priority Priority

	// ID uniquely identifies this envelope instance.
	ID string

	// Timestamp is when the envelope was created.
	Timestamp time.Time

	// Source identifies the component that published the envelope.
	Source string

	// CorrelationID links related envelopes (e.g. command/result).
	CorrelationID string
}

// NewEnvelope creates an envelope with a fresh ID and timestamp.
func NewEnvelope(t topic.Topic, payload any) Envelope {
	return Envelope{
		Topic:     t,
		Payload:   payload,
		Priority:  PriorityNormal,
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
	}
}

// WithPriority returns a copy of the envelope with the given priority.
func (e Envelope) WithPriority(p Priority) Envelope {
	e.Priority = p
	return e
}

// WithSource returns a copy of the envelope with the source set.
func (e Envelope) WithSource(source string) Envelope {
	e.Source = source
	return e
}

// WithCorrelation returns a copy of the envelope with a correlation ID.
func (e Envelope) WithCorrelation(correlationID string) Envelope {
	e.CorrelationID = correlationID
	return e
}
