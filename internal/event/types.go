package event

import "context"

// Handler is the interface for event handlers.
type Handler interface {
	// Handle processes an envelope. Errors are logged and isolated by
	// the bus; they never reach the publisher.
	Handle(ctx context.Context, env Envelope) error
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, env Envelope) error

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

// FilterFunc is a predicate for filtering envelopes.
// Return true to deliver the envelope, false to skip it.
type FilterFunc func(env Envelope) bool

// Scheduler schedules asynchronous handler deliveries. The task
// executor implements it; the orchestrator binds it to the bus after
// both exist.
type Scheduler interface {
	// Schedule runs fn on a worker at the given priority.
	Schedule(priority Priority, fn func(ctx context.Context)) error
}

// Stats contains event bus counters.
type Stats struct {
	// EventsPublished is the total number of envelopes published.
	EventsPublished uint64

	// EventsDelivered is the total number of successful deliveries.
	EventsDelivered uint64

	// EventsDropped is the number of async deliveries the scheduler refused.
	EventsDropped uint64

	// HandlerErrors is the number of handlers that returned errors.
	HandlerErrors uint64

	// HandlerPanics is the number of handlers that panicked.
	HandlerPanics uint64

	// ActiveSubscriptions is the current number of active subscriptions.
	ActiveSubscriptions int
}
