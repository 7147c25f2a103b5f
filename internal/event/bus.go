package event

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bsundem/Heimdall/internal/event/dispatch"
	"github.com/bsundem/Heimdall/internal/event/topic"
)

// Bus is the central event bus.
type Bus struct {
	registry *registry
	executor *dispatch.Executor
	logger   *zap.Logger

	mu        sync.RWMutex
	scheduler Scheduler

	closed atomic.Bool

	// Stats
	eventsPublished atomic.Uint64
	eventsDelivered atomic.Uint64
	eventsDropped   atomic.Uint64
	handlerErrors   atomic.Uint64
	handlerPanics   atomic.Uint64
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger *zap.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithScheduler binds the async delivery scheduler at construction.
func WithScheduler(s Scheduler) BusOption {
	return func(b *Bus) { b.scheduler = s }
}

// NewBus creates a new event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		registry: newRegistry(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.executor = dispatch.NewExecutor(dispatch.WithPanicHandler(func(event any, panicValue any, stack []byte) {
		b.handlerPanics.Add(1)
		env, _ := event.(Envelope)
		b.logger.Error("event handler panicked",
			zap.String("topic", env.Topic.String()),
			zap.Any("panic", panicValue),
			zap.ByteString("stack", stack),
		)
	}))

	return b
}

// BindScheduler binds the async delivery scheduler. The orchestrator
// calls this once the task executor exists; until then async deliveries
// fall back to one goroutine each.
func (b *Bus) BindScheduler(s Scheduler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scheduler = s
}

// Publish delivers the envelope to the subscribers matching its topic
// at the time of the call. Sync subscribers run inline in descending
// priority then registration order; async subscribers are scheduled and
// Publish does not wait for them. Handler failures are isolated.
func (b *Bus) Publish(ctx context.Context, env Envelope) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if !env.Topic.IsValid() || env.Topic.IsPattern() {
		return ErrInvalidTopic
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}

	b.eventsPublished.Add(1)

	// Snapshot of matching subscribers; later subscribes or
	// unsubscribes do not affect this pass.
	subs := b.registry.match(env.Topic)

	for _, sub := range subs {
		if !sub.shouldDeliver(env) {
			continue
		}

		switch sub.config.Mode {
		case DeliverySync:
			b.deliver(ctx, env, sub)
		case DeliveryAsync:
			b.scheduleAsync(env, sub)
		}
	}

	return nil
}

// PublishTopic is a convenience wrapper building an envelope from a
// topic and payload.
func (b *Bus) PublishTopic(ctx context.Context, t topic.Topic, payload any) error {
	return b.Publish(ctx, NewEnvelope(t, payload))
}

// deliver runs one sync handler through the panic-isolating executor.
func (b *Bus) deliver(ctx context.Context, env Envelope, sub *subscription) {
	result := b.executor.Execute(ctx, env, handlerAdapter{sub.handler})

	switch {
	case result.Panicked:
		// Counted and logged by the executor's panic handler.
	case result.Error != nil && !result.Skipped:
		b.handlerErrors.Add(1)
		derr := &DispatchError{SubscriptionID: sub.ID(), Topic: env.Topic.String(), Err: result.Error}
		b.logger.Warn("event handler failed",
			zap.String("topic", env.Topic.String()),
			zap.String("subscription", sub.ID()),
			zap.Error(derr.Err),
		)
	case result.Success:
		b.eventsDelivered.Add(1)
	}
}

// scheduleAsync hands one delivery to the scheduler as an independent
// unit of work.
func (b *Bus) scheduleAsync(env Envelope, sub *subscription) {
	b.mu.RLock()
	scheduler := b.scheduler
	b.mu.RUnlock()

	// The subscription was selected at publish time; cancellation after
	// selection does not revoke this delivery.
	run := func(ctx context.Context) {
		b.deliver(ctx, env, sub)
	}

	if scheduler == nil {
		go run(context.Background())
		return
	}

	if err := scheduler.Schedule(sub.config.Priority, run); err != nil {
		b.eventsDropped.Add(1)
		b.logger.Warn("async delivery dropped",
			zap.String("topic", env.Topic.String()),
			zap.String("subscription", sub.ID()),
			zap.Error(err),
		)
	}
}

// Subscribe binds a handler to a topic pattern.
func (b *Bus) Subscribe(pattern topic.Topic, handler Handler, opts ...SubscriptionOption) (Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if !pattern.IsValid() {
		return nil, ErrInvalidTopic
	}

	sub := newSubscription(uuid.NewString(), pattern, handler, b.registry.seq(), opts...)
	b.registry.add(sub)
	return sub, nil
}

// SubscribeFunc is a convenience method for subscribing a function.
func (b *Bus) SubscribeFunc(pattern topic.Topic, fn HandlerFunc, opts ...SubscriptionOption) (Subscription, error) {
	return b.Subscribe(pattern, fn, opts...)
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(sub Subscription) error {
	if sub == nil {
		return ErrInvalidSubscription
	}

	sub.Cancel()
	if !b.registry.remove(sub.ID()) {
		return ErrSubscriptionNotFound
	}
	return nil
}

// RemoveOwner removes every subscription tagged with the owner id.
// Returns the number of subscriptions removed.
func (b *Bus) RemoveOwner(owner string) int {
	return b.registry.removeOwner(owner)
}

// SubscriptionsFor returns the number of subscriptions tagged with the
// owner id.
func (b *Bus) SubscriptionsFor(owner string) int {
	return b.registry.countOwner(owner)
}

// Close closes the bus. Publishes after Close fail with ErrBusClosed;
// existing subscriptions can still be removed.
func (b *Bus) Close() {
	b.closed.Store(true)
}

// IsClosed reports whether the bus has been closed.
func (b *Bus) IsClosed() bool {
	return b.closed.Load()
}

// Stats returns current bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		EventsPublished:     b.eventsPublished.Load(),
		EventsDelivered:     b.eventsDelivered.Load(),
		EventsDropped:       b.eventsDropped.Load(),
		HandlerErrors:       b.handlerErrors.Load(),
		HandlerPanics:       b.handlerPanics.Load(),
		ActiveSubscriptions: b.registry.countActive(),
	}
}

// handlerAdapter bridges event.Handler to dispatch.Handler.
type handlerAdapter struct {
	h Handler
}

func (a handlerAdapter) Handle(ctx context.Context, event any) error {
	env, ok := event.(Envelope)
	if !ok {
		return nil
	}
	return a.h.Handle(ctx, env)
}
