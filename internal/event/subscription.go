package event

import (
	"sync/atomic"

	"github.com/bsundem/Heimdall/internal/event/topic"
)

// Subscription represents one handler bound to a topic pattern.
type Subscription interface {
	// ID returns the unique subscription identifier.
	ID() string

	// Topic returns the subscribed topic pattern.
	Topic() topic.Topic

	// Owner returns the owner tag, if any (e.g. a plugin id).
	Owner() string

	// IsActive returns true if the subscription can receive events.
	IsActive() bool

	// Cancel permanently cancels the subscription. A cancelled
	// subscription is skipped by dispatch passes that have not yet
	// selected it; passes that already selected it still deliver.
	Cancel()
}

// SubscriptionConfig holds per-subscription settings.
type SubscriptionConfig struct {
	// Priority determines invocation order (lower values first).
	Priority Priority

	// Mode selects sync or async delivery.
	Mode DeliveryMode

	// MinPriority filters out envelopes below this priority.
	// Envelope priorities compare "higher" as numerically lower.
	MinPriority Priority

	// Filter is an optional envelope predicate.
	Filter FilterFunc

	// Owner tags the subscription for bulk removal on plugin shutdown.
	Owner string
}

// DefaultSubscriptionConfig returns the default settings.
func DefaultSubscriptionConfig() SubscriptionConfig {
	return SubscriptionConfig{
		Priority:    PriorityNormal,
		Mode:        DeliverySync,
		MinPriority: PriorityLow,
	}
}

// SubscriptionOption configures a subscription.
type SubscriptionOption func(*SubscriptionConfig)

// WithPriority sets the invocation-order priority.
func WithPriority(p Priority) SubscriptionOption {
	return func(c *SubscriptionConfig) { c.Priority = p }
}

// WithMode sets the delivery mode.
func WithMode(m DeliveryMode) SubscriptionOption {
	return func(c *SubscriptionConfig) { c.Mode = m }
}

// WithMinPriority delivers only envelopes at or above the given priority.
func WithMinPriority(p Priority) SubscriptionOption {
	return func(c *SubscriptionConfig) { c.MinPriority = p }
}

// WithFilter sets an envelope predicate.
func WithFilter(f FilterFunc) SubscriptionOption {
	return func(c *SubscriptionConfig) { c.Filter = f }
}

// WithOwner tags the subscription with an owner id.
func WithOwner(owner string) SubscriptionOption {
	return func(c *SubscriptionConfig) { c.Owner = owner }
}

// subscription is the internal Subscription implementation.
type subscription struct {
	id        string
	pattern   topic.Topic
	handler   Handler
	config    SubscriptionConfig
	seq       uint64 // registration order, tiebreak for equal priority
	cancelled atomic.Bool
}

func newSubscription(id string, pattern topic.Topic, h Handler, seq uint64, opts ...SubscriptionOption) *subscription {
	config := DefaultSubscriptionConfig()
	for _, opt := range opts {
		opt(&config)
	}

	return &subscription{
		id:      id,
		pattern: pattern,
		handler: h,
		config:  config,
		seq:     seq,
	}
}

// ID returns the subscription ID.
func (s *subscription) ID() string {
	return s.id
}

// Topic returns the subscribed topic pattern.
func (s *subscription) Topic() topic.Topic {
	return s.pattern
}

// Owner returns the owner tag.
func (s *subscription) Owner() string {
	return s.config.Owner
}

// IsActive returns true if the subscription has not been cancelled.
func (s *subscription) IsActive() bool {
	return !s.cancelled.Load()
}

// Cancel permanently cancels the subscription.
func (s *subscription) Cancel() {
	s.cancelled.Store(true)
}

// shouldDeliver reports whether the envelope passes this subscription's
// priority and predicate filters. Liveness is checked at selection
// time, not here: a subscription cancelled mid-pass still receives the
// envelope it was selected for.
func (s *subscription) shouldDeliver(env Envelope) bool {
	if env.Priority > s.config.MinPriority {
		return false
	}
	if s.config.Filter != nil && !s.config.Filter(env) {
		return false
	}
	return true
}
