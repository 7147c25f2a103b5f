package plugin

import (
	"context"
	"sync"
	"time"

	"github.com/bsundem/Heimdall/internal/config"
	"github.com/bsundem/Heimdall/internal/event"
	"github.com/bsundem/Heimdall/internal/task"
)

// ConfigReader is the read-only configuration surface handed to plugins.
type ConfigReader interface {
	Current() *config.Snapshot
}

// Submitter is the task submission surface handed to plugins.
type Submitter interface {
	Submit(fn task.Fn, opts ...task.SubmitOption) (*task.Handle, error)
	Cancel(h *task.Handle)
	Await(ctx context.Context, h *task.Handle, timeout time.Duration) (any, error)
}

// ServiceRegistry records named capabilities offered by plugins. The
// orchestrator owns the implementation.
type ServiceRegistry interface {
	Register(name, owner string, service any) error
	Unregister(name string) bool
	UnregisterOwner(owner string) int
}

// Capabilities is the handle passed to a plugin's Initialize hook. It
// is the plugin's only access to the rest of the system; plugins never
// hold references to each other's internals. All registrations are
// tagged with the owning plugin id so they can be removed transitively
// at shutdown.
type Capabilities struct {
	owner    string
	config   ConfigReader
	bus      *event.Bus
	tasks    Submitter
	registry ServiceRegistry

	mu       sync.Mutex
	subs     []event.Subscription
	services []string
	revoked  bool
}

func newCapabilities(owner string, cfg ConfigReader, bus *event.Bus, tasks Submitter, registry ServiceRegistry) *Capabilities {
	return &Capabilities{
		owner:    owner,
		config:   cfg,
		bus:      bus,
		tasks:    tasks,
		registry: registry,
	}
}

// Owner returns the owning plugin id.
func (c *Capabilities) Owner() string { return c.owner }

// Config returns the current configuration snapshot.
func (c *Capabilities) Config() *config.Snapshot {
	return c.config.Current()
}

// Publish emits an event tagged with the plugin as its source.
func (c *Capabilities) Publish(ctx context.Context, t event.Topic, payload any) error {
	return c.bus.Publish(ctx, event.NewEnvelope(t, payload).WithSource(c.owner))
}

// Subscribe registers an owner-tagged handler. The subscription is
// removed automatically when the plugin shuts down.
func (c *Capabilities) Subscribe(pattern event.Topic, fn event.HandlerFunc, opts ...event.SubscriptionOption) (event.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.revoked {
		return nil, ErrNotActive
	}

	opts = append(opts, event.WithOwner(c.owner))
	sub, err := c.bus.SubscribeFunc(pattern, fn, opts...)
	if err != nil {
		return nil, err
	}
	c.subs = append(c.subs, sub)
	return sub, nil
}

// Submit queues work on the shared executor.
func (c *Capabilities) Submit(fn task.Fn, opts ...task.SubmitOption) (*task.Handle, error) {
	return c.tasks.Submit(fn, opts...)
}

// CancelTask requests cooperative cancellation of a submitted task.
func (c *Capabilities) CancelTask(h *task.Handle) {
	c.tasks.Cancel(h)
}

// AwaitTask blocks until the task finishes or the timeout expires.
func (c *Capabilities) AwaitTask(ctx context.Context, h *task.Handle, timeout time.Duration) (any, error) {
	return c.tasks.Await(ctx, h, timeout)
}

// RegisterService publishes a named capability into the shared registry.
// It is removed automatically when the plugin shuts down.
func (c *Capabilities) RegisterService(name string, service any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.revoked {
		return ErrNotActive
	}

	if err := c.registry.Register(name, c.owner, service); err != nil {
		return err
	}
	c.services = append(c.services, name)
	return nil
}

// revoke removes every registration the plugin made. Used both for
// rollback after a failed Initialize and for cleanup after Shutdown.
// Idempotent.
func (c *Capabilities) revoke() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.revoked {
		return
	}
	c.revoked = true

	for _, sub := range c.subs {
		sub.Cancel()
	}
	c.subs = nil

	// Owner-level sweeps catch anything registered out of band.
	c.bus.RemoveOwner(c.owner)
	c.registry.UnregisterOwner(c.owner)
	c.services = nil
}
