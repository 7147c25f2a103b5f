package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsundem/Heimdall/internal/config"
	"github.com/bsundem/Heimdall/internal/event"
	"github.com/bsundem/Heimdall/internal/task"
)

// fakeRegistry records service registrations by owner.
type fakeRegistry struct {
	mu      sync.Mutex
	entries map[string]string // name -> owner
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{entries: make(map[string]string)}
}

func (r *fakeRegistry) Register(name, owner string, service any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("service %q already registered", name)
	}
	r.entries[name] = owner
	return nil
}

func (r *fakeRegistry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[name]
	delete(r.entries, name)
	return ok
}

func (r *fakeRegistry) UnregisterOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for name, got := range r.entries {
		if got == owner {
			delete(r.entries, name)
			n++
		}
	}
	return n
}

func (r *fakeRegistry) countOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.entries {
		if got == owner {
			n++
		}
	}
	return n
}

// stubTasks satisfies Submitter without running anything.
type stubTasks struct{}

func (stubTasks) Submit(fn task.Fn, opts ...task.SubmitOption) (*task.Handle, error) {
	return nil, nil
}
func (stubTasks) Cancel(h *task.Handle) {}
func (stubTasks) Await(ctx context.Context, h *task.Handle, timeout time.Duration) (any, error) {
	return nil, nil
}

type managerFixture struct {
	manager  *Manager
	bus      *event.Bus
	registry *fakeRegistry
	disco    *Discoverer
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	cfg := config.NewManager()
	_, err := cfg.Load(config.Defaults(config.BuiltinDefaults()))
	require.NoError(t, err)

	bus := event.NewBus()
	registry := newFakeRegistry()
	disco := NewDiscoverer()

	return &managerFixture{
		manager:  NewManager(disco, cfg, bus, stubTasks{}, registry),
		bus:      bus,
		registry: registry,
		disco:    disco,
	}
}

func (fx *managerFixture) builtin(t *testing.T, p *fakePlugin) {
	t.Helper()
	require.NoError(t, fx.disco.RegisterBuiltin(func() Plugin { return p }))
}

func descriptorFor(id string, deps ...Dependency) *Descriptor {
	return &Descriptor{ID: id, Version: "1.0.0", Kind: KindGo, Dependencies: deps}
}

func TestStartAllInitializesInDependencyOrder(t *testing.T) {
	fx := newManagerFixture(t)

	var order []string
	record := func(id string) func(context.Context, *Capabilities) error {
		return func(ctx context.Context, caps *Capabilities) error {
			order = append(order, id)
			return nil
		}
	}

	fx.builtin(t, &fakePlugin{
		descriptor: descriptorFor("ui", Dependency{ID: "core"}),
		onInit:     record("ui"),
	})
	fx.builtin(t, &fakePlugin{
		descriptor: descriptorFor("core"),
		onInit:     record("core"),
	})

	report := fx.manager.StartAll(context.Background())
	assert.Empty(t, report.Failed)
	assert.Equal(t, []string{"core", "ui"}, order)
	assert.Equal(t, []string{"core", "ui"}, report.Active)

	core, ok := fx.manager.Get("core")
	require.True(t, ok)
	assert.Equal(t, StateActive, core.State())
}

func TestCycleFailsOnlyMembersIndependentStillActive(t *testing.T) {
	fx := newManagerFixture(t)

	fx.builtin(t, &fakePlugin{descriptor: descriptorFor("a", Dependency{ID: "b"})})
	fx.builtin(t, &fakePlugin{descriptor: descriptorFor("b", Dependency{ID: "a"})})
	fx.builtin(t, &fakePlugin{descriptor: descriptorFor("c")})

	report := fx.manager.StartAll(context.Background())

	assert.Equal(t, []string{"c"}, report.Active)
	assert.ErrorIs(t, report.Failed["a"], &LoadError{Kind: ErrCyclicDependency})
	assert.ErrorIs(t, report.Failed["b"], &LoadError{Kind: ErrCyclicDependency})

	c, ok := fx.manager.Get("c")
	require.True(t, ok)
	assert.Equal(t, StateActive, c.State())
}

func TestInitFailureRollsBackRegistrations(t *testing.T) {
	fx := newManagerFixture(t)

	fx.builtin(t, &fakePlugin{
		descriptor: descriptorFor("flaky"),
		onInit: func(ctx context.Context, caps *Capabilities) error {
			_, err := caps.Subscribe("command.flaky", func(ctx context.Context, env event.Envelope) error {
				return nil
			})
			if err != nil {
				return err
			}
			if err := caps.RegisterService("flaky.service", struct{}{}); err != nil {
				return err
			}
			return errors.New("init blew up")
		},
	})

	var failedEvents []LifecyclePayload
	_, err := fx.bus.SubscribeFunc(TopicPluginFailed, func(ctx context.Context, env event.Envelope) error {
		failedEvents = append(failedEvents, env.Payload.(LifecyclePayload))
		return nil
	})
	require.NoError(t, err)

	report := fx.manager.StartAll(context.Background())

	require.Contains(t, report.Failed, "flaky")
	assert.Equal(t, ErrInitializationFailed, report.Failed["flaky"].Kind)

	in, ok := fx.manager.Get("flaky")
	require.True(t, ok)
	assert.Equal(t, StateFailed, in.State())

	assert.Zero(t, fx.bus.SubscriptionsFor("flaky"))
	assert.Zero(t, fx.registry.countOwner("flaky"))

	require.Len(t, failedEvents, 1)
	assert.Equal(t, "flaky", failedEvents[0].PluginID)
}

func TestPanickingInitBecomesFailed(t *testing.T) {
	fx := newManagerFixture(t)

	fx.builtin(t, &fakePlugin{
		descriptor: descriptorFor("volatile"),
		onInit: func(ctx context.Context, caps *Capabilities) error {
			panic("unexpected")
		},
	})
	fx.builtin(t, &fakePlugin{descriptor: descriptorFor("stable")})

	report := fx.manager.StartAll(context.Background())

	assert.Equal(t, []string{"stable"}, report.Active)
	require.Contains(t, report.Failed, "volatile")
	assert.Equal(t, ErrInitializationFailed, report.Failed["volatile"].Kind)
}

func TestShutdownRemovesAllOwnedRegistrations(t *testing.T) {
	fx := newManagerFixture(t)

	fx.builtin(t, &fakePlugin{
		descriptor: descriptorFor("tidy"),
		onInit: func(ctx context.Context, caps *Capabilities) error {
			for _, topic := range []event.Topic{"export.requested", "export.completed"} {
				if _, err := caps.Subscribe(topic, func(ctx context.Context, env event.Envelope) error {
					return nil
				}); err != nil {
					return err
				}
			}
			return caps.RegisterService("tidy.exporter", struct{}{})
		},
	})

	report := fx.manager.StartAll(context.Background())
	require.Empty(t, report.Failed)
	require.Equal(t, 2, fx.bus.SubscriptionsFor("tidy"))
	require.Equal(t, 1, fx.registry.countOwner("tidy"))

	fx.manager.ShutdownAll(context.Background())

	in, ok := fx.manager.Get("tidy")
	require.True(t, ok)
	assert.Equal(t, StateStopped, in.State())
	assert.Zero(t, fx.bus.SubscriptionsFor("tidy"))
	assert.Zero(t, fx.registry.countOwner("tidy"))
}

func TestShutdownRunsInReverseInitOrder(t *testing.T) {
	fx := newManagerFixture(t)

	var stops []string
	stopRecorder := func(id string) func(context.Context) error {
		return func(ctx context.Context) error {
			stops = append(stops, id)
			return nil
		}
	}

	fx.builtin(t, &fakePlugin{
		descriptor: descriptorFor("base"),
		onShutdown: stopRecorder("base"),
	})
	fx.builtin(t, &fakePlugin{
		descriptor: descriptorFor("top", Dependency{ID: "base"}),
		onShutdown: stopRecorder("top"),
	})

	report := fx.manager.StartAll(context.Background())
	require.Equal(t, []string{"base", "top"}, report.Active)

	fx.manager.ShutdownAll(context.Background())
	assert.Equal(t, []string{"top", "base"}, stops)
}

func TestPluginCapabilitiesReadConfig(t *testing.T) {
	fx := newManagerFixture(t)

	var appName string
	fx.builtin(t, &fakePlugin{
		descriptor: descriptorFor("reader"),
		onInit: func(ctx context.Context, caps *Capabilities) error {
			appName = caps.Config().StringOr("app.name", "")
			return nil
		},
	})

	report := fx.manager.StartAll(context.Background())
	require.Empty(t, report.Failed)
	assert.Equal(t, "Heimdall", appName)
}

func TestVersionMismatchReportedWithChain(t *testing.T) {
	fx := newManagerFixture(t)

	old := &Descriptor{ID: "legacy", Version: "0.5.0", Kind: KindGo}
	fx.builtin(t, &fakePlugin{descriptor: old})
	fx.builtin(t, &fakePlugin{
		descriptor: descriptorFor("modern", Dependency{ID: "legacy", Range: ">= 1.0.0"}),
	})

	report := fx.manager.StartAll(context.Background())

	assert.Equal(t, []string{"legacy"}, report.Active)
	require.Contains(t, report.Failed, "modern")
	assert.Equal(t, ErrVersionMismatch, report.Failed["modern"].Kind)
	assert.Equal(t, []string{"modern", "legacy"}, report.Failed["modern"].Chain)
}
