package plugin

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/bsundem/Heimdall/internal/event"
	"github.com/bsundem/Heimdall/internal/export"
)

// Plugin lifecycle event topics.
const (
	TopicPluginActive  = "plugin.active"
	TopicPluginFailed  = "plugin.failed"
	TopicPluginStopped = "plugin.stopped"
)

// LifecyclePayload is the payload of plugin lifecycle events.
type LifecyclePayload struct {
	PluginID string
	Version  string
	State    State
	Error    string
}

// Instance is a loaded plugin and its runtime bookkeeping.
type Instance struct {
	mu         sync.RWMutex
	descriptor *Descriptor
	plugin     Plugin
	caps       *Capabilities
	state      State
	err        error
}

// Descriptor returns the plugin's static metadata.
func (in *Instance) Descriptor() *Descriptor { return in.descriptor }

// State returns the current lifecycle state.
func (in *Instance) State() State {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.state
}

// Err returns the error that moved the plugin to Failed, if any.
func (in *Instance) Err() error {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.err
}

func (in *Instance) setState(s State) {
	in.mu.Lock()
	in.state = s
	in.mu.Unlock()
}

func (in *Instance) fail(err error) {
	in.mu.Lock()
	in.state = StateFailed
	in.err = err
	in.mu.Unlock()
}

// UIComponents returns the plugin's contributed UI components, if the
// plugin provides the optional hook and is active.
func (in *Instance) UIComponents() []UIComponent {
	if in.State() != StateActive {
		return nil
	}
	if p, ok := in.plugin.(UIProvider); ok {
		return p.UIComponents()
	}
	return nil
}

// ExportSources returns the plugin's exportable data sources, if the
// plugin provides the optional hook and is active.
func (in *Instance) ExportSources() []export.Source {
	if in.State() != StateActive {
		return nil
	}
	if p, ok := in.plugin.(ExportProvider); ok {
		return p.ExportSources()
	}
	return nil
}

// Report summarizes a startup pass. Partial success is normal
// operation: failed plugins never block unrelated ones.
type Report struct {
	Active []string
	Failed map[string]*LoadError
}

// Manager drives plugins through their lifecycle.
type Manager struct {
	mu sync.RWMutex

	logger     *zap.Logger
	discoverer *Discoverer
	config     ConfigReader
	bus        *event.Bus
	tasks      Submitter
	registry   ServiceRegistry

	instances map[string]*Instance
	initOrder []string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a plugin manager. The capability surfaces are the
// only access initialized plugins get to the rest of the system.
func NewManager(discoverer *Discoverer, cfg ConfigReader, bus *event.Bus, tasks Submitter, registry ServiceRegistry, opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:     zap.NewNop(),
		discoverer: discoverer,
		config:     cfg,
		bus:        bus,
		tasks:      tasks,
		registry:   registry,
		instances:  make(map[string]*Instance),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartAll discovers, resolves, and initializes every plugin. Plugins
// whose dependencies fail are reported in the result and skipped;
// everything else proceeds.
func (m *Manager) StartAll(ctx context.Context) *Report {
	found := m.discoverer.Discover()
	resolution := Resolve(found)

	report := &Report{Failed: make(map[string]*LoadError)}
	for id, loadErr := range resolution.Failed {
		report.Failed[id] = loadErr
		m.logger.Warn("plugin failed resolution",
			zap.String("plugin", id),
			zap.String("reason", loadErr.Kind.String()),
			zap.Strings("chain", loadErr.Chain),
		)
		m.recordFailure(id, loadErr)
	}

	for _, f := range resolution.Order {
		if err := m.initialize(ctx, f); err != nil {
			report.Failed[f.id()] = err
		} else {
			report.Active = append(report.Active, f.id())
		}
	}
	return report
}

// recordFailure tracks a resolution failure so Get and List reflect it.
func (m *Manager) recordFailure(id string, loadErr *LoadError) {
	in := &Instance{
		descriptor: &Descriptor{ID: id},
		state:      StateFailed,
		err:        loadErr,
	}

	m.mu.Lock()
	m.instances[id] = in
	m.mu.Unlock()

	m.publishLifecycle(TopicPluginFailed, in)
}

// initialize runs one plugin's Initialize hook with a fresh capability
// handle. A failure rolls back every registration the hook made.
func (m *Manager) initialize(ctx context.Context, f *Discovered) *LoadError {
	in := &Instance{descriptor: f.Descriptor, state: StateResolved}

	m.mu.Lock()
	if _, exists := m.instances[f.id()]; exists {
		m.mu.Unlock()
		return &LoadError{Kind: ErrInitializationFailed, PluginID: f.id(), Err: ErrAlreadyLoaded}
	}
	m.instances[f.id()] = in
	m.initOrder = append(m.initOrder, f.id())
	m.mu.Unlock()

	in.setState(StateInitializing)
	in.caps = newCapabilities(f.id(), m.config, m.bus, m.tasks, m.registry)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		in.plugin = f.Factory()
		return in.plugin.Initialize(ctx, in.caps)
	}()

	if err != nil {
		in.caps.revoke()
		loadErr := &LoadError{Kind: ErrInitializationFailed, PluginID: f.id(), Err: err}
		in.fail(loadErr)
		m.logger.Error("plugin initialization failed",
			zap.String("plugin", f.id()),
			zap.Error(err),
		)
		m.publishLifecycle(TopicPluginFailed, in)
		return loadErr
	}

	in.setState(StateActive)
	m.logger.Info("plugin active",
		zap.String("plugin", f.id()),
		zap.String("version", f.Descriptor.Version),
	)
	m.publishLifecycle(TopicPluginActive, in)
	return nil
}

// ShutdownAll stops active plugins in reverse initialization order.
// Each plugin's subscriptions and services are removed after its hook
// runs, so nothing dangles once a plugin reports Stopped.
func (m *Manager) ShutdownAll(ctx context.Context) {
	m.mu.RLock()
	order := make([]string, len(m.initOrder))
	for i, id := range m.initOrder {
		order[len(m.initOrder)-1-i] = id
	}
	m.mu.RUnlock()

	for _, id := range order {
		m.shutdown(ctx, id)
	}
}

func (m *Manager) shutdown(ctx context.Context, id string) {
	m.mu.RLock()
	in := m.instances[id]
	m.mu.RUnlock()
	if in == nil || in.State() != StateActive {
		return
	}

	in.setState(StateShuttingDown)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return in.plugin.Shutdown(ctx)
	}()
	if err != nil {
		m.logger.Warn("plugin shutdown hook failed",
			zap.String("plugin", id),
			zap.Error(err),
		)
	}

	in.caps.revoke()
	in.setState(StateStopped)
	m.logger.Info("plugin stopped", zap.String("plugin", id))
	m.publishLifecycle(TopicPluginStopped, in)
}

// Get returns a plugin instance by id.
func (m *Manager) Get(id string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.instances[id]
	return in, ok
}

// List returns instances in initialization order, followed by plugins
// that never initialized.
func (m *Manager) List() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Instance, 0, len(m.instances))
	listed := make(map[string]bool, len(m.instances))
	for _, id := range m.initOrder {
		if in, ok := m.instances[id]; ok {
			out = append(out, in)
			listed[id] = true
		}
	}
	for id, in := range m.instances {
		if !listed[id] {
			out = append(out, in)
		}
	}
	return out
}

// Active returns active instances in initialization order.
func (m *Manager) Active() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Instance
	for _, id := range m.initOrder {
		if in, ok := m.instances[id]; ok && in.State() == StateActive {
			out = append(out, in)
		}
	}
	return out
}

func (m *Manager) publishLifecycle(t event.Topic, in *Instance) {
	payload := LifecyclePayload{
		PluginID: in.descriptor.ID,
		Version:  in.descriptor.Version,
		State:    in.State(),
	}
	if err := in.Err(); err != nil {
		payload.Error = err.Error()
	}

	env := event.NewEnvelope(t, payload).WithSource("plugin")
	if err := m.bus.Publish(context.Background(), env); err != nil {
		m.logger.Warn("failed to publish plugin lifecycle event",
			zap.String("topic", string(t)),
			zap.String("plugin", in.descriptor.ID),
			zap.Error(err),
		)
	}
}
