// Package config implements Heimdall's layered configuration manager.
// Ordered sources (defaults, files, environment, explicit overrides)
// are merged key-by-key into immutable snapshots; reload swaps the
// snapshot atomically and notifies watchers with the diff.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/bsundem/Heimdall/internal/config/layer"
	"github.com/bsundem/Heimdall/internal/config/loader"
	"github.com/bsundem/Heimdall/internal/event"
)

// TopicConfigChanged is published after a reload that changed keys.
const TopicConfigChanged = "config.changed"

// ChangedPayload is the payload of a config.changed envelope.
type ChangedPayload struct {
	// Diff lists added, changed, and removed key paths.
	Diff layer.Diff

	// Version is the new snapshot version.
	Version uint64
}

// Source describes one configuration source in load order.
type Source struct {
	name      string
	kind      layer.Source
	data      map[string]any // defaults and overrides
	path      string         // file sources
	envPrefix string         // env sources
}

// Defaults creates a source of compiled-in default values.
func Defaults(data map[string]any) Source {
	return Source{name: "defaults", kind: layer.SourceBuiltin, data: data}
}

// File creates a source backed by a TOML, YAML, or JSON file. A missing
// file contributes nothing; an unreadable or malformed one fails Load.
func File(path string) Source {
	return Source{name: "file:" + filepath.Base(path), kind: layer.SourceFile, path: path}
}

// Env creates a source backed by prefixed environment variables.
func Env(prefix string) Source {
	return Source{name: "env:" + prefix, kind: layer.SourceEnv, envPrefix: prefix}
}

// Overrides creates a source of explicit override values (CLI flags).
func Overrides(data map[string]any) Source {
	return Source{name: "overrides", kind: layer.SourceOverride, data: data}
}

// Name returns the source's display name, e.g. "file:config.toml".
func (s Source) Name() string { return s.name }

// Requirement declares a key that must be present, with its expected type.
type Requirement struct {
	Key  string
	Kind RequiredKind
}

// RequiredKind is the expected type of a required key.
type RequiredKind int

const (
	// RequiredAny only checks presence.
	RequiredAny RequiredKind = iota
	// RequiredString checks the value is a string.
	RequiredString
	// RequiredInt checks the value is an integral number.
	RequiredInt
	// RequiredBool checks the value is a bool.
	RequiredBool
)

// Manager loads, merges, and serves layered configuration.
type Manager struct {
	mu       sync.Mutex // serializes Load/Reload/Set
	sources  []Source
	required []Requirement
	logger   *zap.Logger

	// runtime overrides from Set, applied above every source
	runtime map[string]any

	snapshot atomic.Pointer[Snapshot]
	version  atomic.Uint64

	watchMu  sync.Mutex
	watchers map[uint64]func(*Snapshot)
	nextID   uint64

	busMu sync.RWMutex
	bus   *event.Bus
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRequired declares keys that must be present after merging.
func WithRequired(reqs ...Requirement) Option {
	return func(m *Manager) {
		m.required = append(m.required, reqs...)
	}
}

// NewManager creates a configuration manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:   zap.NewNop(),
		runtime:  make(map[string]any),
		watchers: make(map[uint64]func(*Snapshot)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BindBus binds the event bus used to publish config.changed events.
// The bus is constructed after the first Load, so binding is deferred.
func (m *Manager) BindBus(bus *event.Bus) {
	m.busMu.Lock()
	defer m.busMu.Unlock()
	m.bus = bus
}

// Load reads the ordered sources, merges them, and installs the first
// snapshot. Later sources override earlier ones key-by-key.
func (m *Manager) Load(sources ...Source) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sources = sources
	return m.rebuild()
}

// Reload re-reads every source and, if the merged result differs from
// the current snapshot, installs a new one, notifies watchers, and
// publishes a single config.changed event carrying the diff.
func (m *Manager) Reload() (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sources == nil {
		return nil, errors.New("config: Reload before Load")
	}
	return m.rebuild()
}

// rebuild must be called with mu held.
func (m *Manager) rebuild() (*Snapshot, error) {
	layers, err := m.loadLayers()
	if err != nil {
		return nil, err
	}

	merged := layer.Merge(layers)
	if err := m.validate(merged); err != nil {
		return nil, err
	}

	old := m.snapshot.Load()
	if old != nil {
		diff := layer.DiffMaps(old.data, merged)
		if diff.IsEmpty() {
			return old, nil
		}

		next := newSnapshot(merged, m.version.Add(1))
		m.snapshot.Store(next)
		m.logger.Info("configuration reloaded",
			zap.Uint64("version", next.Version()),
			zap.Strings("added", diff.Added),
			zap.Strings("changed", diff.Changed),
			zap.Strings("removed", diff.Removed),
		)
		m.notify(next, diff)
		return next, nil
	}

	first := newSnapshot(merged, m.version.Add(1))
	m.snapshot.Store(first)
	m.logger.Info("configuration loaded", zap.Int("sources", len(m.sources)))
	return first, nil
}

// loadLayers reads each source into a layer. Runtime overrides from Set
// are stacked above everything.
func (m *Manager) loadLayers() ([]*layer.Layer, error) {
	layers := make([]*layer.Layer, 0, len(m.sources)+1)

	// Sources keep their declared order within equal-priority groups;
	// priority comes from the source kind so env always beats files.
	for i, src := range m.sources {
		l := layer.NewLayer(src.name, src.kind, layer.DefaultPriority(src.kind)+i)
		l.Path = src.path

		switch src.kind {
		case layer.SourceBuiltin, layer.SourceOverride:
			l.Data = src.data
		case layer.SourceFile:
			data, err := loader.ForFile(src.path).Load()
			if err != nil {
				return nil, sourceUnreadable(src.name, err)
			}
			l.Data = data
		case layer.SourceEnv:
			data, err := loader.NewEnvLoader(src.envPrefix).Load()
			if err != nil {
				return nil, sourceUnreadable(src.name, err)
			}
			l.Data = data
		}

		if l.Data == nil {
			l.Data = make(map[string]any)
		}
		layers = append(layers, l)
	}

	if len(m.runtime) > 0 {
		rt := layer.NewLayerWithData("runtime", layer.SourceOverride, layer.PriorityOverride+len(m.sources), m.runtime)
		layers = append(layers, rt)
	}

	return layers, nil
}

// validate checks required keys against the merged configuration.
// Unknown optional keys are retained without validation.
func (m *Manager) validate(merged map[string]any) error {
	var errs []error
	for _, req := range m.required {
		v, ok := layer.GetByPath(merged, req.Key)
		if !ok {
			errs = append(errs, missingKey(req.Key))
			continue
		}

		switch req.Kind {
		case RequiredString:
			if _, ok := v.(string); !ok {
				errs = append(errs, typeMismatch(req.Key, "string", v))
			}
		case RequiredInt:
			switch n := v.(type) {
			case int, int64:
			case float64:
				if n != float64(int(n)) {
					errs = append(errs, typeMismatch(req.Key, "int", v))
				}
			default:
				errs = append(errs, typeMismatch(req.Key, "int", v))
			}
		case RequiredBool:
			if _, ok := v.(bool); !ok {
				errs = append(errs, typeMismatch(req.Key, "bool", v))
			}
		}
	}
	return errors.Join(errs...)
}

// Current returns the current snapshot, or nil before Load.
func (m *Manager) Current() *Snapshot {
	return m.snapshot.Load()
}

// Set writes a runtime override and rebuilds the snapshot. Overrides
// survive reloads and win over every source.
func (m *Manager) Set(key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	layer.SetByPath(m.runtime, key, value)
	_, err := m.rebuild()
	return err
}

// Watch registers a callback invoked with each new snapshot after a
// changed reload. The returned function cancels the registration.
func (m *Manager) Watch(fn func(*Snapshot)) func() {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	id := m.nextID
	m.nextID++
	m.watchers[id] = fn

	return func() {
		m.watchMu.Lock()
		defer m.watchMu.Unlock()
		delete(m.watchers, id)
	}
}

// notify invokes watchers and publishes the config.changed event.
func (m *Manager) notify(snap *Snapshot, diff layer.Diff) {
	m.watchMu.Lock()
	watchers := make([]func(*Snapshot), 0, len(m.watchers))
	for _, fn := range m.watchers {
		watchers = append(watchers, fn)
	}
	m.watchMu.Unlock()

	for _, fn := range watchers {
		fn(snap)
	}

	m.busMu.RLock()
	bus := m.bus
	m.busMu.RUnlock()
	if bus == nil {
		return
	}

	env := event.NewEnvelope(TopicConfigChanged, ChangedPayload{Diff: diff, Version: snap.Version()}).
		WithSource("config")
	if err := bus.Publish(context.Background(), env); err != nil {
		m.logger.Warn("failed to publish config.changed", zap.Error(err))
	}
}

// Save writes the effective configuration to a TOML file, creating
// parent directories as needed.
func (m *Manager) Save(path string) error {
	snap := m.Current()
	if snap == nil {
		return errors.New("config: Save before Load")
	}

	data, err := toml.Marshal(snap.data)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// FilePaths returns the paths of all file sources, for the watcher.
func (m *Manager) FilePaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var paths []string
	for _, src := range m.sources {
		if src.kind == layer.SourceFile {
			paths = append(paths, src.path)
		}
	}
	return paths
}
