package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
)

// Discovered pairs a descriptor with how to construct its instance.
// Discovery only reads manifests; no plugin code runs here.
type Discovered struct {
	Descriptor *Descriptor
	Factory    Factory

	// Err records a manifest problem. A plugin with a non-nil Err
	// never proceeds to resolution.
	Err *LoadError
}

// Discoverer finds plugins from compiled-in factories and manifest
// directories on the configured search paths.
type Discoverer struct {
	paths    []string
	builtins []builtin
	luaHost  LuaHost
	logger   *zap.Logger
}

type builtin struct {
	descriptor *Descriptor
	factory    Factory
}

// LuaHost turns a scripted plugin's descriptor into a Plugin instance.
// Wired by the orchestrator so this package does not depend on the
// interpreter directly.
type LuaHost interface {
	NewPlugin(d *Descriptor) (Plugin, error)
}

// DiscovererOption configures a Discoverer.
type DiscovererOption func(*Discoverer)

// WithPaths sets the manifest search paths.
func WithPaths(paths ...string) DiscovererOption {
	return func(d *Discoverer) { d.paths = paths }
}

// WithLuaHost enables discovery of Lua plugins.
func WithLuaHost(host LuaHost) DiscovererOption {
	return func(d *Discoverer) { d.luaHost = host }
}

// WithDiscoveryLogger sets the discoverer's logger.
func WithDiscoveryLogger(logger *zap.Logger) DiscovererOption {
	return func(d *Discoverer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDiscoverer creates a plugin discoverer.
func NewDiscoverer(opts ...DiscovererOption) *Discoverer {
	d := &Discoverer{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RegisterBuiltin adds a compiled-in plugin. The factory is invoked
// once to read the descriptor; the instance used at runtime is created
// fresh during initialization.
func (d *Discoverer) RegisterBuiltin(factory Factory) error {
	desc := factory().Descriptor()
	if err := desc.Validate(); err != nil {
		return err
	}
	desc.Kind = KindGo
	d.builtins = append(d.builtins, builtin{descriptor: desc, factory: factory})
	return nil
}

// Discover returns every known plugin sorted by id. Built-ins win over
// manifest plugins with the same id; among search paths, first wins.
func (d *Discoverer) Discover() []*Discovered {
	seen := make(map[string]*Discovered)

	for _, b := range d.builtins {
		seen[b.descriptor.ID] = &Discovered{Descriptor: b.descriptor, Factory: b.factory}
	}

	for _, base := range d.paths {
		entries, err := os.ReadDir(base)
		if err != nil {
			if !os.IsNotExist(err) {
				d.logger.Warn("unreadable plugin path", zap.String("path", base), zap.Error(err))
			}
			continue
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(base, entry.Name())
			manifest := filepath.Join(dir, ManifestName)
			if _, err := os.Stat(manifest); err != nil {
				continue
			}

			found := d.inspect(entry.Name(), manifest)
			if _, exists := seen[found.id()]; !exists {
				seen[found.id()] = found
			}
		}
	}

	out := make([]*Discovered, 0, len(seen))
	for _, found := range seen {
		out = append(out, found)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id() < out[j].id() })
	return out
}

func (d *Discoverer) inspect(dirName, manifestPath string) *Discovered {
	desc, err := LoadDescriptor(manifestPath)
	if err != nil {
		le, ok := err.(*LoadError)
		if !ok {
			le = &LoadError{Kind: ErrInvalidManifest, PluginID: dirName, Err: err}
		}
		return &Discovered{
			Descriptor: &Descriptor{ID: dirName},
			Err:        le,
		}
	}

	// Compiled-in plugins are registered through RegisterBuiltin; a
	// manifest can only declare a scripted plugin.
	if desc.Kind != KindLua {
		return &Discovered{
			Descriptor: desc,
			Err: &LoadError{
				Kind:     ErrInvalidManifest,
				PluginID: desc.ID,
				Err:      fmt.Errorf("kind %q cannot be loaded from a manifest", desc.Kind),
			},
		}
	}

	if d.luaHost == nil {
		return &Discovered{
			Descriptor: desc,
			Err: &LoadError{
				Kind:     ErrInvalidManifest,
				PluginID: desc.ID,
				Err:      fmt.Errorf("lua plugins are not enabled"),
			},
		}
	}

	host := d.luaHost
	captured := desc
	return &Discovered{
		Descriptor: desc,
		Factory: func() Plugin {
			p, err := host.NewPlugin(captured)
			if err != nil {
				return &brokenPlugin{descriptor: captured, err: err}
			}
			return p
		},
	}
}

func (f *Discovered) id() string {
	if f.Descriptor != nil {
		return f.Descriptor.ID
	}
	return ""
}

// brokenPlugin surfaces a host construction error through the normal
// initialization failure path.
type brokenPlugin struct {
	descriptor *Descriptor
	err        error
}

func (b *brokenPlugin) Descriptor() *Descriptor { return b.descriptor }

func (b *brokenPlugin) Initialize(ctx context.Context, caps *Capabilities) error {
	return b.err
}

func (b *brokenPlugin) Shutdown(ctx context.Context) error { return nil }
