// Package app composes Heimdall's core runtime: configuration, event
// bus, task executor, and the plugin system, built in dependency order
// and torn down in reverse. It also owns the shared service registry
// through which plugins expose capabilities to each other and to
// external collaborators.
package app

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/bsundem/Heimdall/internal/config"
	cfgwatcher "github.com/bsundem/Heimdall/internal/config/watcher"
	"github.com/bsundem/Heimdall/internal/event"
	"github.com/bsundem/Heimdall/internal/plugin"
	"github.com/bsundem/Heimdall/internal/plugin/luahost"
	"github.com/bsundem/Heimdall/internal/task"
)

// Environment variable prefixes recognized for configuration. The APP_
// prefix predates the rename and is kept for existing installs; the
// HEIMDALL_ prefix wins when both define a key.
const (
	EnvPrefix       = "HEIMDALL_"
	LegacyEnvPrefix = "APP_"
)

// Options configures the application.
type Options struct {
	// ConfigPath adds a configuration file layer above the defaults.
	ConfigPath string

	// Headless skips collection of plugin UI components.
	Headless bool

	// LogLevel sets the root logger threshold (DEBUG..CRITICAL).
	// Ignored when Logger is set.
	LogLevel string

	// Logger replaces the constructed root logger. Used by tests and
	// by embedders that already own a logger.
	Logger *zap.Logger

	// Overrides is an explicit top-priority configuration layer
	// (typically CLI flags).
	Overrides map[string]any

	// PluginPaths are extra plugin directories scanned in addition to
	// the configured plugins.paths.
	PluginPaths []string

	// Builtins are compiled-in plugins registered before discovery.
	Builtins []plugin.Factory
}

// SourceStatus is the startup outcome of one configuration source.
type SourceStatus struct {
	Name string
	Err  error
}

// Report aggregates startup outcomes. Degraded starts are normal: a
// broken config file or plugin is recorded here, never propagated as
// a panic.
type Report struct {
	ConfigVersion uint64
	Sources       []SourceStatus
	Plugins       *plugin.Report
	UIComponents  []plugin.UIComponent
}

// Degraded reports whether any source or plugin failed at startup.
func (r *Report) Degraded() bool {
	for _, s := range r.Sources {
		if s.Err != nil {
			return true
		}
	}
	return r.Plugins != nil && len(r.Plugins.Failed) > 0
}

// App owns the core runtime components and their lifecycle.
type App struct {
	opts   Options
	logger *zap.Logger

	config   *config.Manager
	watcher  *cfgwatcher.Watcher
	bus      *event.Bus
	exec     *task.Executor
	plugins  *plugin.Manager
	registry *Registry

	report  *Report
	running atomic.Bool
}

// New creates an application. Nothing runs until Start.
func New(opts Options) *App {
	return &App{
		opts:     opts,
		registry: NewRegistry(),
	}
}

// Start builds and starts every component in dependency order:
// configuration, bus, executor, plugins. Configuration and plugin
// failures degrade the report; only an unbuildable core fails Start.
func (a *App) Start(ctx context.Context) (*Report, error) {
	if !a.running.CompareAndSwap(false, true) {
		return nil, errors.New("app: already started")
	}

	logger := a.opts.Logger
	if logger == nil {
		var err error
		logger, err = NewLogger(a.opts.LogLevel)
		if err != nil {
			a.running.Store(false)
			return nil, err
		}
	}
	a.logger = logger

	report := &Report{}

	snap, err := a.startConfig(report)
	if err != nil {
		a.running.Store(false)
		return nil, err
	}

	a.bus = event.NewBus(event.WithLogger(logger.Named("bus")))

	if err := a.startExecutor(snap); err != nil {
		a.bus.Close()
		a.running.Store(false)
		return nil, err
	}

	// Late binding breaks the bus/executor construction cycle: async
	// deliveries become pooled tasks, executor lifecycle events reach
	// the bus, and config changes become events.
	a.bus.BindScheduler(a.exec)
	a.exec.BindBus(a.bus)
	a.config.BindBus(a.bus)

	if snap.BoolOr("config.watch", false) {
		a.startWatcher()
	}

	a.startPlugins(ctx, snap, report)

	report.ConfigVersion = a.config.Current().Version()
	a.report = report

	logger.Info("heimdall core started",
		zap.Uint64("config_version", report.ConfigVersion),
		zap.Strings("plugins", report.Plugins.Active),
		zap.Bool("degraded", report.Degraded()),
	)
	return report, nil
}

// startConfig loads the layered configuration. A broken file source is
// recorded in the report and dropped; the run continues on the
// remaining layers.
func (a *App) startConfig(report *Report) (*config.Snapshot, error) {
	a.config = config.NewManager(config.WithLogger(a.logger.Named("cfg")))

	sources := []config.Source{config.Defaults(config.BuiltinDefaults())}
	var fileIdx []int
	if a.opts.ConfigPath != "" {
		fileIdx = append(fileIdx, len(sources))
		sources = append(sources, config.File(a.opts.ConfigPath))
	}
	sources = append(sources, config.Env(LegacyEnvPrefix), config.Env(EnvPrefix))
	if len(a.opts.Overrides) > 0 {
		sources = append(sources, config.Overrides(a.opts.Overrides))
	}

	for _, src := range sources {
		report.Sources = append(report.Sources, SourceStatus{Name: src.Name()})
	}

	snap, err := a.config.Load(sources...)
	if err == nil || len(fileIdx) == 0 {
		return snap, err
	}

	// Attribute the failure to the file layers and retry without them.
	a.logger.Warn("config file rejected, continuing without it", zap.Error(err))
	trimmed := make([]config.Source, 0, len(sources)-len(fileIdx))
	skip := make(map[int]bool, len(fileIdx))
	for _, i := range fileIdx {
		report.Sources[i].Err = err
		skip[i] = true
	}
	for i, src := range sources {
		if !skip[i] {
			trimmed = append(trimmed, src)
		}
	}
	return a.config.Load(trimmed...)
}

func (a *App) startExecutor(snap *config.Snapshot) error {
	policy := task.BackpressureBlock
	if snap.StringOr("tasks.backpressure", "block") == "fail" {
		policy = task.BackpressureFail
	}

	exec, err := task.New(
		task.WithWorkers(snap.IntOr("tasks.workers", 4)),
		task.WithQueueSize(snap.IntOr("tasks.queue_size", 256)),
		task.WithBackpressure(policy),
		task.WithRetention(snap.DurationOr("tasks.retention", 5*time.Minute)),
		task.WithLogger(a.logger.Named("exec")),
	)
	if err != nil {
		return err
	}
	a.exec = exec
	return nil
}

// startWatcher wires file change notifications to configuration
// reloads. Watcher failures only cost hot reload, never startup.
func (a *App) startWatcher() {
	w, err := cfgwatcher.New(func() {
		if _, err := a.config.Reload(); err != nil {
			a.logger.Warn("config reload failed", zap.Error(err))
		}
	}, cfgwatcher.WithLogger(a.logger.Named("cfgwatch")))
	if err != nil {
		a.logger.Warn("config watcher unavailable", zap.Error(err))
		return
	}

	for _, path := range a.config.FilePaths() {
		if err := w.Watch(path); err != nil {
			a.logger.Warn("cannot watch config file", zap.String("path", path), zap.Error(err))
		}
	}
	a.watcher = w
}

func (a *App) startPlugins(ctx context.Context, snap *config.Snapshot, report *Report) {
	paths := a.opts.PluginPaths
	if configured, err := snap.GetStringSlice("plugins.paths"); err == nil {
		paths = append(paths, configured...)
	}

	host := luahost.New(luahost.WithLogger(a.logger.Named("lua")))
	disco := plugin.NewDiscoverer(
		plugin.WithPaths(paths...),
		plugin.WithLuaHost(host),
		plugin.WithDiscoveryLogger(a.logger.Named("plugin")),
	)
	for _, factory := range a.opts.Builtins {
		if err := disco.RegisterBuiltin(factory); err != nil {
			a.logger.Warn("builtin plugin rejected", zap.Error(err))
		}
	}

	a.plugins = plugin.NewManager(disco, a.config, a.bus, a.exec, a.registry,
		plugin.WithManagerLogger(a.logger.Named("plugin")))
	report.Plugins = a.plugins.StartAll(ctx)

	if a.opts.Headless {
		return
	}
	for _, id := range report.Plugins.Active {
		if inst, ok := a.plugins.Get(id); ok {
			report.UIComponents = append(report.UIComponents, inst.UIComponents()...)
		}
	}
}

// Shutdown stops the runtime in reverse order: plugins first, then the
// executor with its configured grace period, then the bus.
func (a *App) Shutdown(ctx context.Context) error {
	if !a.running.CompareAndSwap(true, false) {
		return nil
	}

	if a.watcher != nil {
		_ = a.watcher.Close()
	}
	if a.plugins != nil {
		a.plugins.ShutdownAll(ctx)
	}

	var drainErr error
	if a.exec != nil {
		grace := 10 * time.Second
		if snap := a.config.Current(); snap != nil {
			grace = snap.DurationOr("tasks.grace_period", grace)
		}
		drainErr = a.exec.Drain(grace)
	}
	if a.bus != nil {
		a.bus.Close()
	}

	a.logger.Info("heimdall core stopped")
	_ = a.logger.Sync()
	return drainErr
}

// ResolveService looks up a plugin-registered service by name.
func (a *App) ResolveService(name string) (any, bool) {
	return a.registry.Resolve(name)
}

// Report returns the startup report, or nil before Start.
func (a *App) Report() *Report { return a.report }

// Config returns the configuration manager.
func (a *App) Config() *config.Manager { return a.config }

// Bus returns the event bus.
func (a *App) Bus() *event.Bus { return a.bus }

// Executor returns the task executor.
func (a *App) Executor() *task.Executor { return a.exec }

// Plugins returns the plugin manager.
func (a *App) Plugins() *plugin.Manager { return a.plugins }

// Services returns the shared service registry.
func (a *App) Services() *Registry { return a.registry }
