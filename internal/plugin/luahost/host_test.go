package luahost

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsundem/Heimdall/internal/config"
	"github.com/bsundem/Heimdall/internal/event"
	"github.com/bsundem/Heimdall/internal/plugin"
	"github.com/bsundem/Heimdall/internal/task"
)

// scriptRegistry records registered services by name.
type scriptRegistry struct {
	mu      sync.Mutex
	entries map[string]any
}

func newScriptRegistry() *scriptRegistry {
	return &scriptRegistry{entries: make(map[string]any)}
}

func (r *scriptRegistry) Register(name, owner string, service any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("service %q already registered", name)
	}
	r.entries[name] = service
	return nil
}

func (r *scriptRegistry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[name]
	delete(r.entries, name)
	return ok
}

func (r *scriptRegistry) UnregisterOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.entries)
	r.entries = make(map[string]any)
	return n
}

func (r *scriptRegistry) lookup(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[name]
	return v, ok
}

type hostFixture struct {
	manager  *plugin.Manager
	bus      *event.Bus
	registry *scriptRegistry
	exec     *task.Executor
}

// writePlugin lays out a plugin directory with a manifest and script.
func writePlugin(t *testing.T, root, id, manifest, script string) {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestName), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "init.lua"), []byte(script), 0o644))
}

func newHostFixture(t *testing.T, pluginDir string) *hostFixture {
	t.Helper()

	cfg := config.NewManager()
	_, err := cfg.Load(config.Defaults(config.BuiltinDefaults()))
	require.NoError(t, err)

	exec, err := task.New(task.WithWorkers(2))
	require.NoError(t, err)
	t.Cleanup(func() { _ = exec.Drain(time.Second) })

	bus := event.NewBus()
	bus.BindScheduler(exec)

	registry := newScriptRegistry()
	disco := plugin.NewDiscoverer(
		plugin.WithPaths(pluginDir),
		plugin.WithLuaHost(New()),
	)

	return &hostFixture{
		manager:  plugin.NewManager(disco, cfg, bus, exec, registry),
		bus:      bus,
		registry: registry,
		exec:     exec,
	}
}

const basicManifest = `
id = "scripted"
version = "1.0.0"
kind = "lua"
main = "init.lua"
`

func TestScriptedPluginLifecycle(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "scripted", basicManifest, `
		local started = false

		function initialize()
			started = true
			heimdall.register_service("scripted.greeting", "hello from lua")
		end

		function shutdown()
			started = false
		end
	`)
	fx := newHostFixture(t, dir)

	report := fx.manager.StartAll(context.Background())
	require.Empty(t, report.Failed)
	require.Equal(t, []string{"scripted"}, report.Active)

	svc, ok := fx.registry.lookup("scripted.greeting")
	require.True(t, ok)
	assert.Equal(t, "hello from lua", svc)

	fx.manager.ShutdownAll(context.Background())
	inst, ok := fx.manager.Get("scripted")
	require.True(t, ok)
	assert.Equal(t, plugin.StateStopped, inst.State())
}

func TestScriptReadsConfig(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "scripted", basicManifest, `
		function initialize()
			heimdall.register_service("scripted.app_name", heimdall.config_get("app.name"))
			heimdall.register_service("scripted.missing", heimdall.config_get("no.such.key", "fallback"))
		end
	`)
	fx := newHostFixture(t, dir)

	report := fx.manager.StartAll(context.Background())
	require.Empty(t, report.Failed)

	name, _ := fx.registry.lookup("scripted.app_name")
	assert.Equal(t, "Heimdall", name)
	missing, _ := fx.registry.lookup("scripted.missing")
	assert.Equal(t, "fallback", missing)
}

func TestScriptPublishAndSubscribe(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "scripted", basicManifest, `
		function initialize()
			heimdall.subscribe("metrics.*", function(topic, payload)
				heimdall.register_service("scripted.seen", payload.value)
			end)
		end
	`)
	fx := newHostFixture(t, dir)

	report := fx.manager.StartAll(context.Background())
	require.Empty(t, report.Failed)

	err := fx.bus.Publish(context.Background(), event.NewEnvelope("metrics.sample", map[string]any{"value": int64(42)}))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		v, ok := fx.registry.lookup("scripted.seen")
		return ok && v == int64(42)
	}, time.Second, 5*time.Millisecond)
}

func TestScriptSubmitsTask(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "scripted", basicManifest, `
		function initialize()
			heimdall.submit("count", function(tc)
				tc.set_progress(0.5)
				heimdall.register_service("scripted.task_ran", true)
			end)
		end
	`)
	fx := newHostFixture(t, dir)

	report := fx.manager.StartAll(context.Background())
	require.Empty(t, report.Failed)

	assert.Eventually(t, func() bool {
		v, ok := fx.registry.lookup("scripted.task_ran")
		return ok && v == true
	}, time.Second, 5*time.Millisecond)
}

func TestScriptUIComponentsRequireCapability(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "scripted", `
id = "scripted"
version = "1.0.0"
kind = "lua"
main = "init.lua"
capabilities = ["ui"]
`, `
		function initialize()
			heimdall.ui_component({name = "burnChart", title = "Burn Chart", placement = "sidebar"})
		end
	`)
	writePlugin(t, dir, "sneaky", `
id = "sneaky"
version = "1.0.0"
kind = "lua"
main = "init.lua"
`, `
		function initialize()
			heimdall.ui_component({name = "x", title = "x", placement = "x"})
		end
	`)
	fx := newHostFixture(t, dir)

	report := fx.manager.StartAll(context.Background())

	inst, ok := fx.manager.Get("scripted")
	require.True(t, ok)
	comps := inst.UIComponents()
	require.Len(t, comps, 1)
	assert.Equal(t, "burnChart", comps[0].Name)
	assert.Equal(t, "sidebar", comps[0].Placement)

	// Undeclared capability fails the plugin, not the host.
	require.Contains(t, report.Failed, "sneaky")
	assert.ErrorIs(t, report.Failed["sneaky"], &plugin.LoadError{Kind: plugin.ErrInitializationFailed})
}

func TestScriptExportSource(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "scripted", `
id = "scripted"
version = "1.0.0"
kind = "lua"
main = "init.lua"
capabilities = ["export"]
`, `
		function initialize()
			heimdall.export_source({
				name = "sessions",
				file_name = "sessions.csv",
				fields = {"day", "total"},
				rows = function()
					return {
						{day = "mon", total = 4},
						{day = "tue", total = 7},
					}
				end,
			})
		end
	`)
	fx := newHostFixture(t, dir)

	report := fx.manager.StartAll(context.Background())
	require.Empty(t, report.Failed)

	inst, ok := fx.manager.Get("scripted")
	require.True(t, ok)
	sources := inst.ExportSources()
	require.Len(t, sources, 1)

	src := sources[0]
	assert.Equal(t, []string{"day", "total"}, src.FieldNames())
	assert.Equal(t, "sessions.csv", src.SuggestedFileName())

	rows, err := src.Rows()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "mon", rows[0]["day"])
	assert.Equal(t, int64(7), rows[1]["total"])
}

func TestScriptErrorFailsPlugin(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "broken", `
id = "broken"
version = "1.0.0"
kind = "lua"
main = "init.lua"
`, `
		function initialize()
			error("refused to start")
		end
	`)
	fx := newHostFixture(t, dir)

	report := fx.manager.StartAll(context.Background())
	require.Contains(t, report.Failed, "broken")
	assert.ErrorIs(t, report.Failed["broken"], &plugin.LoadError{Kind: plugin.ErrInitializationFailed})
	assert.ErrorContains(t, report.Failed["broken"], "refused to start")
}

func TestScriptSyntaxErrorFailsPlugin(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "broken", `
id = "broken"
version = "1.0.0"
kind = "lua"
main = "init.lua"
`, `function initialize( this is not lua`)
	fx := newHostFixture(t, dir)

	report := fx.manager.StartAll(context.Background())
	require.Contains(t, report.Failed, "broken")
}

func TestSandboxBlocksUnsafeModules(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "escapee", `
id = "escapee"
version = "1.0.0"
kind = "lua"
main = "init.lua"
`, `
		local io = require("io")
		function initialize() end
	`)
	fx := newHostFixture(t, dir)

	report := fx.manager.StartAll(context.Background())
	require.Contains(t, report.Failed, "escapee")
	assert.ErrorContains(t, report.Failed["escapee"], "not available")
}

func TestSandboxAllowsSafeModules(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "scripted", basicManifest, `
		local mathlib = require("math")

		function initialize()
			heimdall.register_service("scripted.floor", mathlib.floor(3.7))
		end
	`)
	fx := newHostFixture(t, dir)

	report := fx.manager.StartAll(context.Background())
	require.Empty(t, report.Failed)

	v, _ := fx.registry.lookup("scripted.floor")
	assert.Equal(t, int64(3), v)
}

func TestHandlersStopAfterShutdown(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "scripted", basicManifest, `
		function initialize()
			heimdall.subscribe("ping", function() end)
		end
	`)
	fx := newHostFixture(t, dir)

	report := fx.manager.StartAll(context.Background())
	require.Empty(t, report.Failed)
	require.Equal(t, 1, fx.bus.SubscriptionsFor("scripted"))

	fx.manager.ShutdownAll(context.Background())
	assert.Zero(t, fx.bus.SubscriptionsFor("scripted"))

	// Publishing after shutdown must not touch the closed interpreter.
	require.NoError(t, fx.bus.Publish(context.Background(), event.NewEnvelope("ping", nil)))
	time.Sleep(20 * time.Millisecond)
}
