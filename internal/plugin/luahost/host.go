// Package luahost runs scripted plugins in sandboxed Lua interpreters.
// Each plugin gets a private state with a small set of safe libraries;
// the heimdall table installed into it is the script's only bridge
// back into the host. Interpreters are single threaded, so event
// handlers registered by scripts are always delivered asynchronously
// and every entry from Go into Lua is serialized by a per-plugin lock.
package luahost

import (
	"context"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/bsundem/Heimdall/internal/event"
	"github.com/bsundem/Heimdall/internal/export"
	"github.com/bsundem/Heimdall/internal/plugin"
	"github.com/bsundem/Heimdall/internal/task"
)

// DefaultCallTimeout bounds initialize and shutdown hooks. Event
// handlers and submitted tasks are not bounded here; interrupting a
// running interpreter leaves it unusable, so only calls after which
// the state is discarded anyway get a deadline.
const DefaultCallTimeout = 5 * time.Second

// Host creates plugin instances backed by Lua scripts. It implements
// the loader hook the discovery layer expects for scripted manifests.
type Host struct {
	logger      *zap.Logger
	callTimeout time.Duration
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger handed to scripted plugins.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Host) { h.logger = logger }
}

// WithCallTimeout bounds the initialize and shutdown hooks.
func WithCallTimeout(d time.Duration) Option {
	return func(h *Host) { h.callTimeout = d }
}

// New creates a Lua plugin host.
func New(opts ...Option) *Host {
	h := &Host{
		logger:      zap.NewNop(),
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewPlugin wraps a scripted plugin's descriptor in a Plugin instance.
// No Lua runs until Initialize.
func (h *Host) NewPlugin(d *plugin.Descriptor) (plugin.Plugin, error) {
	if d.Kind != plugin.KindLua {
		return nil, fmt.Errorf("luahost: %s is not a lua plugin", d.ID)
	}
	return &luaPlugin{
		desc:    d,
		host:    h,
		logger:  h.logger.Named("plugin." + d.ID),
		handles: make(map[string]*task.Handle),
	}, nil
}

// luaPlugin adapts one script to the plugin lifecycle. The mutex
// serializes every entry from Go into the interpreter.
type luaPlugin struct {
	desc   *plugin.Descriptor
	host   *Host
	logger *zap.Logger

	mu      sync.Mutex
	L       *lua.LState
	caps    *plugin.Capabilities
	closed  bool
	handles map[string]*task.Handle
	ui      []plugin.UIComponent
	exports []export.Source
}

var _ plugin.Plugin = (*luaPlugin)(nil)
var _ plugin.UIProvider = (*luaPlugin)(nil)
var _ plugin.ExportProvider = (*luaPlugin)(nil)

// Descriptor returns the plugin's manifest metadata.
func (p *luaPlugin) Descriptor() *plugin.Descriptor { return p.desc }

// Initialize creates the sandboxed state, runs the main script, and
// calls its initialize function if one is defined.
func (p *luaPlugin) Initialize(ctx context.Context, caps *plugin.Capabilities) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.caps = caps
	p.L = newSandboxedState()
	p.installAPI()

	callCtx, cancel := context.WithTimeout(ctx, p.host.callTimeout)
	defer cancel()

	if err := p.runScript(callCtx); err != nil {
		p.closeLocked()
		return fmt.Errorf("luahost: load %s: %w", p.desc.ID, err)
	}
	if err := p.callGlobal(callCtx, "initialize"); err != nil {
		p.closeLocked()
		return fmt.Errorf("luahost: initialize %s: %w", p.desc.ID, err)
	}
	return nil
}

// Shutdown calls the script's shutdown function if defined, then
// discards the interpreter.
func (p *luaPlugin) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, p.host.callTimeout)
	defer cancel()

	err := p.callGlobal(callCtx, "shutdown")
	p.closeLocked()
	if err != nil {
		return fmt.Errorf("luahost: shutdown %s: %w", p.desc.ID, err)
	}
	return nil
}

// UIComponents returns the components the script registered during
// initialize.
func (p *luaPlugin) UIComponents() []plugin.UIComponent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]plugin.UIComponent, len(p.ui))
	copy(out, p.ui)
	return out
}

// ExportSources returns the export sources the script registered
// during initialize.
func (p *luaPlugin) ExportSources() []export.Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]export.Source, len(p.exports))
	copy(out, p.exports)
	return out
}

func (p *luaPlugin) closeLocked() {
	if p.closed {
		return
	}
	p.closed = true
	if p.L != nil {
		p.L.Close()
	}
}

func (p *luaPlugin) runScript(ctx context.Context) (err error) {
	p.L.SetContext(ctx)
	defer p.L.RemoveContext()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return p.L.DoFile(p.desc.MainPath())
}

// callGlobal invokes a script-defined global function. Missing
// functions are not an error; a hook is optional.
func (p *luaPlugin) callGlobal(ctx context.Context, name string, args ...lua.LValue) error {
	fn := p.L.GetGlobal(name)
	if fn == lua.LNil {
		return nil
	}
	lf, ok := fn.(*lua.LFunction)
	if !ok {
		return fmt.Errorf("%q is not a function", name)
	}
	return p.protectedCall(ctx, lf, args...)
}

// protectedCall runs one Lua function with panic recovery. The caller
// must hold p.mu. Passing a context arms gopher-lua's interrupt; a
// state interrupted that way is unusable afterwards, so only callers
// about to discard the state pass one.
func (p *luaPlugin) protectedCall(ctx context.Context, fn *lua.LFunction, args ...lua.LValue) (err error) {
	if ctx != nil {
		p.L.SetContext(ctx)
		defer p.L.RemoveContext()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return p.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...)
}

// installAPI builds the heimdall table. Called with p.mu held.
func (p *luaPlugin) installAPI() {
	L := p.L
	api := L.NewTable()

	L.SetField(api, "plugin_id", lua.LString(p.desc.ID))
	L.SetField(api, "version", lua.LString(p.desc.Version))
	L.SetField(api, "config_get", L.NewFunction(p.luaConfigGet))
	L.SetField(api, "publish", L.NewFunction(p.luaPublish))
	L.SetField(api, "subscribe", L.NewFunction(p.luaSubscribe))
	L.SetField(api, "submit", L.NewFunction(p.luaSubmit))
	L.SetField(api, "cancel", L.NewFunction(p.luaCancel))
	L.SetField(api, "register_service", L.NewFunction(p.luaRegisterService))
	L.SetField(api, "ui_component", L.NewFunction(p.luaUIComponent))
	L.SetField(api, "export_source", L.NewFunction(p.luaExportSource))
	L.SetField(api, "log", L.NewFunction(p.luaLog))

	L.SetGlobal("heimdall", api)
}

func (p *luaPlugin) luaConfigGet(L *lua.LState) int {
	key := L.CheckString(1)
	v, ok := p.caps.Config().Get(key)
	if !ok {
		if L.GetTop() >= 2 {
			L.Push(L.Get(2))
		} else {
			L.Push(lua.LNil)
		}
		return 1
	}
	L.Push(toLua(L, v))
	return 1
}

func (p *luaPlugin) luaPublish(L *lua.LState) int {
	t := event.Topic(L.CheckString(1))
	var payload any
	if L.GetTop() >= 2 {
		payload = fromLua(L.Get(2))
	}
	if err := p.caps.Publish(context.Background(), t, payload); err != nil {
		L.RaiseError("publish %s: %v", t, err)
	}
	return 0
}

// luaSubscribe registers a script function as an event handler. The
// subscription is forced async: the interpreter is single threaded,
// and a synchronous delivery triggered from inside a running script
// would deadlock on the state lock.
func (p *luaPlugin) luaSubscribe(L *lua.LState) int {
	pattern := event.Topic(L.CheckString(1))
	fn := L.CheckFunction(2)

	_, err := p.caps.Subscribe(pattern, func(_ context.Context, env event.Envelope) error {
		return p.invokeHandler(fn, env)
	}, event.WithMode(event.DeliveryAsync))
	if err != nil {
		L.RaiseError("subscribe %s: %v", pattern, err)
	}
	return 0
}

// invokeHandler runs a stored script handler from a dispatch
// goroutine. Payload conversion needs the state, so it happens here,
// under the lock.
func (p *luaPlugin) invokeHandler(fn *lua.LFunction, env event.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	return p.protectedCall(nil, fn, lua.LString(string(env.Topic)), toLua(p.L, env.Payload))
}

func (p *luaPlugin) luaSubmit(L *lua.LState) int {
	name := L.CheckString(1)
	fn := L.CheckFunction(2)

	h, err := p.caps.Submit(func(tc *task.Context) (any, error) {
		return p.runTask(fn, tc)
	}, task.WithName(p.desc.ID+"."+name))
	if err != nil {
		L.RaiseError("submit %s: %v", name, err)
		return 0
	}

	p.handles[h.ID()] = h
	L.Push(lua.LString(h.ID()))
	return 1
}

// runTask executes a script task function on a worker goroutine. The
// function receives a table with set_progress and cancelled helpers.
func (p *luaPlugin) runTask(fn *lua.LFunction, tc *task.Context) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("luahost: %s stopped before task ran", p.desc.ID)
	}

	L := p.L
	tctx := L.NewTable()
	L.SetField(tctx, "set_progress", L.NewFunction(func(L *lua.LState) int {
		tc.SetProgress(float64(L.CheckNumber(1)))
		return 0
	}))
	L.SetField(tctx, "cancelled", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(tc.Cancelled()))
		return 1
	}))

	if err := p.protectedCall(nil, fn, tctx); err != nil {
		return nil, err
	}
	return nil, nil
}

func (p *luaPlugin) luaCancel(L *lua.LState) int {
	id := L.CheckString(1)
	if h, ok := p.handles[id]; ok {
		p.caps.CancelTask(h)
	}
	return 0
}

func (p *luaPlugin) luaRegisterService(L *lua.LState) int {
	name := L.CheckString(1)
	value := fromLua(L.CheckAny(2))
	if err := p.caps.RegisterService(name, value); err != nil {
		L.RaiseError("register_service %s: %v", name, err)
	}
	return 0
}

func (p *luaPlugin) luaUIComponent(L *lua.LState) int {
	if !p.desc.HasCapability(plugin.CapabilityUI) {
		L.RaiseError("plugin %s does not declare the ui capability", p.desc.ID)
		return 0
	}
	t := L.CheckTable(1)
	p.ui = append(p.ui, plugin.UIComponent{
		Name:      lua.LVAsString(t.RawGetString("name")),
		Title:     lua.LVAsString(t.RawGetString("title")),
		Placement: lua.LVAsString(t.RawGetString("placement")),
	})
	return 0
}

func (p *luaPlugin) luaExportSource(L *lua.LState) int {
	if !p.desc.HasCapability(plugin.CapabilityExport) {
		L.RaiseError("plugin %s does not declare the export capability", p.desc.ID)
		return 0
	}
	t := L.CheckTable(1)

	rowsFn, ok := t.RawGetString("rows").(*lua.LFunction)
	if !ok {
		L.RaiseError("export_source requires a rows function")
		return 0
	}

	src := &luaExportSource{
		plugin:   p,
		name:     lua.LVAsString(t.RawGetString("name")),
		fileName: lua.LVAsString(t.RawGetString("file_name")),
		rows:     rowsFn,
	}
	if fields, ok := t.RawGetString("fields").(*lua.LTable); ok {
		fields.ForEach(func(_, v lua.LValue) {
			src.fields = append(src.fields, lua.LVAsString(v))
		})
	}
	p.exports = append(p.exports, src)
	return 0
}

func (p *luaPlugin) luaLog(L *lua.LState) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)

	switch level {
	case "debug":
		p.logger.Debug(msg)
	case "warn", "warning":
		p.logger.Warn(msg)
	case "error":
		p.logger.Error(msg)
	default:
		p.logger.Info(msg)
	}
	return 0
}

// luaExportSource adapts a script-defined rows function to an export
// source. Rows are produced on demand, under the state lock.
type luaExportSource struct {
	plugin   *luaPlugin
	name     string
	fileName string
	fields   []string
	rows     *lua.LFunction
}

var _ export.Source = (*luaExportSource)(nil)

func (s *luaExportSource) FieldNames() []string { return s.fields }

func (s *luaExportSource) SuggestedFileName() string {
	if s.fileName != "" {
		return s.fileName
	}
	return s.name
}

func (s *luaExportSource) Rows() ([]map[string]any, error) {
	p := s.plugin
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("luahost: %s stopped", p.desc.ID)
	}

	L := p.L
	top := L.GetTop()
	L.Push(s.rows)
	if err := L.PCall(0, 1, nil); err != nil {
		return nil, fmt.Errorf("luahost: rows %s: %w", s.name, err)
	}
	ret := L.Get(top + 1)
	L.SetTop(top)

	raw, ok := fromLua(ret).([]any)
	if !ok {
		return nil, fmt.Errorf("luahost: rows %s: expected an array of tables", s.name)
	}
	rows := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		row, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("luahost: rows %s: expected an array of tables", s.name)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
