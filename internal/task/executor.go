// Package task implements Heimdall's asynchronous executor. A bounded
// worker pool pulls from a priority-ordered queue; every lifecycle
// transition of a task publishes an event so UI and logging subscribers
// can react without polling.
package task

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/bsundem/Heimdall/internal/event"
)

// Priority orders pending tasks. Lower values run first.
type Priority int

const (
	// PriorityHigh runs before everything else.
	PriorityHigh Priority = 0

	// PriorityNormal is the default.
	PriorityNormal Priority = 100

	// PriorityLow runs after all other pending work.
	PriorityLow Priority = 200
)

func (p Priority) String() string {
	switch {
	case p <= PriorityHigh:
		return "high"
	case p <= PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// BackpressurePolicy controls Submit behavior when the queue is full.
type BackpressurePolicy int

const (
	// BackpressureBlock blocks the submitter until space frees up.
	BackpressureBlock BackpressurePolicy = iota

	// BackpressureFail rejects the submission with a backpressure error.
	BackpressureFail
)

// Task lifecycle event topics.
const (
	TopicSubmitted = "task.submitted"
	TopicStarted   = "task.started"
	TopicProgress  = "task.progress"
	TopicCompleted = "task.completed"
	TopicFailed    = "task.failed"
	TopicCancelled = "task.cancelled"
)

// EventPayload is the payload of every task lifecycle event.
type EventPayload struct {
	TaskID   string
	Name     string
	State    State
	Progress float64
	Error    string
}

// Fn is a unit of work. Long-running work should poll tc.Cancelled or
// select on tc.Context at safe points.
type Fn func(tc *Context) (any, error)

// Context is passed to running task functions.
type Context struct {
	ctx    context.Context
	handle *Handle
	exec   *Executor
}

// Context returns a context cancelled when the task is cancelled or
// the executor is force-draining.
func (c *Context) Context() context.Context { return c.ctx }

// Handle returns the task's handle.
func (c *Context) Handle() *Handle { return c.handle }

// Cancelled reports whether cancellation has been requested.
func (c *Context) Cancelled() bool { return c.handle.Cancelled() }

// SetProgress reports progress in [0,1] and publishes a task.progress
// event.
func (c *Context) SetProgress(p float64) {
	c.handle.setProgress(p)
	c.exec.publish(TopicProgress, c.handle, nil)
}

// queued is a pending task in the priority queue.
type queued struct {
	handle *Handle
	fn     Fn
	seq    uint64
}

// Compare orders by priority, then submission order within a priority.
func (q *queued) Compare(other queue.Item) int {
	o := other.(*queued)
	if q.handle.priority != o.handle.priority {
		return int(q.handle.priority) - int(o.handle.priority)
	}
	switch {
	case q.seq < o.seq:
		return -1
	case q.seq > o.seq:
		return 1
	default:
		return 0
	}
}

// Executor runs submitted tasks on a bounded worker pool.
type Executor struct {
	logger  *zap.Logger
	workers int
	policy  BackpressurePolicy

	pool    *ants.Pool
	pending *queue.PriorityQueue
	slots   chan struct{} // worker slots
	qslots  chan struct{} // queue depth slots
	seq     atomic.Uint64

	handles   cmap.ConcurrentMap[string, *Handle]
	retention time.Duration

	busMu sync.RWMutex
	bus   *event.Bus

	baseCtx    context.Context
	baseCancel context.CancelFunc
	closed     atomic.Bool
	closeCh    chan struct{}
	wg         sync.WaitGroup

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
}

// Option configures an Executor.
type Option func(*Executor)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithQueueSize sets the pending queue depth.
func WithQueueSize(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.qslots = make(chan struct{}, n)
		}
	}
}

// WithBackpressure sets the behavior of Submit when the queue is full.
func WithBackpressure(policy BackpressurePolicy) Option {
	return func(e *Executor) { e.policy = policy }
}

// WithRetention sets how long terminal handles stay resolvable.
func WithRetention(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.retention = d
		}
	}
}

// WithLogger sets the executor's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates and starts an executor.
func New(opts ...Option) (*Executor, error) {
	e := &Executor{
		logger:    zap.NewNop(),
		workers:   4,
		policy:    BackpressureBlock,
		pending:   queue.NewPriorityQueue(64, false),
		qslots:    make(chan struct{}, 256),
		handles:   cmap.New[*Handle](),
		retention: 5 * time.Minute,
		closeCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	pool, err := ants.NewPool(e.workers)
	if err != nil {
		return nil, err
	}
	e.pool = pool
	e.slots = make(chan struct{}, e.workers)
	e.baseCtx, e.baseCancel = context.WithCancel(context.Background())

	e.wg.Add(2)
	go e.dispatch()
	go e.janitor()

	return e, nil
}

// BindBus binds the event bus used for task lifecycle events.
func (e *Executor) BindBus(bus *event.Bus) {
	e.busMu.Lock()
	defer e.busMu.Unlock()
	e.bus = bus
}

// SubmitOption configures a single submission.
type SubmitOption func(*submitConfig)

type submitConfig struct {
	name     string
	priority Priority
	policy   BackpressurePolicy
	override bool
}

// WithName tags the task for logging and lifecycle events.
func WithName(name string) SubmitOption {
	return func(c *submitConfig) { c.name = name }
}

// WithPriority sets the task's scheduling priority.
func WithPriority(p Priority) SubmitOption {
	return func(c *submitConfig) { c.priority = p }
}

// WithSubmitPolicy overrides the executor's backpressure policy for
// this submission.
func WithSubmitPolicy(policy BackpressurePolicy) SubmitOption {
	return func(c *submitConfig) {
		c.policy = policy
		c.override = true
	}
}

// Submit queues fn for execution and returns its handle.
func (e *Executor) Submit(fn Fn, opts ...SubmitOption) (*Handle, error) {
	if fn == nil {
		return nil, errors.New("task: nil function")
	}

	cfg := submitConfig{priority: PriorityNormal, policy: e.policy}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !cfg.override {
		cfg.policy = e.policy
	}

	if e.closed.Load() {
		return nil, &Error{Kind: ErrExecutorClosed}
	}

	switch cfg.policy {
	case BackpressureBlock:
		select {
		case e.qslots <- struct{}{}:
		case <-e.closeCh:
			return nil, &Error{Kind: ErrExecutorClosed}
		}
	case BackpressureFail:
		select {
		case e.qslots <- struct{}{}:
		default:
			return nil, backpressureError("")
		}
	}

	h := newHandle(cfg.name, cfg.priority)
	e.handles.Set(h.id, h)
	e.submitted.Add(1)
	e.publish(TopicSubmitted, h, nil)

	if err := e.pending.Put(&queued{handle: h, fn: fn, seq: e.seq.Add(1)}); err != nil {
		<-e.qslots
		e.handles.Remove(h.id)
		return nil, &Error{Kind: ErrExecutorClosed, TaskID: h.id, Err: err}
	}
	return h, nil
}

// Schedule runs fn as a fail-fast task, implementing the event bus's
// async dispatch hook. A full queue drops the delivery; the bus logs it.
func (e *Executor) Schedule(priority event.Priority, fn func(ctx context.Context)) error {
	_, err := e.Submit(func(tc *Context) (any, error) {
		fn(tc.Context())
		return nil, nil
	},
		WithName("event.dispatch"),
		WithPriority(Priority(priority)),
		WithSubmitPolicy(BackpressureFail),
	)
	return err
}

// Cancel requests cooperative cancellation. A pending task is cancelled
// immediately; a running task keeps running until it observes the flag,
// and its result is discarded either way.
func (e *Executor) Cancel(h *Handle) {
	if h == nil || h.State().Terminal() {
		return
	}
	h.cancelled.Store(true)

	h.mu.Lock()
	cancel := h.ctxCancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if h.transition(StatePending, StateCancelled) {
		e.cancelled.Add(1)
		e.publish(TopicCancelled, h, nil)
		h.finish(nil, cancelledError(h.id))
	}
}

// Progress returns the task's last reported progress.
func (e *Executor) Progress(h *Handle) float64 {
	return h.Progress()
}

// Await blocks until the task reaches a terminal state. A positive
// timeout bounds the wait and yields a timeout error on expiry.
func (e *Executor) Await(ctx context.Context, h *Handle, timeout time.Duration) (any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-h.Done():
		return h.Result()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, timeoutError(h.id)
		}
		return nil, ctx.Err()
	}
}

// Lookup resolves a retained handle by task id.
func (e *Executor) Lookup(id string) (*Handle, bool) {
	return e.handles.Get(id)
}

// Stats is a point-in-time executor summary.
type Stats struct {
	Submitted uint64
	Completed uint64
	Failed    uint64
	Cancelled uint64
	Pending   int
	Running   int
}

// Stats returns execution counters and current load.
func (e *Executor) Stats() Stats {
	return Stats{
		Submitted: e.submitted.Load(),
		Completed: e.completed.Load(),
		Failed:    e.failed.Load(),
		Cancelled: e.cancelled.Load(),
		Pending:   e.pending.Len(),
		Running:   e.pool.Running(),
	}
}

// Drain stops accepting submissions, waits up to grace for in-flight
// work to finish, then force-cancels the remainder.
func (e *Executor) Drain(grace time.Duration) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if e.pending.Len() == 0 && e.pool.Running() == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Force-cancel whatever is left.
	for item := range e.handles.IterBuffered() {
		if !item.Val.State().Terminal() {
			e.Cancel(item.Val)
		}
	}
	e.baseCancel()
	e.pending.Dispose()
	close(e.closeCh)

	if err := e.pool.ReleaseTimeout(5 * time.Second); err != nil && !errors.Is(err, ants.ErrPoolClosed) {
		e.logger.Warn("worker pool did not release cleanly", zap.Error(err))
	}
	e.wg.Wait()
	return nil
}

// dispatch moves tasks from the priority queue onto free workers. A
// task is only dequeued once a worker slot is available, so the queue
// keeps ordering pending work by priority until the last moment.
func (e *Executor) dispatch() {
	defer e.wg.Done()

	for {
		select {
		case <-e.closeCh:
			return
		case e.slots <- struct{}{}:
		}

		items, err := e.pending.Get(1)
		if err != nil || len(items) == 0 {
			<-e.slots
			return
		}
		item := items[0].(*queued)
		<-e.qslots

		if item.handle.State() == StateCancelled {
			<-e.slots
			continue
		}

		q := item
		if err := e.pool.Submit(func() {
			defer func() { <-e.slots }()
			e.run(q)
		}); err != nil {
			<-e.slots
			if e.failHandle(q.handle, executionError(q.handle.id, err)) {
				e.logger.Error("worker pool rejected task",
					zap.String("task_id", q.handle.id),
					zap.Error(err),
				)
			}
		}
	}
}

// run executes one task on a worker goroutine.
func (e *Executor) run(q *queued) {
	h := q.handle
	if !h.transition(StatePending, StateRunning) {
		return
	}
	e.publish(TopicStarted, h, nil)

	ctx, cancel := context.WithCancel(e.baseCtx)
	h.mu.Lock()
	h.ctxCancel = cancel
	h.mu.Unlock()
	if h.Cancelled() {
		cancel()
	}
	defer cancel()

	tc := &Context{ctx: ctx, handle: h, exec: e}

	var result any
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = panicError(h.id, r)
				e.logger.Error("task panicked",
					zap.String("task_id", h.id),
					zap.String("name", h.name),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
			}
		}()
		result, err = q.fn(tc)
	}()

	switch {
	case h.Cancelled():
		// Result discarded; the handle stays Cancelled to callers.
		if h.transition(StateRunning, StateCancelled) {
			e.cancelled.Add(1)
			e.publish(TopicCancelled, h, nil)
			h.finish(nil, cancelledError(h.id))
		}
	case err != nil:
		e.failHandle(h, executionError(h.id, err))
	default:
		if h.transition(StateRunning, StateCompleted) {
			e.completed.Add(1)
			h.setProgress(1)
			e.publish(TopicCompleted, h, nil)
			h.finish(result, nil)
		}
	}
}

// failHandle moves a handle to Failed from either live state. It
// returns true if this call performed the transition.
func (e *Executor) failHandle(h *Handle, taskErr *Error) bool {
	if h.transition(StatePending, StateFailed) || h.transition(StateRunning, StateFailed) {
		e.failed.Add(1)
		e.publish(TopicFailed, h, taskErr)
		h.finish(nil, taskErr)
		return true
	}
	return false
}

// janitor purges terminal handles older than the retention window.
func (e *Executor) janitor() {
	defer e.wg.Done()

	interval := e.retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.closeCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-e.retention)
			for item := range e.handles.IterBuffered() {
				h := item.Val
				if h.State().Terminal() && h.finishedAt().Before(cutoff) {
					e.handles.Remove(h.id)
				}
			}
		}
	}
}

func (e *Executor) publish(t string, h *Handle, taskErr error) {
	e.busMu.RLock()
	bus := e.bus
	e.busMu.RUnlock()
	if bus == nil {
		return
	}

	payload := EventPayload{
		TaskID:   h.id,
		Name:     h.name,
		State:    h.State(),
		Progress: h.Progress(),
	}
	if taskErr != nil {
		payload.Error = taskErr.Error()
	}

	env := event.NewEnvelope(event.Topic(t), payload).
		WithSource("task").
		WithCorrelation(h.id)
	if err := bus.Publish(context.Background(), env); err != nil && !errors.Is(err, event.ErrBusClosed) {
		e.logger.Warn("failed to publish task event",
			zap.String("topic", t),
			zap.String("task_id", h.id),
			zap.Error(err),
		)
	}
}

var _ event.Scheduler = (*Executor)(nil)
