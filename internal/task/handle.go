package task

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is a task's lifecycle state.
type State int32

const (
	// StatePending means the task is queued but not yet running.
	StatePending State = iota

	// StateRunning means a worker is executing the task.
	StateRunning

	// StateCompleted means the task finished successfully.
	StateCompleted

	// StateFailed means the task function returned an error or panicked.
	StateFailed

	// StateCancelled means the task was cancelled.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ProgressIndeterminate marks a task that cannot report progress.
const ProgressIndeterminate = -1.0

// Handle tracks one submitted task through its lifecycle. Handles are
// safe for concurrent use; a terminal handle never changes again.
type Handle struct {
	id       string
	priority Priority
	name     string

	state     atomic.Int32
	cancelled atomic.Bool
	progress  atomic.Uint64 // float64 bits

	mu        sync.Mutex
	result    any
	err       error
	done      chan struct{}
	finished  time.Time
	ctxCancel func()
}

func newHandle(name string, priority Priority) *Handle {
	h := &Handle{
		id:       uuid.NewString(),
		priority: priority,
		name:     name,
		done:     make(chan struct{}),
	}
	h.progress.Store(math.Float64bits(ProgressIndeterminate))
	return h
}

// ID returns the task's unique identifier.
func (h *Handle) ID() string { return h.id }

// Name returns the submitter-supplied task name, possibly empty.
func (h *Handle) Name() string { return h.name }

// Priority returns the task's scheduling priority.
func (h *Handle) Priority() Priority { return h.priority }

// State returns the task's current lifecycle state.
func (h *Handle) State() State { return State(h.state.Load()) }

// Cancelled reports whether cancellation has been requested. Running
// work should poll this at safe points and return early.
func (h *Handle) Cancelled() bool { return h.cancelled.Load() }

// Progress returns the last reported progress in [0,1], or
// ProgressIndeterminate.
func (h *Handle) Progress() float64 {
	return math.Float64frombits(h.progress.Load())
}

// Done returns a channel closed when the task reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the task's outcome. Before the terminal state it
// returns (nil, nil); use Done or Await to wait.
func (h *Handle) Result() (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

func (h *Handle) setProgress(p float64) {
	if p < 0 && p != ProgressIndeterminate {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	h.progress.Store(math.Float64bits(p))
}

// transition moves the handle from one state to another. It returns
// false if the handle was not in the expected state.
func (h *Handle) transition(from, to State) bool {
	return h.state.CompareAndSwap(int32(from), int32(to))
}

// finish records the outcome and closes the done channel. The caller
// must have already transitioned into the terminal state.
func (h *Handle) finish(result any, err error) {
	h.mu.Lock()
	h.result = result
	h.err = err
	h.finished = time.Now()
	h.mu.Unlock()
	close(h.done)
}

func (h *Handle) finishedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished
}
