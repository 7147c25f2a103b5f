// Package dispatch executes event handlers with panic isolation and
// timing. The event bus uses it for the synchronous delivery pass;
// asynchronous delivery goes through the task executor.
package dispatch

import (
	"context"
	"time"
)

// Handler mirrors event.Handler to avoid a circular import.
type Handler interface {
	Handle(ctx context.Context, event any) error
}

// Result is the outcome of one handler execution.
type Result struct {
	// Success is true if the handler completed without error or panic.
	Success bool

	// Error is the error returned by the handler, if any.
	Error error

	// Panicked is true if the handler panicked.
	Panicked bool

	// PanicValue is the value passed to panic(), if Panicked is true.
	PanicValue any

	// PanicStack is the stack trace at the point of panic.
	PanicStack []byte

	// Duration is how long the handler took to execute.
	Duration time.Duration

	// Skipped is true if the handler was not executed (context cancelled).
	Skipped bool
}

// IsSuccess returns true if the result indicates successful execution.
func (r Result) IsSuccess() bool {
	return r.Success && !r.Panicked && r.Error == nil
}

// PanicHandler is called when a handler panics during execution.
type PanicHandler func(event any, panicValue any, stack []byte)

// defaultPanicHandler is a no-op; the bus installs a logging handler.
func defaultPanicHandler(event any, panicValue any, stack []byte) {}
