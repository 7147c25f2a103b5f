package task

import (
	"errors"
	"fmt"
)

// ErrorKind classifies task failures.
type ErrorKind int

const (
	// ErrBackpressure means the queue was full under the fail-fast policy.
	ErrBackpressure ErrorKind = iota

	// ErrCancelled means the task was cancelled before completing.
	ErrCancelled

	// ErrExecutionFailed means the task function returned an error or panicked.
	ErrExecutionFailed

	// ErrTimeout means an Await deadline expired before the task finished.
	ErrTimeout

	// ErrExecutorClosed means the executor is draining or closed.
	ErrExecutorClosed
)

func (k ErrorKind) String() string {
	switch k {
	case ErrBackpressure:
		return "backpressure"
	case ErrCancelled:
		return "cancelled"
	case ErrExecutionFailed:
		return "execution failed"
	case ErrTimeout:
		return "timeout"
	case ErrExecutorClosed:
		return "executor closed"
	default:
		return "unknown"
	}
}

// Error is a task failure with its kind and the originating task id.
type Error struct {
	Kind   ErrorKind
	TaskID string
	Err    error
}

func (e *Error) Error() string {
	msg := "task"
	if e.TaskID != "" {
		msg += " " + e.TaskID
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, ignoring task id and cause.
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return e.Kind == te.Kind
}

func backpressureError(id string) *Error {
	return &Error{Kind: ErrBackpressure, TaskID: id}
}

func cancelledError(id string) *Error {
	return &Error{Kind: ErrCancelled, TaskID: id}
}

func executionError(id string, err error) *Error {
	return &Error{Kind: ErrExecutionFailed, TaskID: id, Err: err}
}

func timeoutError(id string) *Error {
	return &Error{Kind: ErrTimeout, TaskID: id}
}

func panicError(id string, v any) *Error {
	return &Error{Kind: ErrExecutionFailed, TaskID: id, Err: fmt.Errorf("panic: %v", v)}
}
