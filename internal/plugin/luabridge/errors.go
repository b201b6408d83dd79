package luabridge

import "errors"

// Interpreter lifecycle errors.
var (
	// ErrStateClosed is returned when using a closed interpreter state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrExecutorClosed is returned when submitting work to a stopped executor.
	ErrExecutorClosed = errors.New("lua executor is closed")

	// ErrExecutorQueueFull is returned when the async call queue rejects work.
	ErrExecutorQueueFull = errors.New("lua executor queue is full")
)
