package bus

import "errors"

// Bus lifecycle and publication errors.
var (
	// ErrBusNotRunning is returned when publishing before Start or after Stop.
	ErrBusNotRunning = errors.New("bus is not running")

	// ErrBusAlreadyRunning is returned by a second Start.
	ErrBusAlreadyRunning = errors.New("bus is already running")

	// ErrQueueFull is returned when the bounded queue rejects a message.
	ErrQueueFull = errors.New("bus queue is full")

	// ErrNilHandler is returned when subscribing with a nil handler.
	ErrNilHandler = errors.New("handler is nil")

	// ErrEmptyMessageType is returned for messages without a type key.
	ErrEmptyMessageType = errors.New("message type is empty")

	// ErrSubscriptionNotFound is returned when unsubscribing an unknown id.
	ErrSubscriptionNotFound = errors.New("subscription not found")
)
