// Package fault defines the framework's error model.
//
// Every public operation in the framework returns a plain Go error;
// errors that cross component boundaries are *fault.Error values
// carrying a Kind from a closed set plus a human-readable message and
// optional structured details. Callers match on kinds with
// fault.IsKind or errors.As rather than string comparison.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error. The set is closed; components must not
// invent kinds outside this list.
type Kind int

// Error kinds.
const (
	// KindUnknown is the zero value and never set deliberately.
	KindUnknown Kind = iota

	// InvalidParameters - a caller-supplied argument is malformed.
	InvalidParameters

	// InvalidConfiguration - configuration is present but unusable.
	InvalidConfiguration

	// InvalidFormat - an artifact or document failed parsing or schema checks.
	InvalidFormat

	// InvalidState - an object is not in a state that permits the operation.
	InvalidState

	// StateError - a lifecycle transition is not a legal edge.
	StateError

	// FileNotFound - a path does not exist.
	FileNotFound

	// FileSystemError - an I/O operation failed.
	FileSystemError

	// NotFound - a named entity (plugin, subscription, checkpoint) is absent.
	NotFound

	// NotSupported - the operation is recognized but unavailable in this build.
	NotSupported

	// NotImplemented - the operation is part of the contract but unwritten.
	NotImplemented

	// LoadFailed - a plugin artifact could not be loaded.
	LoadFailed

	// InitializationFailed - a plugin's initialize hook failed.
	InitializationFailed

	// ExecutionFailed - a command, step, or handler failed.
	ExecutionFailed

	// CommandNotFound - the plugin does not expose the named command.
	CommandNotFound

	// DependencyMissing - a required dependency is absent or not running.
	DependencyMissing

	// CircularDependency - a dependency graph contains a cycle.
	CircularDependency

	// Timeout - a deadline expired.
	Timeout

	// Cancelled - the caller cancelled the operation.
	Cancelled

	// ResourceBusy - a transient condition; the operation may be retried.
	ResourceBusy

	// ServiceUnavailable - a collaborator is down.
	ServiceUnavailable

	// PermissionDenied - a capability or sandbox check rejected the operation.
	PermissionDenied

	// NetworkError - a network collaborator failed.
	NetworkError

	// ConfigurationError - configuration became invalid at use time.
	ConfigurationError
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	InvalidParameters:    "invalid_parameters",
	InvalidConfiguration: "invalid_configuration",
	InvalidFormat:        "invalid_format",
	InvalidState:         "invalid_state",
	StateError:           "state_error",
	FileNotFound:         "file_not_found",
	FileSystemError:      "file_system_error",
	NotFound:             "not_found",
	NotSupported:         "not_supported",
	NotImplemented:       "not_implemented",
	LoadFailed:           "load_failed",
	InitializationFailed: "initialization_failed",
	ExecutionFailed:      "execution_failed",
	CommandNotFound:      "command_not_found",
	DependencyMissing:    "dependency_missing",
	CircularDependency:   "circular_dependency",
	Timeout:              "timeout",
	Cancelled:            "cancelled",
	ResourceBusy:         "resource_busy",
	ServiceUnavailable:   "service_unavailable",
	PermissionDenied:     "permission_denied",
	NetworkError:         "network_error",
	ConfigurationError:   "configuration_error",
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Transient reports whether an operation failing with this kind may
// be retried without changing inputs.
func (k Kind) Transient() bool {
	return k == ResourceBusy || k == ServiceUnavailable
}

// Error is the structured error type used across component boundaries.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches against another *Error by kind, so
// errors.Is(err, &Error{Kind: NotFound}) works as a kind check.
func (e *Error) Is(target error) bool {
	var fe *Error
	if !errors.As(target, &fe) {
		return false
	}
	return e.Kind == fe.Kind && (fe.Message == "" || fe.Message == e.Message)
}

// WithDetail returns the error with a detail entry added.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind wrapping a cause.
// Returns nil if cause is nil.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf returns the kind of an error, or KindUnknown when the error
// is not a *fault.Error (including nil).
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsKind reports whether the error carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
