// Package errors provides standardized error handling for agentkernel components.
// It includes kernel error kinds, standard error variables, and helper functions
// for consistent error wrapping and classification across the system.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies kernel errors for handling and reply mapping purposes.
type Kind int

const (
	// KindProtocol represents malformed frames, bad payloads, unknown msg_type.
	KindProtocol Kind = iota
	// KindAuth represents signature mismatches on the wire.
	KindAuth
	// KindNotFound represents unknown sessions, clients, or breakpoints.
	KindNotFound
	// KindConflict represents lock or lifecycle conflicts.
	KindConflict
	// KindPolicyDenied represents rate, timeout, or resource policy rejections.
	KindPolicyDenied
	// KindExecution represents script, hook, or tool failures.
	KindExecution
	// KindTransport represents transport-level send/receive failures.
	KindTransport
	// KindStorage represents persistence backend failures.
	KindStorage
	// KindFatal represents unrecoverable process-level failures.
	KindFatal
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindPolicyDenied:
		return "policy_denied"
	case KindExecution:
		return "execution"
	case KindTransport:
		return "transport"
	case KindStorage:
		return "storage"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Wire and protocol errors
	ErrMalformed      = errors.New("malformed wire message")
	ErrAuthFailed     = errors.New("signature verification failed")
	ErrUnknownMsgType = errors.New("unknown message type")
	ErrUnknownChannel = errors.New("unknown channel")

	// Routing errors
	ErrClientUnknown  = errors.New("client not registered")
	ErrClientInactive = errors.New("client inactive")

	// Lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrAlreadyStopped = errors.New("component already stopped")
	ErrShuttingDown   = errors.New("kernel is shutting down")

	// Entity errors
	ErrSessionNotFound    = errors.New("session not found")
	ErrKernelNotFound     = errors.New("kernel not found")
	ErrBreakpointNotFound = errors.New("breakpoint not found")
	ErrKeyNotFound        = errors.New("key not found")
	ErrHookNotFound       = errors.New("hook not found")
	ErrSnapshotNotFound   = errors.New("snapshot not found")

	// Conflict errors
	ErrScriptLocked    = errors.New("script locked by another debug session")
	ErrSessionArchived = errors.New("session already archived")
	ErrSessionPaused   = errors.New("session paused")
	ErrInvalidState    = errors.New("invalid state transition")
	ErrAccessDenied    = errors.New("owner access denied")

	// Policy errors
	ErrRateLimited   = errors.New("rate limited")
	ErrTimeout       = errors.New("policy timeout exceeded")
	ErrLimitExceeded = errors.New("resource limit exceeded")
	ErrCircuitOpen   = errors.New("circuit breaker open")

	// Execution errors
	ErrInterrupted = errors.New("execution interrupted")
	ErrHookCancel  = errors.New("hook cancelled operation")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingKey    = errors.New("signing key missing")
)

// KernelError wraps an error with its kind and component context.
type KernelError struct {
	Kind      Kind
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface.
func (ke *KernelError) Error() string {
	if ke.Message != "" {
		return ke.Message
	}
	return ke.Err.Error()
}

// Unwrap returns the underlying error.
func (ke *KernelError) Unwrap() error {
	return ke.Err
}

// KindOf returns the kind for an error. Unclassified errors are mapped from the
// standard variables; anything unrecognised defaults to KindExecution so it
// surfaces verbatim to the caller.
func KindOf(err error) Kind {
	if err == nil {
		return KindExecution
	}

	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Kind
	}

	switch {
	case errors.Is(err, ErrMalformed), errors.Is(err, ErrUnknownMsgType), errors.Is(err, ErrUnknownChannel):
		return KindProtocol
	case errors.Is(err, ErrAuthFailed):
		return KindAuth
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrBreakpointNotFound),
		errors.Is(err, ErrKeyNotFound), errors.Is(err, ErrHookNotFound),
		errors.Is(err, ErrSnapshotNotFound), errors.Is(err, ErrClientUnknown),
		errors.Is(err, ErrKernelNotFound):
		return KindNotFound
	case errors.Is(err, ErrScriptLocked), errors.Is(err, ErrSessionArchived),
		errors.Is(err, ErrInvalidState), errors.Is(err, ErrAccessDenied):
		return KindConflict
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrTimeout),
		errors.Is(err, ErrLimitExceeded), errors.Is(err, ErrCircuitOpen),
		errors.Is(err, ErrSessionPaused):
		return KindPolicyDenied
	case errors.Is(err, ErrClientInactive):
		return KindTransport
	case errors.Is(err, ErrInvalidConfig), errors.Is(err, ErrMissingKey):
		return KindFatal
	default:
		return KindExecution
	}
}

// Is and As re-export the standard helpers so callers need only this
// package.
func Is(err, target error) bool { return errors.Is(err, target) }

// As re-exports errors.As.
func As(err error, target any) bool { return errors.As(err, target) }

// IsNotFound reports whether an error classifies as NotFound.
func IsNotFound(err error) bool { return err != nil && KindOf(err) == KindNotFound }

// IsConflict reports whether an error classifies as Conflict.
func IsConflict(err error) bool { return err != nil && KindOf(err) == KindConflict }

// IsPolicyDenied reports whether an error classifies as PolicyDenied.
// CircuitOpen deliberately classifies here: callers treat an open circuit
// exactly like a policy rejection.
func IsPolicyDenied(err error) bool { return err != nil && KindOf(err) == KindPolicyDenied }

// IsFatal reports whether an error requires process abort.
func IsFatal(err error) bool { return err != nil && KindOf(err) == KindFatal }

// newKernelError creates a new classified error.
// This is an internal helper - use the Wrap* functions instead.
func newKernelError(kind Kind, err error, component, operation, message string) *KernelError {
	return &KernelError{
		Kind:      kind,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapKind wraps an error with an explicit kind and context.
func WrapKind(kind Kind, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newKernelError(kind, wrapped, component, method, wrapped.Error())
}

// WrapProtocol wraps an error as a protocol error with context.
func WrapProtocol(err error, component, method, action string) error {
	return WrapKind(KindProtocol, err, component, method, action)
}

// WrapExecution wraps an error as an execution error with context.
func WrapExecution(err error, component, method, action string) error {
	return WrapKind(KindExecution, err, component, method, action)
}

// WrapTransport wraps an error as a transport error with context.
func WrapTransport(err error, component, method, action string) error {
	return WrapKind(KindTransport, err, component, method, action)
}

// WrapStorage wraps an error as a storage error with context.
func WrapStorage(err error, component, method, action string) error {
	return WrapKind(KindStorage, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context.
func WrapFatal(err error, component, method, action string) error {
	return WrapKind(KindFatal, err, component, method, action)
}
