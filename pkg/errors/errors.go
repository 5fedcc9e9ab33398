// Package errors defines the tagged error taxonomy used across the batch
// pool. Every failure is either user-classified (bad flow logic or input
// data, safe to isolate to one line) or system-classified (framework or
// runtime malfunction, unsafe to isolate). Callers branch on the Kind tag,
// never on concrete types.
package errors

import (
	"errors"
	"fmt"
)

// Kind is the classification tag carried by every structured error.
type Kind string

const (
	// KindUser marks failures attributable to flow/tool logic or input data.
	KindUser Kind = "UserError"

	// KindSystem marks failures indicating framework or runtime malfunction.
	KindSystem Kind = "SystemError"
)

// Error codes surfaced in line results.
const (
	// CodeUserError is the code attached to user-classified line failures,
	// including per-line timeouts.
	CodeUserError = "UserError"

	// CodeSystemError is the code attached to system-classified failures.
	CodeSystemError = "SystemError"

	// CodeWorkerCrashed is the code attached to lines whose worker process
	// died before producing a result.
	CodeWorkerCrashed = "WorkerCrashedError"
)

// Sentinel errors raised at pool construction, before any worker spawns.
var (
	// ErrInvalidConfig indicates an unusable pool configuration.
	ErrInvalidConfig = errors.New("invalid pool configuration")

	// ErrPoolNotStarted indicates Run was called outside the pool's active scope.
	ErrPoolNotStarted = errors.New("pool has not been started")

	// ErrPoolClosed indicates the pool was already torn down.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrRunConsumed indicates Run was called more than once on the same pool.
	ErrRunConsumed = errors.New("pool run already consumed")
)

// Error is a structured, classified error.
type Error struct {
	// Kind is the classification tag.
	Kind Kind

	// Code is the machine-readable code surfaced in line results.
	Code string

	// Message is the human-readable description.
	Message string

	// Target names the component the error originated from.
	Target string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewUserError creates a user-classified error.
func NewUserError(message, target string) *Error {
	return &Error{
		Kind:    KindUser,
		Code:    CodeUserError,
		Message: message,
		Target:  target,
	}
}

// NewSystemError creates a system-classified error wrapping err.
func NewSystemError(message, target string, err error) *Error {
	return &Error{
		Kind:    KindSystem,
		Code:    CodeSystemError,
		Message: message,
		Target:  target,
		Err:     err,
	}
}

// AsError extracts the structured error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Classify returns the classification of err. Unclassified errors are
// treated as system errors: an error nobody tagged is an error nobody
// proved safe to isolate.
func Classify(err error) Kind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return KindSystem
}

// IsUserError reports whether err is user-classified.
func IsUserError(err error) bool {
	return err != nil && Classify(err) == KindUser
}

// IsSystemError reports whether err is system-classified.
func IsSystemError(err error) bool {
	return err != nil && Classify(err) == KindSystem
}
