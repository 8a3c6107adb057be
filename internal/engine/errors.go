package engine

import (
	"errors"
	"fmt"
)

// CommandError represents a command that could not be applied.
//
// Command errors include:
//   - Backend failure: the round-trip failed; local state is unchanged
//     except for clear and delete, which are applied anyway
//   - Unknown loop: the command names a loop the registry does not hold
//   - Invalid config: a start-transport meter is out of range
//   - Registry rejected: the backend succeeded but local state moved on
//     (for example a create returned an id that is already registered)
//
// Command errors are logged by the run loop and never surfaced to
// renderers.
type CommandError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Command is the command that failed.
	Command CommandKind

	// LoopID identifies the affected loop, if any.
	LoopID string

	// RequestID correlates with the backend call, if one was made.
	RequestID string

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes command errors.
type ErrorCode string

const (
	// ErrCodeBackendFailed indicates the backend round-trip failed.
	ErrCodeBackendFailed ErrorCode = "BACKEND_FAILED"

	// ErrCodeUnknownLoop indicates the loop id is not registered.
	ErrCodeUnknownLoop ErrorCode = "UNKNOWN_LOOP"

	// ErrCodeInvalidConfig indicates an out-of-range transport config.
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	// ErrCodeRegistryRejected indicates local state refused the change.
	ErrCodeRegistryRejected ErrorCode = "REGISTRY_REJECTED"
)

// Error implements the error interface.
func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Command)
	if e.LoopID != "" {
		msg += fmt.Sprintf(" (loop=%s)", e.LoopID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *CommandError) Unwrap() error {
	return e.Err
}

// IsBackendError reports whether err is a failed backend round-trip.
// Uses errors.As to handle wrapped errors.
func IsBackendError(err error) bool {
	return hasCode(err, ErrCodeBackendFailed)
}

// IsUnknownLoop reports whether err names an unregistered loop.
func IsUnknownLoop(err error) bool {
	return hasCode(err, ErrCodeUnknownLoop)
}

func hasCode(err error, code ErrorCode) bool {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

func newCommandError(code ErrorCode, cmd Command, err error) *CommandError {
	return &CommandError{
		Code:      code,
		Command:   cmd.Kind,
		LoopID:    cmd.LoopID,
		RequestID: cmd.RequestID,
		Err:       err,
	}
}
