package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies a bot error for the retry and reporting policy.
type Code string

const (
	ErrTransient        Code = "TRANSIENT"         // retried by the session backoff
	ErrLoggedOut        Code = "LOGGED_OUT"        // terminal, needs re-pairing
	ErrHandlerFailed    Code = "HANDLER_FAILED"    // caught at the dispatcher boundary
	ErrModerationFailed Code = "MODERATION_FAILED" // swallowed, treated as no violation
	ErrPersistence      Code = "PERSISTENCE"       // corrupt or unwritable state file
	ErrTranscodeFailed  Code = "TRANSCODE_FAILED"  // external tool failure
	ErrInvalidConfig    Code = "INVALID_CONFIG"    // fatal at startup
	ErrPermissionDenied Code = "PERMISSION_DENIED" // failed command gate
)

// BotError is a structured error with a code, a message and an optional cause.
type BotError struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (e *BotError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *BotError) Unwrap() error {
	return e.Err
}

// NewTransient wraps a recoverable network or protocol failure.
func NewTransient(msg string, err error) *BotError {
	return &BotError{Code: ErrTransient, Message: msg, Err: err}
}

// NewLoggedOut reports invalidated credentials.
func NewLoggedOut(reason string) *BotError {
	return &BotError{
		Code:    ErrLoggedOut,
		Message: fmt.Sprintf("session logged out (%s): manual re-auth required", reason),
	}
}

// NewHandlerFailed wraps an error returned or raised by a command handler.
func NewHandlerFailed(command string, err error) *BotError {
	return &BotError{Code: ErrHandlerFailed, Message: fmt.Sprintf("command %q failed", command), Err: err}
}

// NewModerationFailed wraps an error raised inside a moderation check.
func NewModerationFailed(check string, err error) *BotError {
	return &BotError{Code: ErrModerationFailed, Message: fmt.Sprintf("moderation check %q failed", check), Err: err}
}

// NewPersistence wraps a state file failure.
func NewPersistence(path string, err error) *BotError {
	return &BotError{Code: ErrPersistence, Message: path, Err: err}
}

// NewTranscodeFailed carries the external tool's stderr.
func NewTranscodeFailed(stderr string, err error) *BotError {
	return &BotError{Code: ErrTranscodeFailed, Message: stderr, Err: err}
}

// NewInvalidConfig reports a configuration the process cannot start with.
func NewInvalidConfig(msg string) *BotError {
	return &BotError{Code: ErrInvalidConfig, Message: msg}
}

// NewPermissionDenied reports a failed command gate.
func NewPermissionDenied(gate string) *BotError {
	return &BotError{Code: ErrPermissionDenied, Message: gate}
}

// Is checks if err (or anything it wraps) is a BotError with the given code.
func Is(err error, code Code) bool {
	var bErr *BotError
	if stderrors.As(err, &bErr) {
		return bErr.Code == code
	}
	return false
}
