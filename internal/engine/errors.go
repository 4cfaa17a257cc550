package engine

import (
	"errors"
	"fmt"
)

// Code classifies an operation failure for the caller.
type Code string

const (
	// CodeValidation: malformed input, the request will never succeed as-is.
	CodeValidation Code = "validation_error"
	// CodeNotFound: unknown ID; on heartbeat/confirm it means "session
	// lost", surfaced to the client as a prompt to rejoin.
	CodeNotFound Code = "not_found"
	// CodeConflict: a conditional update lost its race after internal
	// retries; the operation is safe to retry after backoff.
	CodeConflict Code = "conflict"
	// CodeTimeout: a confirmation or liveness window elapsed; state was
	// downgraded, not corrupted.
	CodeTimeout Code = "timeout"
	// CodeTransient: the backing store misbehaved; retry with backoff.
	CodeTransient Code = "transient"
)

// Error is the structured failure every engine operation returns.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the caller should retry after backoff.
func (e *Error) Retryable() bool {
	return e.Code == CodeConflict || e.Code == CodeTransient
}

func newErrorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func validationf(format string, args ...interface{}) *Error {
	return newErrorf(CodeValidation, format, args...)
}

func notFoundf(format string, args ...interface{}) *Error {
	return newErrorf(CodeNotFound, format, args...)
}

func conflictf(format string, args ...interface{}) *Error {
	return newErrorf(CodeConflict, format, args...)
}

func timeoutf(format string, args ...interface{}) *Error {
	return newErrorf(CodeTimeout, format, args...)
}

func transient(message string, err error) *Error {
	return &Error{Code: CodeTransient, Message: message, Err: err}
}

// CodeOf extracts the Code from an engine error, or "" for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
