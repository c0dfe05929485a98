package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the framework.
type ErrorCode string

// Workflow error codes
const (
	ErrInvalidTransition      ErrorCode = "INVALID_TRANSITION"
	ErrConcurrentModification ErrorCode = "CONCURRENT_MODIFICATION"
	ErrInstanceNotFound       ErrorCode = "INSTANCE_NOT_FOUND"
)

// Handoff error codes
const (
	ErrUnknownAgent    ErrorCode = "UNKNOWN_AGENT"
	ErrAlreadyResolved ErrorCode = "ALREADY_RESOLVED"
	ErrHandoffNotFound ErrorCode = "HANDOFF_NOT_FOUND"
)

// Tool error codes
const (
	ErrToolRetryable   ErrorCode = "TOOL_RETRYABLE"
	ErrToolPermanent   ErrorCode = "TOOL_PERMANENT"
	ErrToolNotFound    ErrorCode = "TOOL_NOT_FOUND"
	ErrToolValidation  ErrorCode = "TOOL_VALIDATION"
	ErrUnauthorized    ErrorCode = "UNAUTHORIZED"
	ErrNotFound        ErrorCode = "NOT_FOUND"
	ErrTimeout         ErrorCode = "TIMEOUT"
	ErrRateLimited     ErrorCode = "RATE_LIMITED"
	ErrUnavailable     ErrorCode = "SERVICE_UNAVAILABLE"
	ErrConnection      ErrorCode = "CONNECTION"
	ErrLoopDepthExceed ErrorCode = "LOOP_DEPTH_EXCEEDED"
)

// Queue error codes
const (
	ErrQueueExhausted ErrorCode = "QUEUE_EXHAUSTED"
	ErrLeaseLost      ErrorCode = "LEASE_LOST"
)

// Generic error codes
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrInternalError  ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// AsError extracts the first *Error in the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code anywhere in its chain.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
