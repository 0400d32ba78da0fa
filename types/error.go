package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Routing and dispatch error codes
const (
	ErrUnknownAgent       ErrorCode = "UNKNOWN_AGENT"
	ErrUnsupportedVerb    ErrorCode = "UNSUPPORTED_VERB"
	ErrValidation         ErrorCode = "VALIDATION"
	ErrBackend            ErrorCode = "BACKEND"
	ErrDuplicateAgent     ErrorCode = "DUPLICATE_AGENT"
	ErrRetryLimitExceeded ErrorCode = "RETRY_LIMIT_EXCEEDED"
	ErrForwardLimit       ErrorCode = "FORWARD_LIMIT_EXCEEDED"
)

// Store and transport error codes
const (
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrInvalidMessage    ErrorCode = "INVALID_MESSAGE"
	ErrTaskNotFound      ErrorCode = "TASK_NOT_FOUND"
	ErrInternalError     ErrorCode = "INTERNAL_ERROR"
	ErrUnavailable       ErrorCode = "UNAVAILABLE"
)

// Error represents a structured error with code, message, and origin metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	TaskID     string    `json:"task_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Code))
	b.WriteString("] ")
	if e.TaskID != "" {
		b.WriteString("task ")
		b.WriteString(e.TaskID)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
// A target with an empty code never matches.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Code == "" {
		return false
	}
	return e.Code == t.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithTask tags the error with the task it originated on.
func (e *Error) WithTask(taskID string) *Error {
	e.TaskID = taskID
	return e
}

// WithAgent tags the error with the agent it originated on.
func (e *Error) WithAgent(agentID string) *Error {
	e.AgentID = agentID
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// AsError extracts the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf extracts the error code from an error chain.
func CodeOf(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsCode reports whether any *Error in err's chain carries code.
func IsCode(err error, code ErrorCode) bool {
	return errors.Is(err, &Error{Code: code})
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// WrapError converts an arbitrary error into an *Error with the given code,
// keeping an existing *Error untouched.
func WrapError(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	if e, ok := AsError(err); ok {
		return e
	}
	return NewError(code, message).WithCause(err)
}
