package types

import "fmt"

// ErrorCode represents a unified error code across the runtime.
type ErrorCode string

// Gateway and infrastructure error codes
const (
	ErrInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized        ErrorCode = "UNAUTHORIZED"
	ErrRateLimited         ErrorCode = "RATE_LIMITED"
	ErrUpstreamTimeout     ErrorCode = "UPSTREAM_TIMEOUT"
	ErrUpstreamError       ErrorCode = "UPSTREAM_ERROR"
	ErrProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrInternalError       ErrorCode = "INTERNAL_ERROR"
)

// Scheduler and runner error codes
const (
	ErrStepNotFound      ErrorCode = "STEP_NOT_FOUND"
	ErrWorkflowNotFound  ErrorCode = "WORKFLOW_NOT_FOUND"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrClaimLost         ErrorCode = "CLAIM_LOST"
	ErrPolicyRejected    ErrorCode = "POLICY_REJECTED"
	ErrRunnerTimeout     ErrorCode = "RUNNER_TIMEOUT"
	ErrRunnerCrashed     ErrorCode = "RUNNER_CRASHED"
	ErrCallbackMismatch  ErrorCode = "CALLBACK_MISMATCH"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Cause      error     `json:"-"`
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

// WithHTTPStatus sets the HTTP status the error maps to at the API boundary.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable or not.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}
