package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a unified error code across the service.
type ErrorCode string

// Request validation and auth error codes
const (
	ErrValidation       ErrorCode = "VALIDATION_ERROR"
	ErrCodeTooLarge     ErrorCode = "CODE_TOO_LARGE"
	ErrStdinTooLarge    ErrorCode = "STDIN_TOO_LARGE"
	ErrDangerousPattern ErrorCode = "DANGEROUS_PATTERN"
	ErrUnsupportedLang  ErrorCode = "UNSUPPORTED_LANGUAGE"
	ErrAuthentication   ErrorCode = "AUTHENTICATION"
	ErrForbidden        ErrorCode = "FORBIDDEN"
	ErrRateLimited      ErrorCode = "RATE_LIMITED"
)

// Execution and session error codes
const (
	ErrRuntimeUnavailable ErrorCode = "RUNTIME_UNAVAILABLE"
	ErrExecutionTimeout   ErrorCode = "EXECUTION_TIMEOUT"
	ErrSessionNotActive   ErrorCode = "SESSION_NOT_ACTIVE"
)

// AI gateway error codes
const (
	ErrCircuitOpen         ErrorCode = "CIRCUIT_OPEN"
	ErrProviderError       ErrorCode = "PROVIDER_ERROR"
	ErrProviderOverloaded  ErrorCode = "PROVIDER_OVERLOADED"
	ErrProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrQuotaExceeded       ErrorCode = "QUOTA_EXCEEDED"
	ErrUpstreamTimeout     ErrorCode = "UPSTREAM_TIMEOUT"
	ErrInternal            ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
// 内部错误统一使用该结构，HTTP 层通过 Code/HTTPStatus 映射响应。
type Error struct {
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Provider   string        `json:"provider,omitempty"`
	Cause      error         `json:"-"`
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

// WithRetryAfter attaches a retry hint. Surfaced as the Retry-After header
// for RATE_LIMITED and as metadata for CIRCUIT_OPEN.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error, or "" when the error
// is not a *types.Error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
