package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"runtime/debug"
)

// Error codes shared by the HTTP and websocket surfaces
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeCharacterMissing = "CHARACTER_NOT_FOUND"
	CodeSessionMissing   = "SESSION_NOT_FOUND"
	CodeMemoryMissing    = "MEMORY_NOT_FOUND"
	CodeForbiddenOwner   = "FORBIDDEN_OWNER"
	CodeAuthRequired     = "AUTH_REQUIRED"
	CodeNonceInvalid     = "NONCE_INVALID"
	CodeCircuitOpen      = "CIRCUIT_OPEN"
	CodeResponseTimeout  = "RESPONSE_TIMEOUT"
	CodeRetriesExhausted = "RETRIES_EXHAUSTED"
	CodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	CodeInternal         = "INTERNAL_ERROR"
)

// AppError represents an application error with HTTP status code and error code
type AppError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
	Stack      string `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Retryable reports whether a client may repeat the request unchanged
func (e *AppError) Retryable() bool {
	switch e.Code {
	case CodeResponseTimeout, CodeCircuitOpen, CodeRetriesExhausted:
		return true
	}
	return false
}

// NewError creates a new application error
func NewError(statusCode int, code string, message string) *AppError {
	return &AppError{
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
		Stack:      string(debug.Stack()),
	}
}

// NewBadRequestError creates a 400 Bad Request error
func NewBadRequestError(code string, message string) *AppError {
	return NewError(http.StatusBadRequest, code, message)
}

// NewUnauthorizedError creates a 401 Unauthorized error
func NewUnauthorizedError(code string, message string) *AppError {
	return NewError(http.StatusUnauthorized, code, message)
}

// NewForbiddenError creates a 403 Forbidden error
func NewForbiddenError(code string, message string) *AppError {
	return NewError(http.StatusForbidden, code, message)
}

// NewNotFoundError creates a 404 Not Found error
func NewNotFoundError(code string, message string) *AppError {
	return NewError(http.StatusNotFound, code, message)
}

// NewConflictError creates a 409 Conflict error
func NewConflictError(code string, message string) *AppError {
	return NewError(http.StatusConflict, code, message)
}

// NewTooManyRequestsError creates a 429 Too Many Requests error
func NewTooManyRequestsError(code string, message string) *AppError {
	return NewError(http.StatusTooManyRequests, code, message)
}

// NewInternalServerError creates a 500 Internal Server Error
func NewInternalServerError(code string, message string) *AppError {
	return NewError(http.StatusInternalServerError, code, message)
}

// NewServiceUnavailableError creates a 503 Service Unavailable error
func NewServiceUnavailableError(code string, message string) *AppError {
	return NewError(http.StatusServiceUnavailable, code, message)
}

// NewGatewayTimeoutError creates a 504 Gateway Timeout error
func NewGatewayTimeoutError(code string, message string) *AppError {
	return NewError(http.StatusGatewayTimeout, code, message)
}

// Is checks if err is an AppError carrying the same code as target
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	return appErr.Code == target.Code
}
