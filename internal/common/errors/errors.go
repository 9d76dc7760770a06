// Package errors provides structured error handling for GuardPost
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorCode represents an application error code
type ErrorCode string

const (
	// General errors
	ErrInternal     ErrorCode = "INTERNAL_ERROR"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrBadRequest   ErrorCode = "BAD_REQUEST"
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrForbidden    ErrorCode = "FORBIDDEN"
	ErrValidation   ErrorCode = "VALIDATION_ERROR"
	ErrRateLimit    ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Authentication errors
	ErrInvalidCredentials   ErrorCode = "INVALID_CREDENTIALS"
	ErrUserNotFound         ErrorCode = "USER_NOT_FOUND"
	ErrSessionNotFound      ErrorCode = "SESSION_NOT_FOUND"
	ErrSessionExpired       ErrorCode = "SESSION_EXPIRED"
	ErrLoginBlocked         ErrorCode = "LOGIN_BLOCKED"
	ErrVerificationRequired ErrorCode = "VERIFICATION_REQUIRED"
	ErrVerificationFailed   ErrorCode = "VERIFICATION_FAILED"
	ErrVerificationExpired  ErrorCode = "VERIFICATION_EXPIRED"

	// Trust engine errors
	ErrModelUnavailable ErrorCode = "MODEL_UNAVAILABLE"
	ErrInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrMissingConfig    ErrorCode = "MISSING_CONFIGURATION"

	// Infrastructure errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrRedisError ErrorCode = "REDIS_ERROR"
)

// AppError represents a structured application error
type AppError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	StatusCode int                    `json:"-"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Err        error                  `json:"-"` // Original error for logging
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the original error
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithMetadata adds metadata to the error
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error into an AppError
func Wrap(err error, code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// Predefined errors

// Internal creates an internal server error
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// Unauthorized creates an unauthorized error
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrUnauthorized,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

// Forbidden creates a forbidden error
func Forbidden(message string) *AppError {
	return &AppError{
		Code:       ErrForbidden,
		Message:    message,
		StatusCode: http.StatusForbidden,
	}
}

// RateLimit creates a rate limit error
func RateLimit(message string) *AppError {
	return &AppError{
		Code:       ErrRateLimit,
		Message:    message,
		StatusCode: http.StatusTooManyRequests,
	}
}

// InvalidCredentials creates an invalid credentials error. The message is
// deliberately generic so it cannot be used for account enumeration.
func InvalidCredentials() *AppError {
	return &AppError{
		Code:       ErrInvalidCredentials,
		Message:    "Invalid username or password",
		StatusCode: http.StatusUnauthorized,
	}
}

// LoginBlocked creates an error for a login rejected by the trust engine
func LoginBlocked() *AppError {
	return &AppError{
		Code:       ErrLoginBlocked,
		Message:    "Suspicious login detected. Access blocked and alert sent",
		StatusCode: http.StatusForbidden,
	}
}

// VerificationFailed creates an error for a failed verification code
func VerificationFailed() *AppError {
	return &AppError{
		Code:       ErrVerificationFailed,
		Message:    "Invalid verification code",
		StatusCode: http.StatusUnauthorized,
	}
}

// ModelUnavailable signals that the trust model artifact is not loaded. It
// is advisory: callers switch to the rule-based path, they do not fail.
func ModelUnavailable(err error) *AppError {
	return &AppError{
		Code:       ErrModelUnavailable,
		Message:    "Trust model is not available",
		StatusCode: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// MissingConfig signals a required configuration value is absent. This is
// the one engine condition that propagates instead of degrading.
func MissingConfig(key string) *AppError {
	return (&AppError{
		Code:       ErrMissingConfig,
		Message:    "Required configuration is missing",
		StatusCode: http.StatusInternalServerError,
	}).WithMetadata("key", key)
}

// AsAppError extracts an AppError from an error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// RespondWithError writes an error response to the gin context. Unknown
// errors are masked as internal errors so details never leak to clients.
func RespondWithError(c *gin.Context, err error) {
	if appErr, ok := AsAppError(err); ok {
		c.JSON(appErr.StatusCode, gin.H{
			"error": gin.H{
				"code":    appErr.Code,
				"message": appErr.Message,
				"details": appErr.Details,
			},
		})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{
		"error": gin.H{
			"code":    ErrInternal,
			"message": "An internal error occurred",
		},
	})
}
