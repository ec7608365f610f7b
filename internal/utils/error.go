package utils

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes with HTTP status mapping
const (
	// General errors
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeInvalidParameters  = "INVALID_PARAMETERS"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"

	// Fetch stage errors
	ErrCodeDownloadFailed = "DOWNLOAD_FAILED"
	ErrCodeInvalidArchive = "INVALID_ARCHIVE"

	// Extraction signal. Never returned to callers, only logged.
	ErrCodeExtractionDegraded = "EXTRACTION_DEGRADED"

	// Storage errors
	ErrCodeStoreWriteFailed = "STORE_WRITE_FAILED"

	// Catalog errors
	ErrCodeCatalogOperationFailed = "CATALOG_OPERATION_FAILED"
	ErrCodeQueryTimeout           = "QUERY_TIMEOUT"
)

// HTTPStatus maps error codes to HTTP status codes
var HTTPStatus = map[string]int{
	ErrCodeInvalidRequest:     http.StatusBadRequest,
	ErrCodeInvalidParameters:  http.StatusBadRequest,
	ErrCodeUnauthorized:       http.StatusUnauthorized,
	ErrCodeInternalError:      http.StatusInternalServerError,
	ErrCodeServiceUnavailable: http.StatusServiceUnavailable,
	ErrCodeRateLimitExceeded:  http.StatusTooManyRequests,

	ErrCodeDownloadFailed: http.StatusBadGateway,
	ErrCodeInvalidArchive: http.StatusUnprocessableEntity,

	ErrCodeExtractionDegraded: http.StatusOK,

	ErrCodeStoreWriteFailed: http.StatusBadGateway,

	ErrCodeCatalogOperationFailed: http.StatusBadGateway,
	ErrCodeQueryTimeout:           http.StatusGatewayTimeout,
}

// AppError represents an application error with additional context
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Details != "" {
		msg = fmt.Sprintf("%s - %s", msg, e.Details)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// ErrorBuilder provides a fluent interface for creating errors
type ErrorBuilder struct {
	code    string
	message string
	details string
	cause   error
}

// NewErrorBuilder creates a new error builder
func NewErrorBuilder(code string) *ErrorBuilder {
	return &ErrorBuilder{code: code}
}

// WithMessage sets the error message
func (eb *ErrorBuilder) WithMessage(message string) *ErrorBuilder {
	eb.message = message
	return eb
}

// WithDetails sets the error details
func (eb *ErrorBuilder) WithDetails(details string) *ErrorBuilder {
	eb.details = details
	return eb
}

// WithCause sets the underlying error cause
func (eb *ErrorBuilder) WithCause(cause error) *ErrorBuilder {
	eb.cause = cause
	return eb
}

// Build constructs the final AppError
func (eb *ErrorBuilder) Build() *AppError {
	if eb.message == "" {
		eb.message = getDefaultMessage(eb.code)
	}

	return &AppError{
		Code:    eb.code,
		Message: eb.message,
		Details: eb.details,
		Cause:   eb.cause,
	}
}

func getDefaultMessage(code string) string {
	messages := map[string]string{
		ErrCodeInvalidRequest:     "The request is invalid",
		ErrCodeInvalidParameters:  "Invalid parameters",
		ErrCodeUnauthorized:       "Unauthorized access",
		ErrCodeInternalError:      "Internal server error",
		ErrCodeServiceUnavailable: "Service temporarily unavailable",
		ErrCodeRateLimitExceeded:  "Rate limit exceeded",

		ErrCodeDownloadFailed: "Download failed",
		ErrCodeInvalidArchive: "Invalid archive file",

		ErrCodeExtractionDegraded: "Archive extraction degraded to recovery mode",

		ErrCodeStoreWriteFailed: "Object store write failed",

		ErrCodeCatalogOperationFailed: "Catalog operation failed",
		ErrCodeQueryTimeout:           "Query timeout",
	}

	if msg, exists := messages[code]; exists {
		return msg
	}
	return "Unknown error"
}

// Convenience functions for the pipeline error taxonomy

func NewDownloadFailedError(cause error, details string) *AppError {
	return NewErrorBuilder(ErrCodeDownloadFailed).
		WithCause(cause).
		WithDetails(details).
		Build()
}

func NewInvalidArchiveError(details string) *AppError {
	return NewErrorBuilder(ErrCodeInvalidArchive).
		WithDetails(details).
		Build()
}

func NewStoreWriteError(cause error, key string) *AppError {
	return NewErrorBuilder(ErrCodeStoreWriteFailed).
		WithCause(cause).
		WithDetails(key).
		Build()
}

func NewCatalogError(cause error, details string) *AppError {
	return NewErrorBuilder(ErrCodeCatalogOperationFailed).
		WithCause(cause).
		WithDetails(details).
		Build()
}

func NewQueryTimeoutError(executionID string) *AppError {
	return NewErrorBuilder(ErrCodeQueryTimeout).
		WithDetails(executionID).
		Build()
}

func NewValidationError(message string, details string) *AppError {
	return NewErrorBuilder(ErrCodeInvalidParameters).
		WithMessage(message).
		WithDetails(details).
		Build()
}

func NewAuthenticationError(message string, cause error) *AppError {
	return NewErrorBuilder(ErrCodeUnauthorized).
		WithMessage(message).
		WithCause(cause).
		Build()
}

// IsErrorType reports whether err, or any error it wraps, is an AppError with the given code.
func IsErrorType(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetErrorStatus returns the HTTP status code for an error
func GetErrorStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		if status, exists := HTTPStatus[appErr.Code]; exists {
			return status
		}
	}
	return http.StatusInternalServerError
}
