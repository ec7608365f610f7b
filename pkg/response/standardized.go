package response

import (
	"errors"
	"net/http"
	"time"

	"vault-ingest/internal/utils"
)

// StandardResponse represents a standardized API response
type StandardResponse struct {
	Success       bool        `json:"success"`
	Data          interface{} `json:"data,omitempty"`
	Error         *ErrorInfo  `json:"error,omitempty"`
	Message       string      `json:"message,omitempty"`
	CorrelationID string      `json:"correlationId"`
	Timestamp     time.Time   `json:"timestamp"`
}

// ErrorInfo represents error information in responses
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse creates a successful response
func SuccessResponse(data interface{}, correlationID string) *StandardResponse {
	return &StandardResponse{
		Success:       true,
		Data:          data,
		CorrelationID: correlationID,
		Timestamp:     time.Now(),
	}
}

// ErrorResponse creates an error response
func ErrorResponse(code, message, details, correlationID string) *StandardResponse {
	return &StandardResponse{
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
			Details: details,
		},
		CorrelationID: correlationID,
		Timestamp:     time.Now(),
	}
}

// ErrorResponseFromAppError creates an error response from AppError
func ErrorResponseFromAppError(appErr *utils.AppError, correlationID string) *StandardResponse {
	details := appErr.Details
	if appErr.Cause != nil {
		if details != "" {
			details += ": "
		}
		details += appErr.Cause.Error()
	}
	return ErrorResponse(appErr.Code, appErr.Message, details, correlationID)
}

// FromError maps any error to an HTTP status and envelope. Errors that are not AppErrors
// are reported as internal errors without leaking their text.
func FromError(err error, correlationID string) (int, *StandardResponse) {
	var appErr *utils.AppError
	if errors.As(err, &appErr) {
		return utils.GetErrorStatus(appErr), ErrorResponseFromAppError(appErr, correlationID)
	}
	return http.StatusInternalServerError, InternalServerErrorResponse(correlationID)
}

// ValidationErrorResponse creates a validation error response
func ValidationErrorResponse(message string, correlationID string) *StandardResponse {
	return ErrorResponse(utils.ErrCodeInvalidParameters, message, "", correlationID)
}

// InternalServerErrorResponse creates an internal server error response
func InternalServerErrorResponse(correlationID string) *StandardResponse {
	return ErrorResponse(utils.ErrCodeInternalError, "An internal error occurred", "", correlationID)
}
