// Package errors provides standardized error handling for the media service.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the media service.
type ErrorCode string

const (
	// Validation errors
	MEDIA_VALIDATION  ErrorCode = "MEDIA_VALIDATION"  // Missing or malformed parameters
	MEDIA_BAD_REQUEST ErrorCode = "MEDIA_BAD_REQUEST" // Bad request
	MEDIA_BAD_EVENT   ErrorCode = "MEDIA_BAD_EVENT"   // Webhook payload failed validation

	// Authentication/Authorization errors
	MEDIA_AUTHN     ErrorCode = "MEDIA_AUTHN"     // Authentication failed
	MEDIA_AUTHZ     ErrorCode = "MEDIA_AUTHZ"     // Playback or ownership denied
	MEDIA_SIGNATURE ErrorCode = "MEDIA_SIGNATURE" // Webhook signature missing or invalid

	// Resource errors
	MEDIA_NOT_FOUND ErrorCode = "MEDIA_NOT_FOUND" // No matching lesson or asset
	MEDIA_CONFLICT  ErrorCode = "MEDIA_CONFLICT"  // Conditional update lost the race

	// Upstream errors
	MEDIA_UPSTREAM          ErrorCode = "MEDIA_UPSTREAM"          // Provider rejected the call
	MEDIA_UPSTREAM_TIMEOUT  ErrorCode = "MEDIA_UPSTREAM_TIMEOUT"  // Provider unreachable past the retry ceiling
	MEDIA_PROCESSING_FAILED ErrorCode = "MEDIA_PROCESSING_FAILED" // Provider reported a terminal asset error

	// Server errors
	MEDIA_INTERNAL    ErrorCode = "MEDIA_INTERNAL"    // Internal server error
	MEDIA_UNAVAILABLE ErrorCode = "MEDIA_UNAVAILABLE" // Service unavailable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case MEDIA_VALIDATION, MEDIA_BAD_REQUEST, MEDIA_BAD_EVENT:
		return http.StatusBadRequest
	case MEDIA_AUTHN, MEDIA_SIGNATURE:
		return http.StatusUnauthorized
	case MEDIA_AUTHZ:
		return http.StatusForbidden
	case MEDIA_NOT_FOUND:
		return http.StatusNotFound
	case MEDIA_CONFLICT:
		return http.StatusConflict
	case MEDIA_UPSTREAM_TIMEOUT:
		return http.StatusGatewayTimeout
	case MEDIA_UPSTREAM, MEDIA_PROCESSING_FAILED:
		return http.StatusBadGateway
	case MEDIA_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
