// Package core provides core types and errors for the tiergate pipeline.
package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// ErrorType represents the kind of failure that occurred
type ErrorType string

const (
	// ErrorTypeAuthentication indicates a bad or missing credential (401)
	ErrorTypeAuthentication ErrorType = "authentication_error"
	// ErrorTypeValidation indicates a malformed payload (422)
	ErrorTypeValidation ErrorType = "validation_error"
	// ErrorTypeNoModelsAvailable indicates the tier has no configured candidates
	ErrorTypeNoModelsAvailable ErrorType = "no_models_available"
	// ErrorTypeAPI indicates the downstream returned a terminal non-2xx status
	ErrorTypeAPI ErrorType = "api_error"
	// ErrorTypeNetwork indicates the downstream could not be reached
	ErrorTypeNetwork ErrorType = "network_error"
	// ErrorTypeFailoverExhausted indicates every candidate failed transiently
	ErrorTypeFailoverExhausted ErrorType = "failover_exhausted"
	// ErrorTypeQuotaExceeded indicates admission was rejected by the budget guard (429)
	ErrorTypeQuotaExceeded ErrorType = "quota_exceeded"
	// ErrorTypeInternal indicates an invariant violation (500)
	ErrorTypeInternal ErrorType = "internal_error"
)

// GatewayError is the single error type surfaced by the pipeline.
type GatewayError struct {
	Type    ErrorType      `json:"type"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	// StatusCode is the downstream status for api_error, otherwise the
	// status the boundary should answer with. Zero means "derive from Type".
	StatusCode int `json:"status_code,omitempty"`
	// Body is the parsed downstream error document, if any
	Body any `json:"-"`
	// Err is the underlying cause (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the status code the HTTP boundary answers with.
func (e *GatewayError) HTTPStatusCode() int {
	if e.Type == ErrorTypeAPI {
		if e.StatusCode >= 400 && e.StatusCode < 600 {
			return e.StatusCode
		}
		return http.StatusBadGateway
	}
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Type {
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeValidation:
		return http.StatusUnprocessableEntity
	case ErrorTypeQuotaExceeded:
		return http.StatusTooManyRequests
	case ErrorTypeNetwork:
		return http.StatusBadGateway
	case ErrorTypeNoModelsAvailable, ErrorTypeFailoverExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts the error to the wire shape
// {"error": {"type", "message", "request_id", "details"?}}.
func (e *GatewayError) ToJSON(requestID string) map[string]any {
	body := map[string]any{
		"type":       e.Type,
		"message":    e.Message,
		"request_id": requestID,
	}
	if len(e.Details) > 0 {
		body["details"] = e.Details
	}
	return map[string]any{"error": body}
}

// NewAuthenticationError creates a new authentication error (401)
func NewAuthenticationError(message string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeAuthentication,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

// NewValidationError creates a new validation error (422)
func NewValidationError(message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeValidation,
		Message:    message,
		StatusCode: http.StatusUnprocessableEntity,
		Err:        err,
	}
}

// NewNoModelsAvailableError reports an empty candidate list for tier.
func NewNoModelsAvailableError(tier Tier) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeNoModelsAvailable,
		Message:    fmt.Sprintf("no models available for tier: %s", tier),
		StatusCode: http.StatusServiceUnavailable,
	}
}

// NewAPIError builds an api_error from a downstream status and body.
// The message is taken from error.message when the body carries one.
func NewAPIError(statusCode int, body []byte) *GatewayError {
	message := "downstream API error"
	if m := gjson.GetBytes(body, "error.message"); m.Exists() && m.String() != "" {
		message = m.String()
	}

	var parsed any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err != nil {
			parsed = string(body)
		}
	}

	return &GatewayError{
		Type:       ErrorTypeAPI,
		Message:    message,
		StatusCode: statusCode,
		Body:       parsed,
	}
}

// NewNetworkError wraps a transport failure that produced no HTTP response.
func NewNetworkError(err error) *GatewayError {
	message := "failed to reach downstream"
	if err != nil {
		message = err.Error()
	}
	return &GatewayError{
		Type:       ErrorTypeNetwork,
		Message:    message,
		StatusCode: http.StatusBadGateway,
		Err:        err,
	}
}

// NewFailoverExhaustedError wraps the last failure observed across candidates.
func NewFailoverExhaustedError(last error) *GatewayError {
	message := "all candidate models failed"
	if last != nil {
		message = "all candidate models failed: " + last.Error()
	}
	return &GatewayError{
		Type:       ErrorTypeFailoverExhausted,
		Message:    message,
		StatusCode: http.StatusServiceUnavailable,
		Err:        last,
	}
}

// NewQuotaExceededError creates an admission rejection (429).
func NewQuotaExceededError(message string, details map[string]any) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeQuotaExceeded,
		Message:    message,
		Details:    details,
		StatusCode: http.StatusTooManyRequests,
	}
}

// NewInternalError creates an invariant violation error (500).
func NewInternalError(message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// AsGatewayError returns err as a *GatewayError, wrapping unknown errors as
// internal errors so callers always have a kind and status to report.
func AsGatewayError(err error) *GatewayError {
	if err == nil {
		return nil
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}
	return NewInternalError("an unexpected error occurred", err)
}
