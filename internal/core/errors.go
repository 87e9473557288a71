// Package core provides core types and interfaces for the vision chat service.
package core

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// ErrorType represents the type of error that occurred
type ErrorType string

const (
	// ErrorTypeModel indicates the encode/answer capability itself failed (502)
	ErrorTypeModel ErrorType = "model_error"
	// ErrorTypeExpiredOrUnknownKey indicates an image key that was never issued or has been evicted (404)
	ErrorTypeExpiredOrUnknownKey ErrorType = "expired_or_unknown_key"
	// ErrorTypeTimeout indicates a slot wait or model call exceeded its deadline (504)
	ErrorTypeTimeout ErrorType = "timeout_error"
	// ErrorTypeResourceExhausted indicates the encoding store is full (503)
	ErrorTypeResourceExhausted ErrorType = "resource_exhausted"
	// ErrorTypeInvalidRequest indicates a client error (4xx)
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
	// ErrorTypeAuthentication indicates an authentication error (401)
	ErrorTypeAuthentication ErrorType = "authentication_error"
)

// InferenceError is the base error type for all errors surfaced to callers
type InferenceError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code"`
	Backend    string    `json:"backend,omitempty"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *InferenceError) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Backend, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *InferenceError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *InferenceError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Type {
	case ErrorTypeModel:
		return http.StatusBadGateway
	case ErrorTypeExpiredOrUnknownKey:
		return http.StatusNotFound
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeResourceExhausted:
		return http.StatusServiceUnavailable
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts the error to a JSON-compatible map
func (e *InferenceError) ToJSON() map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    e.Type,
			"message": e.Message,
		},
	}
}

// NewModelError creates a new model error. Model errors are never retried automatically.
func NewModelError(backend string, message string, err error) *InferenceError {
	return &InferenceError{
		Type:       ErrorTypeModel,
		Message:    message,
		StatusCode: http.StatusBadGateway,
		Backend:    backend,
		Err:        err,
	}
}

// NewExpiredOrUnknownKeyError creates a cache-miss error for the given image key (404).
// The caller must run describe again to obtain a fresh key.
func NewExpiredOrUnknownKeyError(key string) *InferenceError {
	return &InferenceError{
		Type:       ErrorTypeExpiredOrUnknownKey,
		Message:    fmt.Sprintf("image key %q is unknown or has expired; upload the image again", key),
		StatusCode: http.StatusNotFound,
	}
}

// NewTimeoutError creates a new timeout error (504)
func NewTimeoutError(message string, err error) *InferenceError {
	return &InferenceError{
		Type:       ErrorTypeTimeout,
		Message:    message,
		StatusCode: http.StatusGatewayTimeout,
		Err:        err,
	}
}

// NewResourceExhaustedError creates a new resource exhausted error (503)
func NewResourceExhaustedError(message string, err error) *InferenceError {
	return &InferenceError{
		Type:       ErrorTypeResourceExhausted,
		Message:    message,
		StatusCode: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// NewInvalidRequestError creates a new invalid request error (400)
func NewInvalidRequestError(message string, err error) *InferenceError {
	return NewInvalidRequestErrorWithStatus(http.StatusBadRequest, message, err)
}

// NewInvalidRequestErrorWithStatus creates a new invalid request error with a specific status code
func NewInvalidRequestErrorWithStatus(statusCode int, message string, err error) *InferenceError {
	return &InferenceError{
		Type:       ErrorTypeInvalidRequest,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// NewAuthenticationError creates a new authentication error (401)
func NewAuthenticationError(message string) *InferenceError {
	return &InferenceError{
		Type:       ErrorTypeAuthentication,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

// ParseBackendError converts a non-2xx response from an inference backend into a model error.
// The upstream status is kept in the message; the caller-facing status is always 502.
func ParseBackendError(backend string, statusCode int, body []byte, originalErr error) *InferenceError {
	message := extractErrorMessage(body)
	if message == "" {
		message = http.StatusText(statusCode)
	}
	return NewModelError(backend, fmt.Sprintf("backend returned %d: %s", statusCode, message), originalErr)
}

// extractErrorMessage pulls a readable message out of a backend error body.
// OpenAI-compatible servers nest it under error.message, Ollama returns {"error": "..."}.
func extractErrorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return string(body)
	}
	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() && msg.String() != "" {
		return msg.String()
	}
	if msg := gjson.GetBytes(body, "error"); msg.Type == gjson.String {
		return msg.String()
	}
	return string(body)
}

// TypeOf returns the ErrorType of err, or "" when err is not an InferenceError.
func TypeOf(err error) ErrorType {
	var ie *InferenceError
	if errors.As(err, &ie) {
		return ie.Type
	}
	return ""
}
