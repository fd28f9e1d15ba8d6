// Package apperror defines a typed internal error used at component
// boundaries.
//
// AppError carries a short error code (NOT_FOUND, BAD_REQUEST, INTERNAL,
// ...), a human-readable message, and an optional wrapped error. Internal
// components (the config store) return *AppError directly rather than
// the error interface, so callers get a concrete type they can inspect for
// a code without an errors.As round trip, and so a nil return can never be
// mistaken for a non-nil error interface wrapping a nil pointer.
//
// Methods:
//   - HTTPStatus() — maps the code to an HTTP status
//   - WriteJSON()  — writes the error as an HTTP response body
//   - Error()      — implements the error interface
//   - Unwrap()     — supports errors.Is / errors.As
//
// Constructors:
//   - New(code, message)        — a bare error
//   - Wrap(code, message, err)  — wraps an existing error
//   - NotFound, BadRequest, Internal, Validation, Timeout — shortcuts
package apperror

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// AppError is a typed application error.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error formats the error as "[CODE] message: wrapped error".
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error, for errors.Is / errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a bare AppError with no wrapped error.
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap adds an error code and message to an error from a lower layer.
func Wrap(code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// HTTPStatus maps the error code to the HTTP status it corresponds to.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case "NOT_FOUND":
		return http.StatusNotFound
	case "BAD_REQUEST", "VALIDATION":
		return http.StatusBadRequest
	case "UNAUTHORIZED":
		return http.StatusUnauthorized
	case "FORBIDDEN":
		return http.StatusForbidden
	case "TIMEOUT":
		return http.StatusGatewayTimeout
	case "CONFLICT":
		return http.StatusConflict
	case "RATE_LIMIT":
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes the error as a JSON HTTP response body with the
// matching status code.
func (e *AppError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())
	json.NewEncoder(w).Encode(map[string]string{
		"error":   e.Code,
		"message": e.Message,
	})
}

// NotFound creates a "not found" error (HTTP 404).
func NotFound(message string) *AppError {
	return New("NOT_FOUND", message)
}

// BadRequest creates a "bad request" error (HTTP 400).
func BadRequest(message string) *AppError {
	return New("BAD_REQUEST", message)
}

// Internal creates a wrapped internal server error (HTTP 500).
func Internal(message string, err error) *AppError {
	return Wrap("INTERNAL", message, err)
}

// Validation creates a validation error (HTTP 400).
func Validation(message string) *AppError {
	return New("VALIDATION", message)
}

// Timeout creates a timeout error (HTTP 504).
func Timeout(message string) *AppError {
	return New("TIMEOUT", message)
}
