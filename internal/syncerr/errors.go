// Package syncerr defines the closed error taxonomy shared by the
// adapters, the sync engine, and the control plane. Codes are stable
// strings: they appear in metrics labels, failed records, and the HTTP
// error envelope, so they must never change spelling.
package syncerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error class. The set is closed.
type Code string

const (
	CodeTransport      Code = "transport"
	CodeRateLimited    Code = "rate_limited"
	CodeDependency     Code = "dependency_unavailable"
	CodeValidation     Code = "validation_failed"
	CodeConflict       Code = "conflict"
	CodeAuthFailed     Code = "auth_failed"
	CodeDataMissing    Code = "data_missing"
	CodeNotFound       Code = "not_found"
	CodeInternal       Code = "internal"
)

// Error carries a taxonomy code plus the wire detail that produced it.
type Error struct {
	Code       Code
	Message    string
	HTTPStatus int // upstream status when applicable, 0 otherwise
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a taxonomy error.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a taxonomy code to an underlying error.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// WithStatus records the upstream HTTP status on the error.
func (e *Error) WithStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// StatusOf returns the upstream HTTP status recorded on err, or 0.
func StatusOf(err error) int {
	var se *Error
	if errors.As(err, &se) {
		return se.HTTPStatus
	}
	return 0
}

// CodeOf extracts the taxonomy code from err, defaulting to internal.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable reports whether the HTTP client may retry the failure.
// Validation, conflict, and auth failures are terminal by design.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeTransport, CodeRateLimited, CodeDependency:
		return true
	default:
		return false
	}
}

// FromStatus maps an upstream HTTP status to a taxonomy error.
func FromStatus(status int, msg string) *Error {
	var code Code
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = CodeAuthFailed
	case status == http.StatusNotFound:
		code = CodeNotFound
	case status == http.StatusConflict:
		code = CodeConflict
	case status == http.StatusUnprocessableEntity:
		code = CodeValidation
	case status == http.StatusTooManyRequests:
		code = CodeRateLimited
	case status >= 500:
		code = CodeDependency
	case status >= 400:
		code = CodeInternal
	default:
		code = CodeInternal
	}
	return &Error{Code: code, Message: msg, HTTPStatus: status}
}

// EnvelopeStatus maps a taxonomy code to the control-plane response status.
func EnvelopeStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusUnprocessableEntity
	case CodeConflict:
		return http.StatusConflict
	case CodeAuthFailed:
		return http.StatusUnauthorized
	case CodeNotFound, CodeDataMissing:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeDependency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
