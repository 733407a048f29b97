// Package broker implements the relay broker: the HTTP ingress that routes
// prompt submissions, the websocket acceptor for consumer connections, the
// diagnostics endpoints, and coordinated shutdown.
package broker

import "net/http"

// Code is the wire error code returned in failure bodies.
type Code string

const (
	// CodeValidation reports a malformed, missing, or oversized field.
	CodeValidation Code = "VALIDATION_ERROR"
	// CodeSecurity reports a non-loopback or otherwise forbidden origin.
	CodeSecurity Code = "SECURITY_ERROR"
	// CodeNoConsumer reports that zero consumers are registered.
	CodeNoConsumer Code = "NO_CONSUMER_AVAILABLE"
	// CodeClientNotFound reports a stale or never-issued explicit target id.
	CodeClientNotFound Code = "CLIENT_NOT_FOUND"
	// CodeInvalidClientID reports a target id that is not a positive integer.
	CodeInvalidClientID Code = "INVALID_CLIENT_ID"
	// CodeRateLimited reports an exhausted admission quota.
	CodeRateLimited Code = "RATE_LIMIT_ERROR"
	// CodeNotFound reports an unmatched route.
	CodeNotFound Code = "NOT_FOUND"
	// CodeInternal reports an unexpected failure, surfaced generically.
	CodeInternal Code = "INTERNAL_ERROR"
)

// Error is a routed request failure carrying its wire code.
type Error struct {
	Code    Code   `json:"error"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// HTTPStatus maps the error code to its response status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation, CodeInvalidClientID:
		return http.StatusBadRequest
	case CodeSecurity:
		return http.StatusForbidden
	case CodeClientNotFound, CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeNoConsumer:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}
