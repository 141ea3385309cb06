package authapi

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized is returned for 401, 403 and 404 responses. On login it
	// means there is no backend session; on TOTP verification it means the code
	// was rejected.
	ErrUnauthorized = errors.New("authapi: unauthorized")

	// ErrRateLimited is returned for 429 responses
	ErrRateLimited = errors.New("authapi: too many attempts")

	// ErrUnexpectedStatus is returned for any other non-success status
	ErrUnexpectedStatus = errors.New("authapi: unexpected status")

	// ErrTransport wraps network level failures
	ErrTransport = errors.New("authapi: transport failure")

	// ErrMalformedResponse is returned when a success response does not have
	// the expected shape
	ErrMalformedResponse = errors.New("authapi: malformed response")
)

// StatusError describes a non-success HTTP status returned by the auth service
type StatusError struct {
	Op         string
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
}

// Unwrap maps the status code onto one of the package sentinels so callers
// can use errors.Is without inspecting codes.
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return ErrUnauthorized
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return ErrUnexpectedStatus
	}
}

// StatusCode returns the HTTP status carried by err, or 0 if there is none
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
