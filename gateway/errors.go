package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrServiceUnreachable marks network-level failures: the request never
	// produced an HTTP response.
	ErrServiceUnreachable = errors.New("service unreachable")
	// ErrEmptyResponse is returned by strict requests whose 2xx body is empty.
	ErrEmptyResponse = errors.New("empty response body")
	// ErrInvalidResponse is returned by strict requests whose 2xx body is not
	// JSON, and by DoJSON when the body does not fit the target.
	ErrInvalidResponse = errors.New("invalid response body")

	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// HTTPError is a non-2xx response. Message carries the backend's
// human-readable explanation.
type HTTPError struct {
	Status  int
	Message string
}

// Error returns the backend message, or the status code when it sent none.
func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP error %d", e.Status)
	}
	return e.Message
}

// Is maps well-known statuses onto the package sentinels.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case ErrForbidden:
		return e.Status == http.StatusForbidden
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

// ClientError reports whether the status is in the 4xx range.
func (e *HTTPError) ClientError() bool {
	return e.Status >= 400 && e.Status < 500
}

// AsHTTPError unwraps err into an *HTTPError.
func AsHTTPError(err error) (*HTTPError, bool) {
	var he *HTTPError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}
