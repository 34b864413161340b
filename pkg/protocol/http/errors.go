package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrRangeNotSatisfiable is wrapped by the HTTPError returned for a 416 response.
	ErrRangeNotSatisfiable = errors.New("requested range not satisfiable")
	// ErrUnsupportedURL is returned for URLs that are not absolute http(s) URLs.
	ErrUnsupportedURL = errors.New("url is not a valid http or https url")
	// ErrUnexpectedContentRange is returned when a 206 does not start at the requested offset.
	ErrUnexpectedContentRange = errors.New("unexpected content-range in partial response")

	errReadStalled = errors.New("no data received within read timeout")
)

type ErrorType int

const (
	ErrorTypeNetwork ErrorType = iota
	ErrorTypeHTTP
	ErrorTypeValidation
	ErrorTypeTimeout
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeNetwork:
		return "network"
	case ErrorTypeHTTP:
		return "http"
	case ErrorTypeValidation:
		return "validation"
	case ErrorTypeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

type HTTPError struct {
	Type      ErrorType
	Operation string
	URL       string
	Status    int
	Err       error
}

func (e *HTTPError) Error() string {
	switch e.Type {
	case ErrorTypeHTTP:
		return fmt.Sprintf("HTTP error during %s for %s: status %d: %v",
			e.Operation, e.URL, e.Status, e.Err)
	case ErrorTypeNetwork:
		return fmt.Sprintf("network error during %s for %s: %v",
			e.Operation, e.URL, e.Err)
	case ErrorTypeTimeout:
		return fmt.Sprintf("timeout during %s for %s: %v",
			e.Operation, e.URL, e.Err)
	default:
		return fmt.Sprintf("error during %s for %s: %v",
			e.Operation, e.URL, e.Err)
	}
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the same request may succeed.
func (e *HTTPError) Transient() bool {
	switch e.Type {
	case ErrorTypeNetwork, ErrorTypeTimeout:
		return true
	case ErrorTypeHTTP:
		return transientStatus(e.Status)
	default:
		return false
	}
}

func transientStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

// IsTransient reports whether err is an HTTPError worth retrying.
// Anything else, including sink and disk errors, is permanent.
func IsTransient(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Transient()
	}
	return false
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status
	}
	return 0
}

func NewHTTPStatusError(op, url string, status int, err error) *HTTPError {
	return &HTTPError{Type: ErrorTypeHTTP, Operation: op, URL: url, Status: status, Err: err}
}

func NewValidationError(op, url string, err error) *HTTPError {
	return &HTTPError{Type: ErrorTypeValidation, Operation: op, URL: url, Err: err}
}

// NewHTTPNetworkError classifies a transport failure as a timeout or network error.
func NewHTTPNetworkError(op, url string, err error) *HTTPError {
	if isTimeout(err) {
		return &HTTPError{Type: ErrorTypeTimeout, Operation: op, URL: url, Err: err}
	}
	return &HTTPError{Type: ErrorTypeNetwork, Operation: op, URL: url, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errReadStalled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
