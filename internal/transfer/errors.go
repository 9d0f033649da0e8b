package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrIdleTimeout is the cause of an attempt that saw no request or response
// bytes for the configured timeout.
var ErrIdleTimeout = errors.New("connection idle timeout")

// ErrEndpointMismatch is returned when an operation overrides the endpoint
// with one the engine does not talk to.
var ErrEndpointMismatch = errors.New("endpoint differs from engine endpoint")

// errAborted marks an attempt whose connection was closed because the
// owning transfer finished (cancelled or failed elsewhere).
var errAborted = errors.New("attempt aborted")

// Retryable HTTP statuses.
//
//nolint:gochecknoglobals // policy lookup table
var retryableStatus = map[int]bool{
	http.StatusBadRequest:          true,
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
}

// IsRetryableStatus reports whether an HTTP status may succeed on a new attempt.
func IsRetryableStatus(code int) bool {
	return retryableStatus[code]
}

// StatusError is a non-2xx HTTP response. Code and Message are filled from
// an object store error document when the body carries one.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	if e.Message == "" {
		return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("http status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// Retryable reports whether the status is one of the retryable statuses.
func (e *StatusError) Retryable() bool {
	return IsRetryableStatus(e.StatusCode)
}

// LocalIOError wraps a failure reading or writing the local file.
// It is never retried.
type LocalIOError struct {
	Op  string
	Err error
}

func (e *LocalIOError) Error() string {
	return fmt.Sprintf("local %s: %v", e.Op, e.Err)
}

func (e *LocalIOError) Unwrap() error {
	return e.Err
}

// TransportError wraps a network failure of one attempt.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRetryable classifies an attempt error. Retryable statuses, connect
// failures and timeouts are retryable; everything else is fatal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}

	var localErr *LocalIOError
	if errors.As(err, &localErr) {
		return false
	}

	if errors.Is(err, errAborted) {
		return false
	}

	if errors.Is(err, ErrIdleTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}
