package gitterapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrNotAuthenticated is matched (errors.Is) by any failure caused by a
// rejected or unavailable credential. It is never retried automatically.
var ErrNotAuthenticated = errors.New("gitterapi: not authenticated")

// TransportError is a network or TLS level failure of a request.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("gitterapi: %s: %v", e.Op, e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// APIError is a non-2xx response from the service.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gitterapi: %s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Is makes 401 responses match ErrNotAuthenticated.
func (e *APIError) Is(target error) bool {
	return target == ErrNotAuthenticated && e.StatusCode == http.StatusUnauthorized
}

// ProtocolError is a malformed or incomplete JSON record.
type ProtocolError struct {
	Record string
	Err    error
}

func (e *ProtocolError) Error() string {
	rec := e.Record
	if len(rec) > 120 {
		rec = rec[:120] + "..."
	}
	return fmt.Sprintf("gitterapi: malformed record %q: %v", rec, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ErrorClass represents whether an error should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates a transient failure (network, 5xx, 429).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates retrying cannot help (credentials, 4xx, malformed data, cancellation).
	ErrorClassFatal
	// ErrorClassUnknown indicates the error type cannot be determined.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify sorts an error returned by this package into retryable vs fatal.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, ErrNotAuthenticated) || errors.Is(err, context.Canceled) {
		return ErrorClassFatal
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests, apiErr.StatusCode >= 500:
			return ErrorClassRetryable
		default:
			return ErrorClassFatal
		}
	}
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return ErrorClassFatal
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassRetryable
	}
	return ErrorClassUnknown
}
