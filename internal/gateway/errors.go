package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrCircuitOpen is returned when a dependency's circuit breaker is open
// and the call was short-circuited without being attempted.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Kind classifies an outbound call failure for retry decisions.
type Kind string

const (
	// KindTransient covers network errors, timeouts and 5xx responses.
	KindTransient Kind = "transient"
	// KindRateLimited covers 429 and equivalent throttling signals.
	KindRateLimited Kind = "rate_limited"
	// KindClient covers definitive 4xx errors that must not be retried.
	KindClient Kind = "client"
	// KindUnauthorized is a definitive client error that additionally
	// raises an operational alarm (credentials are broken, not the call).
	KindUnauthorized Kind = "unauthorized"
)

// Error is a classified failure from an outbound dependency call.
type Error struct {
	Dependency string
	Operation  string
	Kind       Kind
	StatusCode int
	// RetryAfter is a server-provided backoff hint (e.g. Retry-After or
	// rate-limit reset headers). Zero when the server gave none.
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s failed: %v (status %d)", e.Dependency, e.Operation, e.Err, e.StatusCode)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Dependency, e.Operation, e.Err)
}

// Unwrap allows errors.Is and errors.As to reach the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the gateway may retry the call.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

// Transient wraps err as a retryable transient failure.
func Transient(err error) *Error {
	return &Error{Kind: KindTransient, Err: err}
}

// RateLimited wraps err as a throttling failure with an optional
// server-provided backoff hint.
func RateLimited(err error, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, RetryAfter: retryAfter, Err: err}
}

// FromStatusCode classifies an HTTP response status into a gateway error.
// Non-error statuses return nil.
func FromStatusCode(statusCode int, err error) *Error {
	if statusCode < 400 {
		return nil
	}
	kind := KindClient
	switch {
	case statusCode == http.StatusTooManyRequests:
		kind = KindRateLimited
	case statusCode == http.StatusUnauthorized:
		kind = KindUnauthorized
	case statusCode >= 500:
		kind = KindTransient
	}
	if err == nil {
		err = fmt.Errorf("unexpected status %d", statusCode)
	}
	return &Error{Kind: kind, StatusCode: statusCode, Err: err}
}

// classify normalizes an arbitrary error into a *Error. Errors that are not
// already classified are treated as transient: network failures and timeouts
// dominate that population and retrying a spurious one is harmless.
func classify(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return &Error{Kind: KindTransient, Err: err}
}
