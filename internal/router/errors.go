package router

import (
	"errors"
	"fmt"
)

// FailureKind tags a single-attempt provider failure. Retry policy keys
// off the kind, not the wire-format specifics of each backend.
type FailureKind string

const (
	FailureTransport      FailureKind = "transport"
	FailureTimeout        FailureKind = "timeout"
	FailureResponseFormat FailureKind = "response_format"
)

// ProviderError wraps a single failed attempt against one provider.
// It never escapes the failover router: callers only ever see
// ErrAllProvidersExhausted.
type ProviderError struct {
	Provider string
	Kind     FailureKind
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ErrAllProvidersExhausted is returned when every ordered provider's
// retry budget has been spent. The last provider error is carried for
// diagnosis; the call is safely retryable later.
type ErrAllProvidersExhausted struct {
	LastErr error
}

func (e *ErrAllProvidersExhausted) Error() string {
	if e.LastErr == nil {
		return "all providers exhausted"
	}
	return fmt.Sprintf("all providers exhausted, last error: %v", e.LastErr)
}

func (e *ErrAllProvidersExhausted) Unwrap() error { return e.LastErr }

// IsExhausted reports whether err is (or wraps) an all-providers-exhausted
// failure.
func IsExhausted(err error) bool {
	var ex *ErrAllProvidersExhausted
	return errors.As(err, &ex)
}
