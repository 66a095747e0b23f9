package dispatch

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a provider call failure. The classification decides
// whether the dispatcher rotates to another credential and retries, or
// terminates the request immediately.
type Kind string

const (
	// KindTimeout means the attempt exceeded its deadline.
	KindTimeout Kind = "timeout"

	// KindRateLimited means the provider pushed back on the credential.
	KindRateLimited Kind = "rate_limited"

	// KindTransportError covers network failures and 5xx responses.
	KindTransportError Kind = "transport_error"

	// KindInvalidResponse means the request itself is malformed or the
	// provider returned an unusable body. Retrying cannot help.
	KindInvalidResponse Kind = "invalid_response"

	// KindAuthError means the credential is rejected outright. The key
	// is quarantined immediately.
	KindAuthError Kind = "auth_error"

	// KindPoolExhausted means every credential is quarantined; no call
	// was attempted.
	KindPoolExhausted Kind = "pool_exhausted"
)

// Retryable reports whether a failure of this kind should rotate to a
// different credential and try again.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindRateLimited, KindTransportError:
		return true
	default:
		return false
	}
}

// Common errors returned by the dispatcher.
var (
	// ErrRetriesExhausted is returned when the attempt budget is spent.
	ErrRetriesExhausted = errors.New("retry attempts exhausted")

	// ErrBatchTooLarge is returned when a batch exceeds the size limit.
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")
)

// Error is a classified dispatch failure.
type Error struct {
	Kind     Kind   `json:"kind"`
	Provider string `json:"provider,omitempty"`
	Message  string `json:"message"`
	Err      error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s error: %s: %v", e.Provider, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s error: %s", e.Provider, e.Kind, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Classify extracts the Kind from an error returned by a provider
// caller. Deadline expiry maps to timeout; anything unclassified is a
// transport error, the safest retryable default.
func Classify(err error) Kind {
	var de *Error
	if errors.As(err, &de) && de.Kind != "" {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransportError
}
