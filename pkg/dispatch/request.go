package dispatch

import (
	"time"
)

// State tracks a request through its bounded retry state machine.
// PENDING is the only initial state; SUCCEEDED and the FAILED_* states
// are terminal.
type State string

const (
	StatePending            State = "PENDING"
	StateDispatched         State = "DISPATCHED"
	StateRetrying           State = "RETRYING"
	StateSucceeded          State = "SUCCEEDED"
	StateFailedExhausted    State = "FAILED_EXHAUSTED"
	StateFailedNonRetryable State = "FAILED_NONRETRYABLE"
	StateFailedPoolEmpty    State = "FAILED_POOL_EXHAUSTED"
	StateFailedTimeout      State = "FAILED_TIMEOUT"
)

// Terminal reports whether the state machine halts in this state.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailedExhausted, StateFailedNonRetryable,
		StateFailedPoolEmpty, StateFailedTimeout:
		return true
	default:
		return false
	}
}

// CallRequest is one logical provider call. The payload is opaque to
// the dispatcher; the provider caller knows its shape. Immutable once
// submitted.
type CallRequest struct {
	// Payload is handed to the provider caller unchanged.
	Payload any

	// Timeout overrides the configured first-attempt deadline when > 0.
	Timeout time.Duration

	// RetryTimeout overrides the configured retry deadline when > 0.
	RetryTimeout time.Duration

	// MaxAttempts overrides the configured attempt budget when > 0.
	MaxAttempts int
}

// CallAttempt records one try against one credential. Appended to the
// request's attempt history, never mutated after creation.
type CallAttempt struct {
	KeyIndex  int           `json:"key_index"`
	StartedAt time.Time     `json:"started_at"`
	Latency   time.Duration `json:"latency"`
	ErrorKind Kind          `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Succeeded reports whether the attempt completed without error.
func (a CallAttempt) Succeeded() bool {
	return a.ErrorKind == ""
}

// CallResult is the terminal outcome of a CallRequest: either a success
// payload or a classified failure, plus the full attempt history.
type CallResult struct {
	Response any           `json:"response,omitempty"`
	Err      *Error        `json:"error,omitempty"`
	Attempts []CallAttempt `json:"attempts,omitempty"`
	State    State         `json:"state"`
}

// OK reports whether the request succeeded.
func (r CallResult) OK() bool {
	return r.Err == nil
}

func successResult(resp any, attempts []CallAttempt) CallResult {
	return CallResult{
		Response: resp,
		Attempts: attempts,
		State:    StateSucceeded,
	}
}

func failureResult(err *Error, attempts []CallAttempt, state State) CallResult {
	return CallResult{
		Err:      err,
		Attempts: attempts,
		State:    state,
	}
}
