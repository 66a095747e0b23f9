// Package dispatch executes logical LLM requests against a credential
// pool with deadline enforcement, credential rotation on failure, and
// an optional fast-failover mode that races several credentials.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/quizforge/llm-dispatch/pkg/keypool"
)

// Prometheus metrics for dispatch operations.
var (
	dispatchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_requests_total",
		Help: "Total dispatched requests by provider and terminal state",
	}, []string{"provider", "state"})

	dispatchAttemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_attempt_duration_seconds",
		Help:    "Provider call attempt duration in seconds by provider",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"provider"})

	dispatchRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_retries_total",
		Help: "Total retry attempts by provider and error kind",
	}, []string{"provider", "error_kind"})

	dispatchRaceWinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_race_wins_total",
		Help: "Race-mode dispatches won by a concurrent attempt, by provider",
	}, []string{"provider"})
)

// Caller is the provider call capability consumed by the dispatcher.
// Implementations perform the actual network call and classify failures
// by returning a *Error. The dispatcher is agnostic to payload and
// response shape.
type Caller interface {
	Call(ctx context.Context, payload any, cred keypool.Credential) (any, error)
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, payload any, cred keypool.Credential) (any, error)

// Call implements Caller.
func (f CallerFunc) Call(ctx context.Context, payload any, cred keypool.Credential) (any, error) {
	return f(ctx, payload, cred)
}

// Config holds dispatcher configuration.
type Config struct {
	// Provider is the provider identifier, used in logs and metrics.
	Provider string

	// CallTimeout is the deadline for a first attempt.
	CallTimeout time.Duration

	// RetryTimeout is the deadline for retry attempts. Must not exceed
	// CallTimeout.
	RetryTimeout time.Duration

	// MaxAttempts is the per-request attempt budget.
	MaxAttempts int

	// FastFailover races several credentials instead of retrying
	// sequentially, when more than one credential is healthy.
	FastFailover bool

	// MaxParallelKeys caps race-mode fan-out.
	MaxParallelKeys int

	// AuthQuarantine is how long a credential rejected with an auth
	// error stays out of rotation.
	AuthQuarantine time.Duration
}

// DefaultConfig returns a safe default dispatcher configuration.
func DefaultConfig(provider string) Config {
	return Config{
		Provider:        provider,
		CallTimeout:     60 * time.Second,
		RetryTimeout:    30 * time.Second,
		MaxAttempts:     3,
		FastFailover:    true,
		MaxParallelKeys: 5,
		AuthQuarantine:  5 * time.Minute,
	}
}

// Dispatcher executes one logical request at a time against a
// credential pool. It is stateless between calls and safe for
// concurrent use.
type Dispatcher struct {
	pool   *keypool.Pool
	caller Caller
	cfg    Config
	logger zerolog.Logger
}

// New creates a dispatcher for one provider.
func New(cfg Config, pool *keypool.Pool, caller Caller, logger zerolog.Logger) (*Dispatcher, error) {
	if pool == nil {
		return nil, errors.New("credential pool is required")
	}
	if caller == nil {
		return nil, errors.New("provider caller is required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	if cfg.RetryTimeout <= 0 || cfg.RetryTimeout > cfg.CallTimeout {
		cfg.RetryTimeout = cfg.CallTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxParallelKeys <= 0 {
		cfg.MaxParallelKeys = 5
	}
	if cfg.AuthQuarantine <= 0 {
		cfg.AuthQuarantine = 5 * time.Minute
	}

	return &Dispatcher{
		pool:   pool,
		caller: caller,
		cfg:    cfg,
		logger: logger.With().Str("provider", cfg.Provider).Logger(),
	}, nil
}

// Provider returns the provider identifier this dispatcher serves.
func (d *Dispatcher) Provider() string {
	return d.cfg.Provider
}

// Pool returns the dispatcher's credential pool.
func (d *Dispatcher) Pool() *keypool.Pool {
	return d.pool
}

// Dispatch runs one request to a terminal state. In fast-failover mode
// with more than one healthy credential it races; otherwise it retries
// sequentially, rotating credentials between attempts.
func (d *Dispatcher) Dispatch(ctx context.Context, req CallRequest) CallResult {
	var result CallResult
	if d.cfg.FastFailover && d.pool.HealthyCount() > 1 {
		result = d.Race(ctx, req)
	} else {
		result = d.sequential(ctx, req)
	}
	dispatchRequestsTotal.WithLabelValues(d.cfg.Provider, string(result.State)).Inc()
	return result
}

// sequential is the retry-and-rotate loop: acquire a credential, call
// with a deadline, report the outcome, and continue until success, a
// non-retryable failure, pool exhaustion, or the attempt budget is
// spent.
func (d *Dispatcher) sequential(ctx context.Context, req CallRequest) CallResult {
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.cfg.MaxAttempts
	}

	var attempts []CallAttempt
	var lastErr *Error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		cred, err := d.pool.Acquire()
		if err != nil {
			return failureResult(&Error{
				Kind:     KindPoolExhausted,
				Provider: d.cfg.Provider,
				Message:  "no usable credential",
				Err:      err,
			}, attempts, StateFailedPoolEmpty)
		}

		record, resp, callErr := d.attempt(ctx, req, cred, attempt)
		attempts = append(attempts, record)

		if callErr == nil {
			d.pool.ReportSuccess(cred)
			if attempt > 0 {
				d.logger.Info().
					Int("attempt", attempt+1).
					Int("key_index", cred.Index).
					Msg("Request succeeded after retry")
			}
			return successResult(resp, attempts)
		}

		kind := record.ErrorKind
		lastErr = &Error{Kind: kind, Provider: d.cfg.Provider, Message: record.Error, Err: callErr}
		d.reportFailure(cred, kind)

		if !kind.Retryable() {
			d.logger.Warn().
				Str("error_kind", string(kind)).
				Int("key_index", cred.Index).
				Msg("Non-retryable failure, not rotating")
			return failureResult(lastErr, attempts, StateFailedNonRetryable)
		}

		dispatchRetriesTotal.WithLabelValues(d.cfg.Provider, string(kind)).Inc()
		d.logger.Warn().
			Str("error_kind", string(kind)).
			Int("attempt", attempt+1).
			Int("key_index", cred.Index).
			Msg("Attempt failed, rotating credential")

		if ctx.Err() != nil {
			break
		}
	}

	return failureResult(&Error{
		Kind:     lastErr.Kind,
		Provider: d.cfg.Provider,
		Message:  "all attempts failed",
		Err:      errors.Join(ErrRetriesExhausted, lastErr),
	}, attempts, StateFailedExhausted)
}

// attempt performs one provider call bounded by the attempt deadline
// and returns its record.
func (d *Dispatcher) attempt(ctx context.Context, req CallRequest, cred keypool.Credential, n int) (CallAttempt, any, error) {
	timeout := d.callTimeout(req, n)
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := d.caller.Call(cctx, req.Payload, cred)
	latency := time.Since(start)
	dispatchAttemptDuration.WithLabelValues(d.cfg.Provider).Observe(latency.Seconds())

	record := CallAttempt{
		KeyIndex:  cred.Index,
		StartedAt: start,
		Latency:   latency,
	}
	if err != nil {
		record.ErrorKind = Classify(err)
		record.Error = err.Error()
	}
	return record, resp, err
}

func (d *Dispatcher) callTimeout(req CallRequest, attempt int) time.Duration {
	if attempt == 0 {
		if req.Timeout > 0 {
			return req.Timeout
		}
		return d.cfg.CallTimeout
	}
	if req.RetryTimeout > 0 {
		return req.RetryTimeout
	}
	return d.cfg.RetryTimeout
}

// reportFailure routes the failure to the pool. Auth errors prove the
// key is broken and quarantine it immediately; transient kinds go
// through the consecutive-failure counter.
func (d *Dispatcher) reportFailure(cred keypool.Credential, kind Kind) {
	if kind == KindAuthError {
		d.pool.QuarantineNow(cred, d.cfg.AuthQuarantine)
		return
	}
	d.pool.ReportFailure(cred)
}
