package dispatch

import (
	"context"
	"errors"
	"time"
)

// raceOutcome carries one concurrent attempt's result back to the
// collector. Pool reporting happens inside the attempt goroutine so
// that losers still update credential health after the winner returned.
type raceOutcome struct {
	attempt CallAttempt
	resp    any
	err     error
}

// Race issues the same request on up to min(MaxParallelKeys, healthy)
// distinct credentials concurrently and returns the first success,
// cancelling the remaining attempts. Cancellation is cooperative: an
// abandoned attempt may still complete and its result is discarded, but
// its pool report still lands. If every attempt fails the result
// aggregates all attempt errors.
func (d *Dispatcher) Race(ctx context.Context, req CallRequest) CallResult {
	creds, err := d.pool.AcquireDistinct(d.cfg.MaxParallelKeys)
	if err != nil {
		return failureResult(&Error{
			Kind:     KindPoolExhausted,
			Provider: d.cfg.Provider,
			Message:  "no usable credential",
			Err:      err,
		}, nil, StateFailedPoolEmpty)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.cfg.CallTimeout
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make(chan raceOutcome, len(creds))
	for _, cred := range creds {
		cred := cred
		go func() {
			cctx, ccancel := context.WithTimeout(rctx, timeout)
			defer ccancel()

			start := time.Now()
			resp, callErr := d.caller.Call(cctx, req.Payload, cred)
			latency := time.Since(start)
			dispatchAttemptDuration.WithLabelValues(d.cfg.Provider).Observe(latency.Seconds())

			record := CallAttempt{
				KeyIndex:  cred.Index,
				StartedAt: start,
				Latency:   latency,
			}

			switch {
			case callErr == nil:
				d.pool.ReportSuccess(cred)
			case rctx.Err() != nil && !errors.Is(callErr, context.DeadlineExceeded):
				// Lost the race; cancellation is not a key failure.
				record.ErrorKind = KindTimeout
				record.Error = "attempt abandoned"
			default:
				record.ErrorKind = Classify(callErr)
				record.Error = callErr.Error()
				d.reportFailure(cred, record.ErrorKind)
			}

			outcomes <- raceOutcome{attempt: record, resp: resp, err: callErr}
		}()
	}

	d.logger.Debug().
		Int("fan_out", len(creds)).
		Dur("timeout", timeout).
		Msg("Racing credentials")

	var attempts []CallAttempt
	var lastErr *Error

	for i := 0; i < len(creds); i++ {
		out := <-outcomes
		attempts = append(attempts, out.attempt)

		if out.err == nil {
			// First success wins; siblings are cancelled and drained by
			// their own goroutines.
			cancel()
			dispatchRaceWinsTotal.WithLabelValues(d.cfg.Provider).Inc()
			d.logger.Debug().
				Int("key_index", out.attempt.KeyIndex).
				Dur("latency", out.attempt.Latency).
				Msg("Race won")
			return successResult(out.resp, attempts)
		}

		lastErr = &Error{
			Kind:     out.attempt.ErrorKind,
			Provider: d.cfg.Provider,
			Message:  out.attempt.Error,
			Err:      out.err,
		}
	}

	return failureResult(&Error{
		Kind:     lastErr.Kind,
		Provider: d.cfg.Provider,
		Message:  "all concurrent attempts failed",
		Err:      errors.Join(ErrRetriesExhausted, lastErr),
	}, attempts, StateFailedExhausted)
}
