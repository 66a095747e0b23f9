// Package metrics provides the centralized Prometheus registry for the
// dispatcher. All metrics are defined in their owning packages (keypool,
// dispatch, batch, jobs) to maintain modularity and avoid circular
// dependencies.
//
// This package provides documentation and reference for all available
// metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the dispatcher.
// All metrics are automatically registered via promauto in their
// respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Credential Pool Metrics (pkg/keypool):
//   - dispatch_pool_healthy_credentials{provider} (Gauge): Credentials currently eligible for use
//   - dispatch_pool_acquisitions_total{provider, strategy} (Counter): Credential acquisitions by strategy
//   - dispatch_pool_quarantines_total{provider, reason} (Counter): Quarantine events by reason
//   - dispatch_pool_exhausted_total{provider} (Counter): Acquisitions that found no eligible credential
//
// Dispatch Metrics (pkg/dispatch):
//   - dispatch_requests_total{provider, state} (Counter): Requests by terminal state
//   - dispatch_attempt_duration_seconds{provider} (Histogram): Per-attempt latency
//   - dispatch_retries_total{provider, error_kind} (Counter): Retries by error kind
//   - dispatch_race_wins_total{provider} (Counter): Fast-failover races won by a parallel attempt
//
// Batch Metrics (pkg/batch):
//   - dispatch_batch_runs_total{outcome} (Counter): Batch runs by outcome (complete, partial)
//   - dispatch_batch_duration_seconds (Histogram): Batch wall-clock duration
//   - dispatch_batch_size (Histogram): Requests per batch
//
// Job Metrics (pkg/jobs):
//   - dispatch_jobs_total{status} (Counter): Async jobs by terminal status
//   - dispatch_job_duration_seconds (Histogram): Enqueue-to-terminal duration
//   - dispatch_job_callbacks_total{outcome} (Counter): Callback deliveries by outcome
//
// Example Prometheus Queries:
//
//   # Success Rate
//   sum(rate(dispatch_requests_total{state="SUCCEEDED"}[5m])) /
//   sum(rate(dispatch_requests_total[5m]))
//
//   # Pool Health
//   dispatch_pool_healthy_credentials < 2
//
//   # Retry Pressure by Error Kind
//   rate(dispatch_retries_total[5m])
//
//   # P95 Attempt Latency
//   histogram_quantile(0.95, rate(dispatch_attempt_duration_seconds_bucket[5m]))
//
//   # Batch Partial-Failure Rate
//   rate(dispatch_batch_runs_total{outcome="partial"}[5m]) /
//   rate(dispatch_batch_runs_total[5m])
