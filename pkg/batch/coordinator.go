package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/quizforge/llm-dispatch/pkg/dispatch"
)

// Prometheus metrics for batch coordination.
var (
	batchRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_batch_runs_total",
		Help: "Total batch runs by outcome (complete, partial, rejected)",
	}, []string{"outcome"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_batch_duration_seconds",
		Help:    "Batch run wall-clock duration in seconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_batch_size",
		Help:    "Number of requests per submitted batch",
		Buckets: []float64{1, 2, 5, 10, 20, 50},
	})
)

// Runner executes one request to a terminal state. *dispatch.Dispatcher
// implements it.
type Runner interface {
	Dispatch(ctx context.Context, req dispatch.CallRequest) dispatch.CallResult
}

// Config holds coordinator configuration.
type Config struct {
	// MaxBatchSize is the upper bound on requests accepted per batch.
	MaxBatchSize int

	// MaxParallelKeys caps the worker pool regardless of the job's own
	// concurrency limit.
	MaxParallelKeys int

	// Timeout bounds a batch run's total wall-clock time.
	Timeout time.Duration
}

// DefaultConfig returns a safe default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:    10,
		MaxParallelKeys: 5,
		Timeout:         30 * time.Second,
	}
}

// Job is an ordered sequence of requests plus a concurrency limit. The
// positional index of each request is its identity in the result.
type Job struct {
	Requests []dispatch.CallRequest

	// Concurrency limits parallel workers for this job; 0 means as many
	// as requests, still capped by Config.MaxParallelKeys.
	Concurrency int
}

// Result is an ordered sequence of CallResult, index-aligned with the
// job's requests regardless of completion order.
type Result struct {
	Results  []dispatch.CallResult
	Duration time.Duration
}

// Succeeded returns how many requests reached SUCCEEDED.
func (r Result) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.OK() {
			n++
		}
	}
	return n
}

// Coordinator schedules batch jobs onto a bounded worker pool.
type Coordinator struct {
	runner Runner
	cfg    Config
	logger zerolog.Logger
}

// New creates a batch coordinator.
func New(cfg Config, runner Runner, logger zerolog.Logger) (*Coordinator, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 10
	}
	if cfg.MaxParallelKeys <= 0 {
		cfg.MaxParallelKeys = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Coordinator{
		runner: runner,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Run executes every request in the job and returns results aligned to
// the submission order. A request's failure never aborts its siblings;
// only an oversized batch is rejected outright, before any work starts.
func (c *Coordinator) Run(ctx context.Context, job Job) (Result, error) {
	n := len(job.Requests)
	if n > c.cfg.MaxBatchSize {
		batchRunsTotal.WithLabelValues("rejected").Inc()
		return Result{}, fmt.Errorf("%w: %d requests, limit %d",
			dispatch.ErrBatchTooLarge, n, c.cfg.MaxBatchSize)
	}
	if n == 0 {
		return Result{}, nil
	}
	batchSize.Observe(float64(n))

	workers := job.Concurrency
	if workers <= 0 || workers > n {
		workers = n
	}
	if workers > c.cfg.MaxParallelKeys {
		workers = c.cfg.MaxParallelKeys
	}

	start := time.Now()
	c.logger.Info().
		Int("batch_size", n).
		Int("workers", workers).
		Msg("Starting batch run")

	bctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	results := make([]dispatch.CallResult, n)
	completed := make([]atomic.Bool, n)

	queue := make(chan int, n)
	for i := 0; i < n; i++ {
		queue <- i
	}
	close(queue)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range queue {
				if bctx.Err() != nil {
					return
				}
				results[idx] = c.runner.Dispatch(bctx, job.Requests[idx])
				completed[idx].Store(true)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timedOut := false
	select {
	case <-done:
	case <-bctx.Done():
		timedOut = true
	}

	// Snapshot by completion flag so a straggler worker writing a slot
	// after the deadline cannot race the result assembly.
	out := make([]dispatch.CallResult, n)
	succeeded, failed, pending := 0, 0, 0
	for i := 0; i < n; i++ {
		if completed[i].Load() {
			out[i] = results[i]
			if out[i].OK() {
				succeeded++
			} else {
				failed++
			}
			continue
		}
		pending++
		out[i] = dispatch.CallResult{
			Err: &dispatch.Error{
				Kind:    dispatch.KindTimeout,
				Message: "batch deadline elapsed before dispatch completed",
			},
			State: dispatch.StateFailedTimeout,
		}
	}

	elapsed := time.Since(start)
	batchDuration.Observe(elapsed.Seconds())

	outcome := "complete"
	if failed > 0 || pending > 0 {
		outcome = "partial"
	}
	batchRunsTotal.WithLabelValues(outcome).Inc()

	evt := c.logger.Info()
	if outcome == "partial" {
		evt = c.logger.Warn()
	}
	evt.Int("batch_size", n).
		Int("succeeded", succeeded).
		Int("failed", failed).
		Int("timed_out", pending).
		Bool("deadline_hit", timedOut).
		Dur("duration", elapsed).
		Msg("Batch run finished")

	return Result{Results: out, Duration: elapsed}, nil
}
