package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/quizforge/llm-dispatch/pkg/batch"
	"github.com/quizforge/llm-dispatch/pkg/logging"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_jobs_total",
		Help: "Async jobs by terminal status",
	}, []string{"status"})

	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_job_duration_seconds",
		Help:    "Wall-clock time from enqueue to terminal status",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	callbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_job_callbacks_total",
		Help: "Callback delivery attempts by outcome",
	}, []string{"outcome"})
)

const callbackTimeout = 10 * time.Second

// Service enqueues async batch jobs and runs the workers that execute
// them.
type Service struct {
	store        Store
	queue        Queue
	coordinators map[string]*batch.Coordinator
	httpClient   *http.Client
	logger       zerolog.Logger
}

// NewService wires a store, a queue and one batch coordinator per
// provider id.
func NewService(store Store, queue Queue, coordinators map[string]*batch.Coordinator) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if len(coordinators) == 0 {
		return nil, fmt.Errorf("at least one coordinator is required")
	}
	return &Service{
		store:        store,
		queue:        queue,
		coordinators: coordinators,
		httpClient:   &http.Client{Timeout: callbackTimeout},
		logger:       logging.NewLogger("jobs"),
	}, nil
}

// Enqueue persists a new job and publishes its id for the workers.
func (s *Service) Enqueue(ctx context.Context, provider string, b batch.Job, callbackURL string) (*Job, error) {
	if _, ok := s.coordinators[provider]; !ok {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
	job := NewJob(provider, b, callbackURL)
	if err := s.store.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}
	if err := s.queue.Publish(ctx, job.ID); err != nil {
		return nil, fmt.Errorf("publish job: %w", err)
	}
	s.logger.Info().
		Str("job_id", job.ID).
		Str("provider", provider).
		Int("batch_size", len(b.Requests)).
		Msg("job enqueued")
	return job, nil
}

// Get returns the current state of a job.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.store.Get(ctx, id)
}

// Run consumes the queue with workerCount workers until the context is
// cancelled. Intended to run in its own goroutine.
func (s *Service) Run(ctx context.Context, workerCount int) error {
	return s.queue.Consume(ctx, workerCount, s.process)
}

// process executes one job to a terminal status. Errors are recorded on
// the job itself; the handler only fails when the job cannot be loaded,
// so the queue can requeue it.
func (s *Service) process(ctx context.Context, jobID string) error {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("job lookup failed")
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	now := time.Now().UTC()
	job.Status = StatusRunning
	job.StartedAt = &now
	if err := s.store.Save(ctx, job); err != nil {
		return err
	}

	coord := s.coordinators[job.Provider]
	result, runErr := coord.Run(ctx, batch.Job{
		Requests:    job.Requests,
		Concurrency: job.Concurrency,
	})

	done := time.Now().UTC()
	job.CompletedAt = &done
	if runErr != nil {
		job.Status = StatusFailed
		job.Error = runErr.Error()
	} else {
		job.Status = StatusCompleted
		job.Results = result.Results
	}
	if err := s.store.Save(ctx, job); err != nil {
		return err
	}

	jobsTotal.WithLabelValues(string(job.Status)).Inc()
	jobDuration.Observe(done.Sub(job.CreatedAt).Seconds())
	s.logger.Info().
		Str("job_id", job.ID).
		Str("status", string(job.Status)).
		Dur("duration", done.Sub(job.CreatedAt)).
		Msg("job finished")

	if job.CallbackURL != "" {
		s.deliverCallback(ctx, job)
	}
	return nil
}

// deliverCallback posts the finished job to its callback URL. Delivery
// failures are logged but never fail the job.
func (s *Service) deliverCallback(ctx context.Context, job *Job) {
	body, err := json.Marshal(job)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("callback marshal failed")
		callbacksTotal.WithLabelValues("error").Inc()
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.CallbackURL, bytes.NewReader(body))
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("callback request failed")
		callbacksTotal.WithLabelValues("error").Inc()
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Str("callback_url", job.CallbackURL).
			Msg("callback delivery failed")
		callbacksTotal.WithLabelValues("error").Inc()
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		s.logger.Warn().Int("status", resp.StatusCode).Str("job_id", job.ID).
			Msg("callback rejected")
		callbacksTotal.WithLabelValues("rejected").Inc()
		return
	}
	callbacksTotal.WithLabelValues("delivered").Inc()
}
