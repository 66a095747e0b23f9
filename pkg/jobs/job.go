// Package jobs runs batch dispatches asynchronously: callers enqueue a
// batch, poll its status by id, and optionally receive the finished
// result via an HTTP callback.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quizforge/llm-dispatch/pkg/batch"
	"github.com/quizforge/llm-dispatch/pkg/dispatch"
)

// ErrNotFound indicates the job id is unknown to the store.
var ErrNotFound = errors.New("job not found")

// Status is the lifecycle state of an async job.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Job is one asynchronous batch dispatch.
type Job struct {
	ID          string                 `json:"id"`
	Provider    string                 `json:"provider"`
	Status      Status                 `json:"status"`
	Requests    []dispatch.CallRequest `json:"-"`
	Concurrency int                    `json:"-"`

	// CallbackURL, when set, receives a POST with the job JSON once the
	// job reaches a terminal status.
	CallbackURL string `json:"callback_url,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Results []dispatch.CallResult `json:"results,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// NewJob builds a queued job with a fresh id.
func NewJob(provider string, b batch.Job, callbackURL string) *Job {
	return &Job{
		ID:          uuid.NewString(),
		Provider:    provider,
		Status:      StatusQueued,
		Requests:    b.Requests,
		Concurrency: b.Concurrency,
		CallbackURL: callbackURL,
		CreatedAt:   time.Now().UTC(),
	}
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Store persists jobs by id.
type Store interface {
	Save(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
}

// MemoryStore keeps jobs in process memory. It is the default store;
// job state does not survive a restart.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

// Save stores a copy of the job, so later mutations by the worker do
// not race concurrent readers.
func (s *MemoryStore) Save(_ context.Context, job *Job) error {
	cp := *job
	s.mu.Lock()
	s.jobs[job.ID] = &cp
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the stored job or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	job, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}
