package jobs

import (
	"context"
	"errors"
	"sync"
)

// Handler processes one job id taken from the queue.
type Handler func(ctx context.Context, jobID string) error

// Queue moves job ids from producers to consumers.
type Queue interface {
	// Publish enqueues a job id.
	Publish(ctx context.Context, jobID string) error

	// Consume runs workerCount workers calling handler for each id until
	// the context is cancelled.
	Consume(ctx context.Context, workerCount int, handler Handler) error

	Close() error
}

// MemoryQueue is a channel-backed queue for single-process deployments
// and tests.
type MemoryQueue struct {
	ch     chan string
	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue creates a memory queue with the given buffer size.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size)}
}

// Publish enqueues a job id, blocking when the buffer is full.
func (q *MemoryQueue) Publish(ctx context.Context, jobID string) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return errors.New("queue closed")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- jobID:
		return nil
	}
}

// Consume drains the queue with workerCount goroutines until the
// context is cancelled or the queue is closed.
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case jobID, ok := <-q.ch:
					if !ok {
						return
					}
					_ = handler(ctx, jobID)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Close stops the queue; subsequent publishes fail and consumers drain
// out.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}
