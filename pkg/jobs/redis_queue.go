package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisList = "llm-dispatch:jobs"

// RedisQueueConfig describes the Redis connection for a RedisQueue.
type RedisQueueConfig struct {
	// URL is a redis:// connection string.
	URL string

	// List is the Redis list key backing the queue. Defaults to
	// "llm-dispatch:jobs".
	List string

	// BlockWait bounds each BRPOP call so consumers notice cancellation.
	// Defaults to 5s.
	BlockWait time.Duration
}

// RedisQueue backs the job queue with a Redis list, so multiple
// dispatcher instances can share one queue.
type RedisQueue struct {
	client *redis.Client
	list   string
	wait   time.Duration
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis URL cannot be empty")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	list := cfg.List
	if list == "" {
		list = defaultRedisList
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisQueue{client: client, list: list, wait: wait}, nil
}

// Publish pushes a job id onto the list.
func (q *RedisQueue) Publish(ctx context.Context, jobID string) error {
	if err := q.client.LPush(ctx, q.list, jobID).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Consume pops job ids with BRPOP across workerCount workers. A handler
// error requeues the id so another worker can pick it up.
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := q.client.BRPop(ctx, q.wait, q.list).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					errCh <- fmt.Errorf("redis consume: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				if handlerErr := handler(ctx, values[1]); handlerErr != nil {
					_ = q.client.RPush(ctx, q.list, values[1]).Err()
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close releases the Redis connection.
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
