package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/quizforge/llm-dispatch/pkg/keypool"
)

func raceConfig() Config {
	cfg := DefaultConfig("gemini")
	cfg.FastFailover = true
	cfg.CallTimeout = time.Second
	cfg.MaxParallelKeys = 3
	return cfg
}

// sleepOrCancel waits for d, returning early with the context error.
func sleepOrCancel(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestRaceFirstSuccessWins(t *testing.T) {
	// Key 0 never responds, key 1 succeeds quickly, key 2 succeeds slowly.
	caller := CallerFunc(func(ctx context.Context, payload any, cred keypool.Credential) (any, error) {
		switch cred.Index {
		case 1:
			if err := sleepOrCancel(ctx, 30*time.Millisecond); err != nil {
				return nil, err
			}
			return "fast", nil
		case 2:
			if err := sleepOrCancel(ctx, 400*time.Millisecond); err != nil {
				return nil, err
			}
			return "slow", nil
		default:
			<-ctx.Done()
			return nil, ctx.Err()
		}
	})
	d, _ := testDispatcher(t, raceConfig(), []string{"k0", "k1", "k2"}, caller)

	start := time.Now()
	result := d.Dispatch(context.Background(), CallRequest{})
	elapsed := time.Since(start)

	if !result.OK() {
		t.Fatalf("Dispatch() error = %v", result.Err)
	}
	if result.Response != "fast" {
		t.Errorf("Response = %v, want the fastest key's result", result.Response)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("race took %v, should return at the first success (~30ms), not wait for slower keys", elapsed)
	}
}

func TestRaceAllFail(t *testing.T) {
	caller := CallerFunc(func(ctx context.Context, payload any, cred keypool.Credential) (any, error) {
		return nil, &Error{Kind: KindRateLimited, Provider: "gemini", Message: "quota"}
	})

	poolCfg := keypool.DefaultConfig("gemini")
	poolCfg.FailureThreshold = 10
	pool, _ := keypool.New(poolCfg, []string{"k0", "k1", "k2"}, zerolog.Nop())
	d, _ := New(raceConfig(), pool, caller, zerolog.Nop())

	result := d.Race(context.Background(), CallRequest{})

	if result.State != StateFailedExhausted {
		t.Errorf("State = %s, want %s", result.State, StateFailedExhausted)
	}
	if len(result.Attempts) != 3 {
		t.Errorf("attempts = %d, want 3 (one per raced credential)", len(result.Attempts))
	}
	if !errors.Is(result.Err, ErrRetriesExhausted) {
		t.Error("result should unwrap to ErrRetriesExhausted")
	}
}

func TestRaceFanOutCappedByHealthyCount(t *testing.T) {
	seen := make(chan int, 8)
	caller := CallerFunc(func(ctx context.Context, payload any, cred keypool.Credential) (any, error) {
		seen <- cred.Index
		return nil, &Error{Kind: KindTransportError, Provider: "gemini", Message: "down"}
	})

	poolCfg := keypool.DefaultConfig("gemini")
	poolCfg.FailureThreshold = 10
	pool, _ := keypool.New(poolCfg, []string{"k0", "k1"}, zerolog.Nop())

	cfg := raceConfig()
	cfg.MaxParallelKeys = 5
	d, _ := New(cfg, pool, caller, zerolog.Nop())

	result := d.Race(context.Background(), CallRequest{})
	close(seen)

	if len(result.Attempts) != 2 {
		t.Errorf("attempts = %d, want 2 (only 2 healthy credentials)", len(result.Attempts))
	}
	indexes := make(map[int]bool)
	for idx := range seen {
		if indexes[idx] {
			t.Errorf("credential %d raced more than once", idx)
		}
		indexes[idx] = true
	}
}

func TestRaceLosersStillReportFailures(t *testing.T) {
	// Key 0 fails immediately; key 1 wins shortly after. The key 0
	// failure must land in the pool even though the race already has a
	// winner by the time anyone looks.
	caller := CallerFunc(func(ctx context.Context, payload any, cred keypool.Credential) (any, error) {
		if cred.Index == 0 {
			return nil, &Error{Kind: KindRateLimited, Provider: "gemini", Message: "quota"}
		}
		if err := sleepOrCancel(ctx, 50*time.Millisecond); err != nil {
			return nil, err
		}
		return "ok", nil
	})

	poolCfg := keypool.DefaultConfig("gemini")
	poolCfg.FailureThreshold = 10
	pool, _ := keypool.New(poolCfg, []string{"k0", "k1"}, zerolog.Nop())
	d, _ := New(raceConfig(), pool, caller, zerolog.Nop())

	result := d.Race(context.Background(), CallRequest{})
	if !result.OK() {
		t.Fatalf("Race() error = %v", result.Err)
	}

	snap := pool.Snapshot()
	if snap[0].ConsecutiveFailures != 1 {
		t.Errorf("key 0 failures = %d, want 1 (losers report to the pool)", snap[0].ConsecutiveFailures)
	}
	if snap[1].ConsecutiveFailures != 0 {
		t.Errorf("key 1 failures = %d, want 0", snap[1].ConsecutiveFailures)
	}
}

func TestRacePoolExhausted(t *testing.T) {
	caller := CallerFunc(func(ctx context.Context, payload any, cred keypool.Credential) (any, error) {
		t.Error("provider must not be called when the pool is exhausted")
		return nil, nil
	})
	d, pool := testDispatcher(t, raceConfig(), []string{"k0"}, caller)

	pool.QuarantineNow(keypool.Credential{Key: "k0", Index: 0}, time.Hour)

	result := d.Race(context.Background(), CallRequest{})
	if result.State != StateFailedPoolEmpty {
		t.Errorf("State = %s, want %s", result.State, StateFailedPoolEmpty)
	}
	if len(result.Attempts) != 0 {
		t.Errorf("attempts = %d, want 0", len(result.Attempts))
	}
}

func TestDispatchFallsBackToSequentialWithOneHealthyKey(t *testing.T) {
	caller := CallerFunc(func(ctx context.Context, payload any, cred keypool.Credential) (any, error) {
		return "ok", nil
	})

	cfg := raceConfig()
	d, pool := testDispatcher(t, cfg, []string{"k0", "k1"}, caller)
	pool.QuarantineNow(keypool.Credential{Key: "k1", Index: 1}, time.Hour)

	result := d.Dispatch(context.Background(), CallRequest{})
	if !result.OK() {
		t.Fatalf("Dispatch() error = %v", result.Err)
	}
	if len(result.Attempts) != 1 {
		t.Errorf("attempts = %d, want 1 (sequential path with a single healthy key)", len(result.Attempts))
	}
}
