package config

import (
	"testing"
	"time"

	"github.com/quizforge/llm-dispatch/pkg/keypool"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.RotationStrategy != keypool.StrategyRoundRobin {
		t.Errorf("RotationStrategy = %q, want round_robin", cfg.RotationStrategy)
	}
	if cfg.MaxParallelAPIKeys != 5 {
		t.Errorf("MaxParallelAPIKeys = %d, want 5", cfg.MaxParallelAPIKeys)
	}
	if cfg.APICallTimeout != 60*time.Second {
		t.Errorf("APICallTimeout = %v, want 60s", cfg.APICallTimeout)
	}
	if cfg.APIRetryTimeout != 30*time.Second {
		t.Errorf("APIRetryTimeout = %v, want 30s", cfg.APIRetryTimeout)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if !cfg.EnableFastFailover {
		t.Error("EnableFastFailover = false, want true by default")
	}
	if cfg.MaxBatchSize != 10 {
		t.Errorf("MaxBatchSize = %d, want 10", cfg.MaxBatchSize)
	}
	if cfg.BatchTimeout != 30*time.Second {
		t.Errorf("BatchTimeout = %v, want 30s", cfg.BatchTimeout)
	}
	if cfg.KeyFailureThreshold != 3 {
		t.Errorf("KeyFailureThreshold = %d, want 3", cfg.KeyFailureThreshold)
	}
	if cfg.EnableAsyncJobs {
		t.Error("EnableAsyncJobs = true, want false by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("API_KEY_ROTATION_STRATEGY", "failover")
	t.Setenv("MAX_PARALLEL_API_KEYS", "3")
	t.Setenv("API_CALL_TIMEOUT", "90")
	t.Setenv("API_RETRY_TIMEOUT", "15s")
	t.Setenv("ENABLE_FAST_FAILOVER", "false")
	t.Setenv("GEMINI_API_KEYS", "key-a, key-b ,key-c")
	t.Setenv("LOG_PRETTY", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.RotationStrategy != keypool.StrategyFailover {
		t.Errorf("RotationStrategy = %q, want failover", cfg.RotationStrategy)
	}
	if cfg.MaxParallelAPIKeys != 3 {
		t.Errorf("MaxParallelAPIKeys = %d, want 3", cfg.MaxParallelAPIKeys)
	}
	if cfg.APICallTimeout != 90*time.Second {
		t.Errorf("APICallTimeout = %v, want 90s (bare seconds form)", cfg.APICallTimeout)
	}
	if cfg.APIRetryTimeout != 15*time.Second {
		t.Errorf("APIRetryTimeout = %v, want 15s", cfg.APIRetryTimeout)
	}
	if cfg.EnableFastFailover {
		t.Error("EnableFastFailover = true, want false")
	}
	want := []string{"key-a", "key-b", "key-c"}
	if len(cfg.GeminiAPIKeys) != len(want) {
		t.Fatalf("GeminiAPIKeys = %v, want %v", cfg.GeminiAPIKeys, want)
	}
	for i, k := range want {
		if cfg.GeminiAPIKeys[i] != k {
			t.Errorf("GeminiAPIKeys[%d] = %q, want %q", i, cfg.GeminiAPIKeys[i], k)
		}
	}
	if !cfg.LogPretty {
		t.Error("LogPretty = false, want true")
	}
}

func TestLoadSingleKeyFallback(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "solo-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.OpenAIAPIKeys) != 1 || cfg.OpenAIAPIKeys[0] != "solo-key" {
		t.Errorf("OpenAIAPIKeys = %v, want [solo-key]", cfg.OpenAIAPIKeys)
	}
}

func TestLoadRejectsBadStrategy(t *testing.T) {
	t.Setenv("API_KEY_ROTATION_STRATEGY", "sticky")

	if _, err := Load(); err == nil {
		t.Fatal("Load() error = nil, want strategy parse error")
	}
}

func TestLoadRejectsRetryTimeoutAboveCallTimeout(t *testing.T) {
	t.Setenv("API_CALL_TIMEOUT", "10s")
	t.Setenv("API_RETRY_TIMEOUT", "20s")

	if _, err := Load(); err == nil {
		t.Fatal("Load() error = nil, want validation error")
	}
}

func TestLoadRejectsBadInt(t *testing.T) {
	t.Setenv("MAX_BATCH_SIZE", "many")

	if _, err := Load(); err == nil {
		t.Fatal("Load() error = nil, want parse error")
	}
}

func TestProviderKeys(t *testing.T) {
	cfg := Default()
	cfg.GeminiAPIKeys = []string{"g1"}
	cfg.OpenAIAPIKeys = []string{"o1", "o2"}

	if got := cfg.ProviderKeys("gemini"); len(got) != 1 {
		t.Errorf("ProviderKeys(gemini) = %v, want one key", got)
	}
	if got := cfg.ProviderKeys("openai"); len(got) != 2 {
		t.Errorf("ProviderKeys(openai) = %v, want two keys", got)
	}
	if got := cfg.ProviderKeys("anthropic"); got != nil {
		t.Errorf("ProviderKeys(anthropic) = %v, want nil", got)
	}
}
