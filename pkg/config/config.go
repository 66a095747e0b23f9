// Package config loads dispatcher service settings from environment
// variables, with optional .env file support.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/quizforge/llm-dispatch/pkg/keypool"
	"github.com/quizforge/llm-dispatch/pkg/logging"
)

// Config holds every recognized setting.
type Config struct {
	// Service
	Port      string
	LogLevel  string
	LogPretty bool

	// Credential pools
	RotationStrategy      keypool.Strategy
	KeyFailureThreshold   int
	KeyQuarantineCooldown time.Duration
	GeminiAPIKeys         []string
	OpenAIAPIKeys         []string
	DefaultProvider       string

	// Dispatch
	MaxParallelAPIKeys int
	APICallTimeout     time.Duration
	APIRetryTimeout    time.Duration
	MaxRetries         int
	EnableFastFailover bool

	// Batch
	MaxBatchSize int
	BatchTimeout time.Duration

	// Async jobs
	EnableAsyncJobs bool
	RedisURL        string
}

// Default returns the configuration used when no environment overrides
// are present.
func Default() Config {
	return Config{
		Port:                  "8080",
		LogLevel:              "info",
		RotationStrategy:      keypool.StrategyRoundRobin,
		KeyFailureThreshold:   3,
		KeyQuarantineCooldown: 30 * time.Second,
		DefaultProvider:       "gemini",
		MaxParallelAPIKeys:    5,
		APICallTimeout:        60 * time.Second,
		APIRetryTimeout:       30 * time.Second,
		MaxRetries:            3,
		EnableFastFailover:    true,
		MaxBatchSize:          10,
		BatchTimeout:          30 * time.Second,
	}
}

// Load reads configuration from the environment. A .env file in the
// working directory is merged in first when present; real environment
// variables win over file entries.
func Load() (Config, error) {
	// Ignore a missing .env; it is a development convenience.
	_ = godotenv.Load()

	cfg := Default()
	var err error

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = getBool("LOG_PRETTY", cfg.LogPretty)

	strategy := getEnv("API_KEY_ROTATION_STRATEGY", string(cfg.RotationStrategy))
	cfg.RotationStrategy, err = keypool.ParseStrategy(strategy)
	if err != nil {
		return cfg, fmt.Errorf("API_KEY_ROTATION_STRATEGY: %w", err)
	}

	if cfg.KeyFailureThreshold, err = getInt("KEY_FAILURE_THRESHOLD", cfg.KeyFailureThreshold); err != nil {
		return cfg, err
	}
	if cfg.KeyQuarantineCooldown, err = getDuration("KEY_QUARANTINE_COOLDOWN", cfg.KeyQuarantineCooldown); err != nil {
		return cfg, err
	}

	cfg.GeminiAPIKeys = getKeyList("GEMINI_API_KEYS", "GEMINI_API_KEY")
	cfg.OpenAIAPIKeys = getKeyList("OPENAI_API_KEYS", "OPENAI_API_KEY")
	cfg.DefaultProvider = getEnv("DEFAULT_LLM_PROVIDER", cfg.DefaultProvider)

	if cfg.MaxParallelAPIKeys, err = getInt("MAX_PARALLEL_API_KEYS", cfg.MaxParallelAPIKeys); err != nil {
		return cfg, err
	}
	if cfg.APICallTimeout, err = getDuration("API_CALL_TIMEOUT", cfg.APICallTimeout); err != nil {
		return cfg, err
	}
	if cfg.APIRetryTimeout, err = getDuration("API_RETRY_TIMEOUT", cfg.APIRetryTimeout); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = getInt("MAX_RETRIES", cfg.MaxRetries); err != nil {
		return cfg, err
	}
	cfg.EnableFastFailover = getBool("ENABLE_FAST_FAILOVER", cfg.EnableFastFailover)

	if cfg.MaxBatchSize, err = getInt("MAX_BATCH_SIZE", cfg.MaxBatchSize); err != nil {
		return cfg, err
	}
	if cfg.BatchTimeout, err = getDuration("BATCH_TIMEOUT", cfg.BatchTimeout); err != nil {
		return cfg, err
	}

	cfg.EnableAsyncJobs = getBool("ENABLE_ASYNC_JOBS", cfg.EnableAsyncJobs)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}

	if cfg.BatchTimeout <= cfg.APICallTimeout {
		logger := logging.NewLogger("config")
		logger.Warn().
			Dur("batch_timeout", cfg.BatchTimeout).
			Dur("api_call_timeout", cfg.APICallTimeout).
			Msg("BATCH_TIMEOUT does not exceed API_CALL_TIMEOUT; batch runs may cut off first attempts")
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.MaxParallelAPIKeys <= 0 {
		return fmt.Errorf("MAX_PARALLEL_API_KEYS must be positive, got %d", c.MaxParallelAPIKeys)
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("MAX_BATCH_SIZE must be positive, got %d", c.MaxBatchSize)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("MAX_RETRIES must be positive, got %d", c.MaxRetries)
	}
	if c.APIRetryTimeout > c.APICallTimeout {
		return fmt.Errorf("API_RETRY_TIMEOUT (%v) must not exceed API_CALL_TIMEOUT (%v)",
			c.APIRetryTimeout, c.APICallTimeout)
	}
	return nil
}

// ProviderKeys returns the configured key pool for a provider id.
func (c Config) ProviderKeys(providerID string) []string {
	switch providerID {
	case "gemini":
		return c.GeminiAPIKeys
	case "openai":
		return c.OpenAIAPIKeys
	default:
		return nil
	}
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return fallback
	}
}

// getDuration accepts Go duration strings and, for compatibility with
// the older deployment's integer settings, bare numbers read as seconds.
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// getKeyList reads a comma-separated key list, falling back to the
// single-key variable.
func getKeyList(listKey, singleKey string) []string {
	if raw := os.Getenv(listKey); raw != "" {
		var keys []string
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		if len(keys) > 0 {
			return keys
		}
	}
	if k := strings.TrimSpace(os.Getenv(singleKey)); k != "" {
		return []string{k}
	}
	return nil
}
