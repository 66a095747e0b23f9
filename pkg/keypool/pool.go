package keypool

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for credential pool operations.
var (
	poolHealthyCredentials = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatch_pool_healthy_credentials",
		Help: "Number of non-quarantined credentials by provider",
	}, []string{"provider"})

	poolAcquisitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_pool_acquisitions_total",
		Help: "Total credential acquisitions by provider and strategy",
	}, []string{"provider", "strategy"})

	poolQuarantinesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_pool_quarantines_total",
		Help: "Total credential quarantines by provider",
	}, []string{"provider"})

	poolExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_pool_exhausted_total",
		Help: "Total acquisitions rejected because every credential was quarantined",
	}, []string{"provider"})
)

// ErrPoolExhausted is returned by Acquire when every credential in the
// pool is currently quarantined. Callers must fail fast and must not
// block waiting for a cooldown to elapse.
var ErrPoolExhausted = errors.New("credential pool exhausted")

// Strategy selects how the pool rotates between credentials.
type Strategy string

const (
	// StrategyRoundRobin cycles through credentials in order.
	StrategyRoundRobin Strategy = "round_robin"

	// StrategyRandom picks uniformly among eligible credentials.
	StrategyRandom Strategy = "random"

	// StrategyFailover always prefers the lowest-index eligible
	// credential, moving on only when it is quarantined.
	StrategyFailover Strategy = "failover"
)

// ParseStrategy validates a strategy name from configuration.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyRoundRobin, StrategyRandom, StrategyFailover:
		return Strategy(s), nil
	case "":
		return StrategyRoundRobin, nil
	default:
		return "", fmt.Errorf("unknown rotation strategy %q", s)
	}
}

// Config holds pool configuration.
type Config struct {
	// Provider is the provider identifier the keys belong to.
	Provider string

	// Strategy is the rotation strategy.
	Strategy Strategy

	// FailureThreshold is the number of consecutive failures a
	// credential may accumulate before it is quarantined.
	FailureThreshold int

	// Cooldown is the base quarantine duration.
	Cooldown time.Duration
}

// DefaultConfig returns a safe default pool configuration.
func DefaultConfig(provider string) Config {
	return Config{
		Provider:         provider,
		Strategy:         StrategyRoundRobin,
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
	}
}

// Pool owns the health state of a set of credentials for one provider.
// All methods are safe for concurrent use; the mutex guards only cursor
// and counter mutation and is never held across a network call.
type Pool struct {
	mu      sync.Mutex
	entries []*entry
	cursor  int
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a pool from the given API keys.
func New(cfg Config, keys []string, logger zerolog.Logger) (*Pool, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("provider %s: at least one API key is required", cfg.Provider)
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if _, err := ParseStrategy(string(cfg.Strategy)); err != nil {
		return nil, err
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyRoundRobin
	}

	entries := make([]*entry, len(keys))
	for i, k := range keys {
		entries[i] = &entry{key: k}
	}

	p := &Pool{
		entries: entries,
		cfg:     cfg,
		logger:  logger.With().Str("provider", cfg.Provider).Logger(),
		now:     time.Now,
	}
	poolHealthyCredentials.WithLabelValues(cfg.Provider).Set(float64(len(keys)))
	return p, nil
}

// Size returns the total number of credentials, quarantined or not.
func (p *Pool) Size() int {
	return len(p.entries)
}

// Provider returns the provider identifier the pool serves.
func (p *Pool) Provider() string {
	return p.cfg.Provider
}

// Acquire selects the next credential per the pool strategy, skipping
// quarantined keys. It returns ErrPoolExhausted immediately when no
// credential is eligible.
func (p *Pool) Acquire() (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	eligible := p.eligibleLocked(now)
	if len(eligible) == 0 {
		poolExhaustedTotal.WithLabelValues(p.cfg.Provider).Inc()
		p.logger.Warn().Int("pool_size", len(p.entries)).Msg("Credential pool exhausted")
		return Credential{}, ErrPoolExhausted
	}

	var idx int
	switch p.cfg.Strategy {
	case StrategyRandom:
		idx = eligible[rand.Intn(len(eligible))]
	case StrategyFailover:
		idx = eligible[0]
		p.cursor = idx
	default: // round_robin
		idx = p.nextCyclicLocked(eligible)
		p.cursor = (idx + 1) % len(p.entries)
	}

	e := p.entries[idx]
	e.lastUsedAt = now
	poolAcquisitionsTotal.WithLabelValues(p.cfg.Provider, string(p.cfg.Strategy)).Inc()

	p.logger.Debug().
		Int("key_index", idx).
		Str("strategy", string(p.cfg.Strategy)).
		Msg("Credential acquired")

	return Credential{Key: e.key, Index: idx}, nil
}

// AcquireDistinct returns up to n distinct eligible credentials for
// racing the same request across several keys. The returned slice may
// be shorter than n; it is empty only when the pool is exhausted.
func (p *Pool) AcquireDistinct(n int) ([]Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	eligible := p.eligibleLocked(now)
	if len(eligible) == 0 {
		poolExhaustedTotal.WithLabelValues(p.cfg.Provider).Inc()
		return nil, ErrPoolExhausted
	}
	if n > len(eligible) {
		n = len(eligible)
	}

	creds := make([]Credential, 0, n)
	for _, idx := range eligible[:n] {
		e := p.entries[idx]
		e.lastUsedAt = now
		creds = append(creds, Credential{Key: e.key, Index: idx})
		poolAcquisitionsTotal.WithLabelValues(p.cfg.Provider, string(p.cfg.Strategy)).Inc()
	}
	return creds, nil
}

// ReportSuccess resets the credential's failure count and clears any
// quarantine. Safe to call for attempts whose result was discarded.
func (p *Pool) ReportSuccess(c Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.Index < 0 || c.Index >= len(p.entries) {
		return
	}
	e := p.entries[c.Index]
	e.consecutiveFailures = 0
	e.quarantinedUntil = time.Time{}
	p.updateHealthGaugeLocked()
}

// ReportFailure increments the credential's consecutive failure count
// and quarantines it for the base cooldown once the count exceeds the
// configured threshold.
func (p *Pool) ReportFailure(c Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.Index < 0 || c.Index >= len(p.entries) {
		return
	}
	e := p.entries[c.Index]
	e.consecutiveFailures++
	if e.consecutiveFailures > p.cfg.FailureThreshold {
		p.quarantineLocked(c.Index, p.cfg.Cooldown)
	}
	p.updateHealthGaugeLocked()
}

// QuarantineNow quarantines the credential immediately for the given
// duration, bypassing the failure threshold. Used for errors that prove
// the key itself is broken (auth failures) or hard provider pushback.
func (p *Pool) QuarantineNow(c Credential, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.Index < 0 || c.Index >= len(p.entries) {
		return
	}
	p.quarantineLocked(c.Index, d)
	p.updateHealthGaugeLocked()
}

// HealthyCount returns the number of credentials currently eligible for
// selection.
func (p *Pool) HealthyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.eligibleLocked(p.now()))
}

// Snapshot returns the health state of every credential. Key material
// is not included.
func (p *Pool) Snapshot() []CredentialStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]CredentialStatus, len(p.entries))
	for i, e := range p.entries {
		out[i] = CredentialStatus{
			Index:               i,
			ConsecutiveFailures: e.consecutiveFailures,
			Quarantined:         e.quarantined(now),
			QuarantinedUntil:    e.quarantinedUntil,
			LastUsedAt:          e.lastUsedAt,
		}
	}
	return out
}

// eligibleLocked returns indexes of non-quarantined entries, releasing
// entries whose cooldown has elapsed. Caller holds p.mu.
func (p *Pool) eligibleLocked(now time.Time) []int {
	eligible := make([]int, 0, len(p.entries))
	for i, e := range p.entries {
		if e.quarantined(now) {
			continue
		}
		if !e.quarantinedUntil.IsZero() {
			e.release()
			p.logger.Info().Int("key_index", i).Msg("Credential left quarantine")
		}
		eligible = append(eligible, i)
	}
	return eligible
}

// nextCyclicLocked picks the first eligible index at or after the
// cursor in cyclic order. eligible is sorted ascending and non-empty.
func (p *Pool) nextCyclicLocked(eligible []int) int {
	for _, idx := range eligible {
		if idx >= p.cursor {
			return idx
		}
	}
	// Wrapped past the end, restart from index zero.
	return eligible[0]
}

func (p *Pool) quarantineLocked(idx int, d time.Duration) {
	e := p.entries[idx]
	e.quarantinedUntil = p.now().Add(d)
	poolQuarantinesTotal.WithLabelValues(p.cfg.Provider).Inc()
	p.logger.Warn().
		Int("key_index", idx).
		Int("consecutive_failures", e.consecutiveFailures).
		Time("until", e.quarantinedUntil).
		Msg("Credential quarantined")
}

func (p *Pool) updateHealthGaugeLocked() {
	now := p.now()
	healthy := 0
	for _, e := range p.entries {
		if !e.quarantined(now) {
			healthy++
		}
	}
	poolHealthyCredentials.WithLabelValues(p.cfg.Provider).Set(float64(healthy))
}
