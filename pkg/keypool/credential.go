// Package keypool manages pools of interchangeable provider API keys,
// tracking per-key health and rotating selection across concurrent
// dispatchers. A credential that fails repeatedly is quarantined for a
// cooldown period and skipped by selection until the cooldown elapses.
package keypool

import (
	"time"
)

// Credential identifies one API key within a pool. It is a value handed
// to dispatchers; all health state stays inside the pool and is looked
// up by Index when the dispatcher reports an outcome.
type Credential struct {
	// Key is the API key material sent to the provider.
	Key string

	// Index is the credential's position in its pool. Stable for the
	// process lifetime; credentials are never removed from a pool.
	Index int
}

// entry is the pool-internal health record for one credential.
// Mutated only while holding the pool mutex.
type entry struct {
	key                 string
	consecutiveFailures int
	quarantinedUntil    time.Time
	lastUsedAt          time.Time
}

// quarantined reports whether the entry is excluded from selection at
// the given instant.
func (e *entry) quarantined(now time.Time) bool {
	return !e.quarantinedUntil.IsZero() && now.Before(e.quarantinedUntil)
}

// release clears an expired quarantine so the key becomes eligible again.
func (e *entry) release() {
	e.quarantinedUntil = time.Time{}
	e.consecutiveFailures = 0
}

// CredentialStatus is a point-in-time view of one credential's health,
// exposed for operational endpoints.
type CredentialStatus struct {
	Index               int       `json:"index"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Quarantined         bool      `json:"quarantined"`
	QuarantinedUntil    time.Time `json:"quarantined_until,omitzero"`
	LastUsedAt          time.Time `json:"last_used_at,omitzero"`
}
