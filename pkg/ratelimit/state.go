// Package ratelimit implements orchestrator rate-limit cooldown tracking.
// When the portal answers 429 it expects the caller to pause; the cooldown
// can be shared across collector processes (events run and flows run
// scheduled side by side against the same orchestrator) via Redis, or kept
// in-process when no Redis is configured.
package ratelimit

import (
	"time"
)

// Redis keys for shared cooldown state.
const (
	RedisKeyCooldownUntil = "vco:rate_limit:cooldown_until"
	RedisKeyLastUpdate    = "vco:rate_limit:last_update"
)

// CooldownState is the current rate-limit cooldown, shared across all
// collector instances when backed by Redis.
type CooldownState struct {
	// CooldownUntil is the instant before which no request may be sent.
	// Zero when no cooldown is active.
	CooldownUntil time.Time `json:"cooldown_until"`

	// LastUpdate is when this state was last written.
	LastUpdate time.Time `json:"last_update"`
}

// Active reports whether the cooldown is still in effect at now.
func (s *CooldownState) Active(now time.Time) bool {
	return s.CooldownUntil.After(now)
}

// Remaining returns the time left on the cooldown at now, 0 if expired.
func (s *CooldownState) Remaining(now time.Time) time.Duration {
	d := s.CooldownUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// IsStale returns true if the state data is older than the given duration.
func (s *CooldownState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}
