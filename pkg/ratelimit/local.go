package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Local is an in-process cooldown gate for single-collector deployments
// without Redis. It implements vco.Limiter with the same semantics as
// Tracker, minus the cross-process sharing.
type Local struct {
	mu    sync.Mutex
	until time.Time
}

// NewLocal creates a new in-process cooldown gate.
func NewLocal() *Local {
	return &Local{}
}

// Cooldown extends the cooldown to at least now+d.
func (l *Local) Cooldown(_ context.Context, d time.Duration) error {
	until := time.Now().Add(d)

	l.mu.Lock()
	if until.After(l.until) {
		l.until = until
	}
	l.mu.Unlock()

	rateLimitCooldownsTotal.Inc()
	return nil
}

// Wait blocks until the cooldown has expired or ctx is done.
func (l *Local) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		wait := time.Until(l.until)
		l.mu.Unlock()

		if wait <= 0 {
			return nil
		}
		rateLimitWaitSeconds.Observe(wait.Seconds())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
