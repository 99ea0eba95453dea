package ratelimit

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	rateLimitCooldownsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vco_rate_limit_cooldowns_total",
		Help: "Total number of rate-limit cooldowns recorded",
	})

	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vco_rate_limit_wait_seconds",
		Help:    "Time spent waiting on rate-limit cooldowns",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
	})

	rateLimitCooldownRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vco_rate_limit_cooldown_remaining_seconds",
		Help: "Seconds remaining on the current shared cooldown",
	})
)

// Tracker gates requests on a Redis-backed cooldown shared across
// collector processes. It implements vco.Limiter.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewTracker creates a new shared cooldown tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
	}
}

// State retrieves the current cooldown state from Redis.
// Returns a zero (inactive) state when no data exists.
func (t *Tracker) State(ctx context.Context) (*CooldownState, error) {
	untilNanos, err := t.redis.Get(ctx, RedisKeyCooldownUntil).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get cooldown until: %w", err)
	}
	if err == redis.Nil {
		return &CooldownState{}, nil
	}

	state := &CooldownState{
		CooldownUntil: time.Unix(0, untilNanos),
	}

	lastUpdateStr, err := t.redis.Get(ctx, RedisKeyLastUpdate).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get last update: %w", err)
	}
	if lastUpdateStr != "" {
		if err := json.Unmarshal([]byte(lastUpdateStr), &state.LastUpdate); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}

	return state, nil
}

// Cooldown extends the shared cooldown to at least now+d. A shorter
// cooldown never shortens a longer one recorded by a sibling process.
func (t *Tracker) Cooldown(ctx context.Context, d time.Duration) error {
	now := time.Now()
	until := now.Add(d)

	state, err := t.State(ctx)
	if err != nil {
		return err
	}
	if state.CooldownUntil.After(until) {
		// A sibling already recorded a longer pause.
		return nil
	}

	lastUpdateJSON, err := json.Marshal(now)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	// Keys expire shortly after the cooldown so stale state cannot block
	// a later run forever.
	ttl := d + time.Minute
	pipe := t.redis.Pipeline()
	pipe.Set(ctx, RedisKeyCooldownUntil, until.UnixNano(), ttl)
	pipe.Set(ctx, RedisKeyLastUpdate, lastUpdateJSON, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store cooldown state in redis: %w", err)
	}

	rateLimitCooldownsTotal.Inc()
	rateLimitCooldownRemaining.Set(d.Seconds())

	t.logger.Warn().
		Dur("cooldown", d).
		Time("until", until).
		Msg("Rate-limit cooldown recorded (shared)")

	return nil
}

// Wait blocks until no shared cooldown is active or ctx is done.
// The state is re-read after every sleep because a sibling process may
// extend the cooldown while we wait.
func (t *Tracker) Wait(ctx context.Context) error {
	for {
		state, err := t.State(ctx)
		if err != nil {
			// Redis being down must not stall collection; proceed and
			// rely on the per-request retry policy.
			t.logger.Warn().Err(err).Msg("Cooldown state unavailable, proceeding")
			return nil
		}

		now := time.Now()
		if !state.Active(now) {
			rateLimitCooldownRemaining.Set(0)
			return nil
		}

		wait := state.Remaining(now)
		rateLimitCooldownRemaining.Set(wait.Seconds())
		rateLimitWaitSeconds.Observe(wait.Seconds())

		t.logger.Warn().
			Dur("wait", wait).
			Msg("Shared rate-limit cooldown active, waiting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
