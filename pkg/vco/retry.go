package vco

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	vcoRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vco_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	vcoRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vco_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	vcoRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vco_retry_exhausted_total",
		Help: "Total number of times a retry budget was exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the retry policy for one page fetch. Transient errors
// and rate-limit responses draw from independent budgets with independent
// backoff sequences.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts charged to the
	// transient budget (including the initial request).
	MaxAttempts int

	// InitialBackoff is the first transient backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff caps the transient backoff.
	MaxBackoff time.Duration

	// BackoffMultiplier is the exponential growth factor.
	BackoffMultiplier float64

	// RateLimitMaxWaits is the maximum number of rate-limit waits before
	// the run gives up on the page.
	RateLimitMaxWaits int

	// RateLimitMinBackoff is the minimum wait after a 429, applied even
	// when the server supplies a shorter Retry-After hint.
	RateLimitMinBackoff time.Duration

	// RateLimitMaxBackoff caps the rate-limit backoff.
	RateLimitMaxBackoff time.Duration
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:         3,
		InitialBackoff:      1 * time.Second,
		MaxBackoff:          30 * time.Second,
		BackoffMultiplier:   2.0,
		RateLimitMaxWaits:   5,
		RateLimitMinBackoff: 5 * time.Second,
		RateLimitMaxBackoff: 120 * time.Second,
	}
}

// retryStats reports how a retried call was charged against its budgets.
type retryStats struct {
	Attempts         int
	TransientRetries int
	RateLimitRetries int
}

// retryWithBackoff executes fn until it succeeds, a budget is exhausted,
// a non-retryable error occurs, or the context is cancelled. Backoff is
// exponential with ±20% jitter; rate-limit waits honor the server hint.
func retryWithBackoff(ctx context.Context, cfg RetryConfig, logger zerolog.Logger, fn func() error) (retryStats, error) {
	var stats retryStats
	var lastErr error

	transientBackoff := cfg.InitialBackoff
	rateLimitBackoff := cfg.RateLimitMinBackoff

	for {
		stats.Attempts++
		err := fn()
		if err == nil {
			if stats.Attempts > 1 {
				logger.Info().
					Int("attempt", stats.Attempts).
					Msg("Request succeeded after retry")
			}
			return stats, nil
		}
		lastErr = err

		class := Classify(err)
		if !shouldRetry(class) {
			return stats, lastErr
		}

		var wait time.Duration
		switch class {
		case ClassRateLimited:
			stats.RateLimitRetries++
			if stats.RateLimitRetries > cfg.RateLimitMaxWaits {
				vcoRetryExhaustedTotal.WithLabelValues(string(class)).Inc()
				return stats, fmt.Errorf("%w after %d waits: %v",
					ErrRateLimitExhausted, cfg.RateLimitMaxWaits, lastErr)
			}
			wait = rateLimitBackoff
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.RetryAfter > wait {
				wait = apiErr.RetryAfter
			}
			rateLimitBackoff = nextBackoff(rateLimitBackoff, cfg.BackoffMultiplier, cfg.RateLimitMaxBackoff)
		default:
			stats.TransientRetries++
			if stats.TransientRetries > cfg.MaxAttempts-1 {
				vcoRetryExhaustedTotal.WithLabelValues(string(class)).Inc()
				return stats, fmt.Errorf("%w after %d attempts: %v",
					ErrRetryExhausted, cfg.MaxAttempts, lastErr)
			}
			// ±20% jitter to avoid synchronized retries across walkers.
			wait = time.Duration(float64(transientBackoff) * (0.8 + rand.Float64()*0.4))
			transientBackoff = nextBackoff(transientBackoff, cfg.BackoffMultiplier, cfg.MaxBackoff)
		}

		vcoRetriesTotal.WithLabelValues(string(class)).Inc()
		vcoRetryBackoffSeconds.WithLabelValues(string(class)).Observe(wait.Seconds())

		logger.Warn().
			Err(err).
			Str("error_class", string(class)).
			Int("attempt", stats.Attempts).
			Dur("backoff", wait).
			Msg("Retrying request after backoff")

		select {
		case <-ctx.Done():
			return stats, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-time.After(wait):
		}
	}
}

func nextBackoff(cur time.Duration, multiplier float64, max time.Duration) time.Duration {
	next := time.Duration(float64(cur) * multiplier)
	if next > max {
		return max
	}
	return next
}
