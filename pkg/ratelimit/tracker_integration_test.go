//go:build integration

package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestTracker_Integration_EmptyState(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	tracker := NewTracker(redisClient, logger)
	ctx := context.Background()

	state, err := tracker.State(ctx)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}

	if state.Active(time.Now()) {
		t.Error("Empty Redis should yield an inactive cooldown")
	}

	// Wait must return immediately with no cooldown recorded.
	start := time.Now()
	if err := tracker.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Wait() took %v with no cooldown, expected immediate return", elapsed)
	}
}

func TestTracker_Integration_CooldownRoundTrip(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	tracker := NewTracker(redisClient, logger)
	ctx := context.Background()

	cooldown := 2 * time.Second
	if err := tracker.Cooldown(ctx, cooldown); err != nil {
		t.Fatalf("Cooldown() error = %v", err)
	}

	state, err := tracker.State(ctx)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if !state.Active(time.Now()) {
		t.Fatal("Cooldown should be active after Cooldown()")
	}

	remaining := state.Remaining(time.Now())
	if remaining > cooldown || remaining < cooldown-time.Second {
		t.Errorf("Remaining = %v, want approximately %v", remaining, cooldown)
	}
}

func TestTracker_Integration_SharedAcrossClients(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	ctx := context.Background()

	// Two trackers simulate the events and flows collectors sharing one
	// orchestrator rate limit.
	eventsTracker := NewTracker(redisClient, logger)
	flowsTracker := NewTracker(redisClient, logger)

	if err := eventsTracker.Cooldown(ctx, 1*time.Second); err != nil {
		t.Fatalf("Cooldown() error = %v", err)
	}

	start := time.Now()
	if err := flowsTracker.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Errorf("Sibling Wait() returned after %v, expected to honor the shared cooldown", elapsed)
	}
}

func TestTracker_Integration_ShorterCooldownDoesNotShorten(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	tracker := NewTracker(redisClient, logger)
	ctx := context.Background()

	if err := tracker.Cooldown(ctx, 5*time.Second); err != nil {
		t.Fatalf("Cooldown() error = %v", err)
	}
	if err := tracker.Cooldown(ctx, 1*time.Second); err != nil {
		t.Fatalf("Cooldown() error = %v", err)
	}

	state, err := tracker.State(ctx)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}

	if remaining := state.Remaining(time.Now()); remaining < 3*time.Second {
		t.Errorf("Remaining = %v, shorter cooldown must not shorten the active one", remaining)
	}
}
