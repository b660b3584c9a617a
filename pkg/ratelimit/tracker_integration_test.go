//go:build integration

package ratelimit

import (
	"context"
	"net/http"
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

func TestTracker_Integration_SharedBackoff(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)

	first := NewTracker(Config{Redis: redisClient}, logger)
	second := NewTracker(Config{Redis: redisClient}, logger)

	resp := &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": []string{"20"}},
	}
	if err := first.UpdateFromResponse(ctx, resp); err != nil {
		t.Fatalf("UpdateFromResponse failed: %v", err)
	}

	state, err := second.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if !state.IsBlocked() {
		t.Fatal("Second tracker should see the shared backoff")
	}
	if wait := state.TimeUntilUnblocked(); wait < 15*time.Second || wait > 20*time.Second {
		t.Errorf("TimeUntilUnblocked() = %v, want ~20s", wait)
	}

	ttl, err := redisClient.TTL(ctx, RedisKeyBlockedUntil).Result()
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > 20*time.Second {
		t.Errorf("Redis TTL = %v, want (0, 20s]", ttl)
	}
}

func TestTracker_Integration_NoState(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	tracker := NewTracker(Config{Redis: redisClient}, zerolog.New(os.Stderr).Level(zerolog.Disabled))

	state, err := tracker.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.IsBlocked() {
		t.Error("Fresh tracker should not be blocked")
	}
}

func TestTracker_Integration_SharedDeadlineNeverShrinks(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)

	long := NewTracker(Config{Redis: redisClient}, logger)
	short := NewTracker(Config{Redis: redisClient}, logger)
	observer := NewTracker(Config{Redis: redisClient}, logger)

	longUntil := time.Now().Add(10 * time.Minute)
	if err := long.Block(ctx, longUntil); err != nil {
		t.Fatalf("Block failed: %v", err)
	}
	if err := short.Block(ctx, time.Now().Add(5*time.Second)); err != nil {
		t.Fatalf("Block failed: %v", err)
	}

	state, err := observer.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.BlockedUntil.UnixMilli() != longUntil.UnixMilli() {
		t.Errorf("shared BlockedUntil = %v, want %v", state.BlockedUntil, longUntil)
	}

	ttl, err := redisClient.PTTL(ctx, RedisKeyBlockedUntil).Result()
	if err != nil {
		t.Fatalf("PTTL failed: %v", err)
	}
	if ttl < 9*time.Minute {
		t.Errorf("Redis TTL = %v, want ~10m", ttl)
	}
}
