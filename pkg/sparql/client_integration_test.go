//go:build integration

package sparql

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/wikidata-harvest/internal/testutil"
	"github.com/Sternrassler/wikidata-harvest/pkg/cache"
	"github.com/Sternrassler/wikidata-harvest/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

// countingTransport counts round trips before handing them on.
type countingTransport struct {
	n atomic.Int32
}

func (t *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.n.Add(1)
	return http.DefaultTransport.RoundTrip(req)
}

// newSharedClient builds a client as a separate harvester process would,
// sharing only Redis.
func newSharedClient(t *testing.T, endpoint string, redisClient *redis.Client) (*Client, *countingTransport) {
	t.Helper()

	cfg := DefaultConfig("wikidata-harvest-integration/1.0")
	cfg.Endpoint = endpoint
	cfg.Retry = fastRetry()
	cfg.Limiter = ratelimit.NewTracker(ratelimit.Config{Redis: redisClient}, quietLogger)
	cfg.Cache = cache.NewManager(cache.Config{TTL: time.Minute, Redis: redisClient})

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	transport := &countingTransport{}
	c.SetHTTPClient(&http.Client{Transport: transport, Timeout: 10 * time.Second})
	return c, transport
}

// TestSharedCache: a query answered for one process is served from Redis
// to the next.
func TestSharedCache(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockSPARQL()
	defer mock.Close()
	mock.SetResponse("wd:Q183", citiesResponse())

	first, firstTransport := newSharedClient(t, mock.URL(), redisClient)
	second, secondTransport := newSharedClient(t, mock.URL(), redisClient)

	ctx := context.Background()

	res, err := first.Query(ctx, testQuery)
	if err != nil {
		t.Fatalf("First query failed: %v", err)
	}
	if res.Len() != 2 {
		t.Errorf("First query rows = %d, want 2", res.Len())
	}

	res, err = second.Query(ctx, testQuery)
	if err != nil {
		t.Fatalf("Second query failed: %v", err)
	}
	if res.Len() != 2 {
		t.Errorf("Second query rows = %d, want 2", res.Len())
	}

	if firstTransport.n.Load() != 1 || secondTransport.n.Load() != 0 {
		t.Errorf("round trips = %d / %d, want 1 / 0", firstTransport.n.Load(), secondTransport.n.Load())
	}
	if mock.GetRequestCount() != 1 {
		t.Errorf("endpoint requests = %d, want 1", mock.GetRequestCount())
	}
}

// TestSharedBackoff: a Retry-After seen by one process holds back the other.
func TestSharedBackoff(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockSPARQL()
	defer mock.Close()
	mock.SetResponse("wd:Q183", testutil.NewRateLimitResponse("30"))

	first, _ := newSharedClient(t, mock.URL(), redisClient)
	second, secondTransport := newSharedClient(t, mock.URL(), redisClient)
	first.config.Retry.MaxAttempts = 1

	if _, err := first.Query(context.Background(), testQuery); err == nil {
		t.Fatal("Expected rate limit error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := second.Query(ctx, "SELECT ?x WHERE { ?x wdt:P31 wd:Q515 } LIMIT 1")
	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled while blocked, got %v", err)
	}
	if secondTransport.n.Load() != 0 {
		t.Errorf("Second client sent %d requests during the shared backoff", secondTransport.n.Load())
	}
}
