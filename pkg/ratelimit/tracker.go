package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for rate limiting.
var (
	rateLimitWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sparql_rate_limit_waits_total",
		Help: "Total number of requests delayed by a server-imposed backoff",
	})

	rateLimitBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sparql_rate_limit_backoff_seconds",
		Help:    "Backoff durations announced by Retry-After",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})
)

// Config holds the tracker configuration.
type Config struct {
	// RequestsPerSecond is the client-side request rate (<= 0 disables pacing).
	RequestsPerSecond float64

	// Burst is the token bucket size.
	Burst int

	// Redis, when set, shares the backoff deadline between processes.
	Redis *redis.Client
}

// DefaultConfig returns a conservative pacing for the public endpoint.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 5,
		Burst:             5,
	}
}

// extendScript stores ARGV[1] (unix ms) under KEYS[1] with a PX of ARGV[2]
// unless the stored deadline is already later. Returns 1 when it wrote.
var extendScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current and tonumber(current) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// Tracker paces requests and gates them while the server asks for backoff.
type Tracker struct {
	limiter *rate.Limiter
	redis   *redis.Client
	logger  zerolog.Logger

	mu    sync.Mutex
	state State
}

// NewTracker creates a new rate limit tracker.
func NewTracker(cfg Config, logger zerolog.Logger) *Tracker {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Tracker{
		limiter: rate.NewLimiter(limit, burst),
		redis:   cfg.Redis,
		logger:  logger,
	}
}

// GetState returns the current backoff state. With Redis configured the
// later of the local and the shared deadline wins.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()

	if t.redis == nil {
		return &state, nil
	}

	ms, err := t.redis.Get(ctx, RedisKeyBlockedUntil).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get blocked until: %w", err)
	}
	if err == nil {
		shared := time.UnixMilli(ms)
		if shared.After(state.BlockedUntil) {
			state.BlockedUntil = shared
		}
	}

	return &state, nil
}

// Wait blocks until a request may be sent: first on the token bucket, then
// for as long as a backoff deadline is pending.
func (t *Tracker) Wait(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}

	for {
		state, err := t.GetState(ctx)
		if err != nil {
			t.logger.Warn().Err(err).Msg("Failed to read backoff state, continuing")
			return nil
		}
		if !state.IsBlocked() {
			return nil
		}

		wait := state.TimeUntilUnblocked()
		rateLimitWaitsTotal.Inc()
		t.logger.Debug().Dur("wait", wait).Msg("Waiting for server backoff to expire")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// UpdateFromResponse extends the backoff deadline when the response is a
// throttle (429 or 503). Other responses are ignored.
func (t *Tracker) UpdateFromResponse(ctx context.Context, resp *http.Response) error {
	if resp == nil || !IsThrottleStatus(resp.StatusCode) {
		return nil
	}

	now := time.Now()
	wait, ok := ParseRetryAfter(resp.Header.Get("Retry-After"), now)
	if !ok {
		if resp.StatusCode != http.StatusTooManyRequests {
			// 503 without Retry-After is a plain server error.
			return nil
		}
		wait = DefaultRetryAfter
	}

	return t.Block(ctx, now.Add(wait))
}

// Block sets the backoff deadline to until, unless a later one is pending.
// The shared deadline only ever moves forward, whichever process set it.
func (t *Tracker) Block(ctx context.Context, until time.Time) error {
	t.mu.Lock()
	extended := until.After(t.state.BlockedUntil)
	if extended {
		t.state.BlockedUntil = until
	}
	t.mu.Unlock()

	if !extended {
		return nil
	}

	wait := time.Until(until)
	rateLimitBackoffSeconds.Observe(wait.Seconds())
	t.logger.Warn().
		Time("blocked_until", until).
		Dur("wait", wait).
		Msg("Server requested backoff")

	if t.redis == nil {
		return nil
	}
	if wait.Milliseconds() <= 0 {
		return nil
	}
	keys := []string{RedisKeyBlockedUntil}
	if err := extendScript.Run(ctx, t.redis, keys, until.UnixMilli(), wait.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("store blocked until in redis: %w", err)
	}
	return nil
}
