// Package ratelimit paces SPARQL requests and honours server-side backoff.
// It combines a client-side token bucket with the Retry-After instructions
// the WikiData Query Service sends alongside 429 and 503 responses.
package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RedisKeyBlockedUntil stores the shared backoff deadline (unix milliseconds).
const RedisKeyBlockedUntil = "wikidata:rate_limit:blocked_until"

const (
	// DefaultRetryAfter applies when the server throttles without a usable
	// Retry-After header. WikiData accounts query time per 60 second window.
	DefaultRetryAfter = 60 * time.Second

	// MaxRetryAfter caps a single backoff instruction.
	MaxRetryAfter = 10 * time.Minute
)

// State represents the current server-imposed backoff.
type State struct {
	// BlockedUntil is the instant before which no request may be sent.
	BlockedUntil time.Time `json:"blocked_until"`
}

// IsBlocked returns true while the backoff deadline lies in the future.
func (s *State) IsBlocked() bool {
	return time.Now().Before(s.BlockedUntil)
}

// TimeUntilUnblocked returns the remaining backoff.
// Returns 0 if the deadline has already passed.
func (s *State) TimeUntilUnblocked() time.Duration {
	d := time.Until(s.BlockedUntil)
	if d < 0 {
		return 0
	}
	return d
}

// ParseRetryAfter interprets a Retry-After header value, which is either a
// number of seconds or an HTTP date. The boolean is false when the value is
// absent or unparseable. Results are clamped to [0, MaxRetryAfter].
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	var d time.Duration
	if secs, err := strconv.Atoi(value); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(value); err == nil {
		d = at.Sub(now)
	} else {
		return 0, false
	}

	if d < 0 {
		d = 0
	}
	if d > MaxRetryAfter {
		d = MaxRetryAfter
	}
	return d, true
}

// IsThrottleStatus reports whether a status code carries backoff semantics.
func IsThrottleStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable
}
