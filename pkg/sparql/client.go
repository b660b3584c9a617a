// Package sparql provides the SPARQL query client with rate limiting,
// caching, retries and error classification.
package sparql

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/wikidata-harvest/pkg/cache"
	"github.com/Sternrassler/wikidata-harvest/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for SPARQL client operations.
var (
	sparqlRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sparql_requests_total",
		Help: "Total SPARQL requests by status",
	}, []string{"status"})

	sparqlRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sparql_request_duration_seconds",
		Help:    "SPARQL query duration in seconds, including retries",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	sparqlErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sparql_errors_total",
		Help: "Total SPARQL errors by class",
	}, []string{"class"})
)

// DefaultEndpoint is the public WikiData Query Service.
const DefaultEndpoint = "https://query.wikidata.org/sparql"

// maxGetQueryLength is the query size above which requests switch to POST.
const maxGetQueryLength = 2000

// Client is the SPARQL client.
type Client struct {
	httpClient  *http.Client
	rateLimiter *ratelimit.Tracker
	cache       *cache.Manager
	config      Config
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// Endpoint is the SPARQL endpoint URL.
	Endpoint string

	// User-Agent header (REQUIRED by the Wikimedia user-agent policy)
	// Format: "AppName/Version (contact)"
	UserAgent string

	// Timeout per HTTP request.
	Timeout time.Duration

	// Retry configures the per-query retry loop.
	Retry RetryConfig

	// Limiter paces requests and honours Retry-After (optional).
	Limiter *ratelimit.Tracker

	// Cache stores raw responses (optional).
	Cache *cache.Manager

	// HTTPClient overrides the default transport (optional).
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		Endpoint:  DefaultEndpoint,
		UserAgent: userAgent,
		Timeout:   60 * time.Second,
		Retry:     DefaultRetryConfig(),
	}
}

// New creates a new SPARQL client.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}

	u, err := url.Parse(cfg.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("endpoint must be an absolute http(s) URL (got %q)", cfg.Endpoint)
	}

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		httpClient:  httpClient,
		rateLimiter: cfg.Limiter,
		cache:       cfg.Cache,
		config:      cfg,
		logger:      log.With().Str("component", "sparql-client").Logger(),
	}, nil
}

// Endpoint returns the configured endpoint URL.
func (c *Client) Endpoint() string {
	return c.config.Endpoint
}

// Query runs a SELECT query and returns the decoded results.
// Cached responses are served without contacting the endpoint.
func (c *Client) Query(ctx context.Context, query string) (*Result, error) {
	startTime := time.Now()
	defer func() {
		sparqlRequestDuration.Observe(time.Since(startTime).Seconds())
	}()

	cacheKey := cache.Key{Endpoint: c.config.Endpoint, Query: query}
	if c.cache != nil {
		if res, ok := c.fromCache(ctx, cacheKey); ok {
			return res, nil
		}
	}

	var body []byte
	var result *Result

	err := retryWithBackoff(ctx, c.config.Retry, c.logger, func(attempt int) (ErrorClass, error) {
		if c.rateLimiter != nil {
			if err := c.rateLimiter.Wait(ctx); err != nil {
				return "", fmt.Errorf("%w: %v", ErrContextCancelled, err)
			}
		}

		data, res, class, err := c.execute(ctx, query)
		if err != nil {
			if class != "" {
				sparqlErrorsTotal.WithLabelValues(string(class)).Inc()
			}
			return class, err
		}

		body, result = data, res
		return "", nil
	})
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, cacheKey, c.cache.NewEntry(body)); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to cache response")
		}
	}

	return result, nil
}

// fromCache returns a cached result. Corrupt entries are dropped.
func (c *Client) fromCache(ctx context.Context, key cache.Key) (*Result, bool) {
	entry, err := c.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Msg("Cache get error")
		}
		return nil, false
	}

	res, err := DecodeResult(entry.Data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Dropping undecodable cache entry")
		_ = c.cache.Delete(ctx, key)
		return nil, false
	}

	c.logger.Debug().Int("rows", res.Len()).Msg("Served query from cache")
	return res, true
}

// execute performs one HTTP round trip.
func (c *Client) execute(ctx context.Context, query string) ([]byte, *Result, ErrorClass, error) {
	req, err := c.newRequest(ctx, query)
	if err != nil {
		return nil, nil, "", fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, "", fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}
		c.logger.Warn().Err(err).Msg("HTTP request failed")
		sparqlRequestsTotal.WithLabelValues("network_error").Inc()
		return nil, nil, ErrorClassNetwork, &QueryError{
			ErrorClass: ErrorClassNetwork,
			Message:    "request failed",
			Err:        err,
		}
	}
	defer resp.Body.Close()

	sparqlRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if c.rateLimiter != nil {
		if err := c.rateLimiter.UpdateFromResponse(ctx, resp); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update rate limit state")
		}
	}

	if resp.StatusCode >= 400 {
		class := classifyStatus(resp)
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("SPARQL request error")

		msg := resp.Status
		if s := strings.TrimSpace(string(snippet)); s != "" {
			msg = msg + ": " + firstLine(s)
		}
		return nil, nil, class, &QueryError{
			StatusCode: resp.StatusCode,
			ErrorClass: class,
			Message:    msg,
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, "", fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}
		return nil, nil, ErrorClassNetwork, &QueryError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassNetwork,
			Message:    "read response body",
			Err:        err,
		}
	}

	res, err := DecodeResult(data)
	if err != nil {
		return nil, nil, ErrorClassDecode, &QueryError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassDecode,
			Message:    "malformed results",
			Err:        err,
		}
	}

	c.logger.Debug().Int("rows", res.Len()).Msg("Query succeeded")
	return data, res, "", nil
}

// newRequest builds a GET request, or a form POST for long queries.
func (c *Client) newRequest(ctx context.Context, query string) (*http.Request, error) {
	form := url.Values{}
	form.Set("query", query)
	form.Set("format", "json")

	var req *http.Request
	var err error
	if len(query) > maxGetQueryLength {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, c.config.Endpoint+"?"+form.Encode(), nil)
		if err != nil {
			return nil, err
		}
	}

	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/sparql-results+json")
	return req, nil
}

// classifyStatus categorizes an HTTP error status.
func classifyStatus(resp *http.Response) ErrorClass {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case resp.StatusCode == http.StatusServiceUnavailable && resp.Header.Get("Retry-After") != "":
		return ErrorClassRateLimit
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return ErrorClassClient
	case resp.StatusCode >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
