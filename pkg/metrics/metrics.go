// Package metrics provides centralized Prometheus metrics registry for the harvester.
// All metrics are defined in their respective packages (sparql, cache, ratelimit,
// batch, staging, wikidata) to maintain modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the harvester.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer exposes the registered metrics, as served on /metrics.
var Gatherer = prometheus.DefaultGatherer

// Metrics Documentation
//
// Request Metrics (pkg/sparql):
//   - sparql_requests_total{status} (Counter): Requests by HTTP status or "network_error"
//   - sparql_request_duration_seconds (Histogram): Query duration, retries included
//   - sparql_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, decode)
//
// Retry Metrics (pkg/sparql):
//   - sparql_retries_total{error_class} (Counter): Retry attempts by error class
//   - sparql_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - sparql_retry_exhausted_total{error_class} (Counter): Queries that exhausted max retries
//
// Rate Limit Metrics (pkg/ratelimit):
//   - sparql_rate_limit_waits_total (Counter): Waits caused by a Retry-After backoff
//   - sparql_rate_limit_backoff_seconds (Histogram): Retry-After durations received
//
// Cache Metrics (pkg/cache):
//   - sparql_cache_hits_total{layer="memory|redis"} (Counter): Cache hits by layer
//   - sparql_cache_misses_total (Counter): Cache misses
//   - sparql_cache_errors_total{operation} (Counter): Cache operation errors
//
// Harvest Metrics (pkg/batch, internal/staging, internal/wikidata):
//   - harvest_jobs_total{result="success|failure"} (Counter): Country queries by outcome
//   - harvest_batch_success_ratio (Gauge): Success rate of the most recent batch
//   - harvest_staged_failures (Gauge): Failure records waiting for the next pass
//   - harvest_passes_total (Counter): Passes over the job list, the first run included
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(sparql_cache_hits_total[5m])) /
//   (sum(rate(sparql_cache_hits_total[5m])) + sum(rate(sparql_cache_misses_total[5m])))
//
//   # Throttling
//   rate(sparql_errors_total{class="rate_limit"}[5m])
//
//   # P95 Query Latency
//   histogram_quantile(0.95, rate(sparql_request_duration_seconds_bucket[5m]))
//
//   # Harvest progress
//   harvest_staged_failures
