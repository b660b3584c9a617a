// Package cache stores SPARQL query responses so repeated harvests do not
// re-run identical queries against the public endpoint.
//
// The manager has two layers:
//
//   - memory: an in-process go-cache store, always enabled
//   - redis: an optional shared layer, so several harvest processes (or a
//     harvest restarted after a crash) reuse each other's results
//
// # Basic Usage
//
//	manager := cache.NewManager(cache.Config{
//		TTL:   24 * time.Hour,
//		Redis: redisClient, // may be nil
//	})
//
//	key := cache.Key{Endpoint: endpoint, Query: query}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// run the query, then
//		_ = manager.Set(ctx, key, manager.NewEntry(body))
//	}
//
// A Redis hit back-fills the memory layer. Entries past their Expires
// instant are treated as misses and removed.
//
// # Metrics
//
//   - sparql_cache_hits_total{layer="memory"|"redis"}
//   - sparql_cache_misses_total
//   - sparql_cache_errors_total{operation}
package cache
