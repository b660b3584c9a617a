package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Sternrassler/wikidata-harvest/internal/config"
	"github.com/Sternrassler/wikidata-harvest/internal/staging"
	"github.com/Sternrassler/wikidata-harvest/internal/store"
	"github.com/Sternrassler/wikidata-harvest/internal/wikidata"
	"github.com/Sternrassler/wikidata-harvest/pkg/cache"
	"github.com/Sternrassler/wikidata-harvest/pkg/logging"
	"github.com/Sternrassler/wikidata-harvest/pkg/ratelimit"
	"github.com/Sternrassler/wikidata-harvest/pkg/sparql"
	"github.com/Sternrassler/wikidata-harvest/pkg/table"
	"github.com/redis/go-redis/v9"
)

// deps are the long-lived collaborators of a harvest.
type deps struct {
	client    *sparql.Client
	staging   *staging.Dir
	harvester *wikidata.Harvester
	redis     *redis.Client
}

func (d *deps) Close() {
	if d.redis != nil {
		d.redis.Close()
	}
}

// newDeps wires the SPARQL client, its limiter and cache, and the
// harvester for cfg.
func newDeps(ctx context.Context, cfg *config.Config) (*deps, error) {
	d := &deps{}

	if cfg.Redis.Addr != "" {
		d.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := d.redis.Ping(ctx).Err(); err != nil {
			d.redis.Close()
			return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Redis.Addr, err)
		}
	}

	tracker := ratelimit.NewTracker(ratelimit.Config{
		RequestsPerSecond: cfg.SPARQL.RequestsPerSecond,
		Burst:             cfg.SPARQL.Burst,
		Redis:             d.redis,
	}, logging.NewLogger("ratelimit"))

	clientCfg := sparql.DefaultConfig(cfg.SPARQL.UserAgent)
	clientCfg.Endpoint = cfg.SPARQL.Endpoint
	clientCfg.Timeout = cfg.SPARQL.Timeout
	clientCfg.Retry.MaxAttempts = cfg.SPARQL.MaxRetries + 1
	clientCfg.Limiter = tracker
	if cfg.Cache.Enabled {
		clientCfg.Cache = cache.NewManager(cache.Config{
			TTL:   cfg.Cache.TTL,
			Redis: d.redis,
		})
	}

	client, err := sparql.New(clientCfg)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("create SPARQL client: %w", err)
	}
	d.client = client

	dir, err := staging.Open(cfg.Harvest.StagingDir)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.staging = dir

	d.harvester = wikidata.New(client, dir, wikidata.Options{
		BatchSize:   cfg.Harvest.BatchSize,
		Concurrency: cfg.Harvest.Concurrency,
		Pause:       cfg.Harvest.Pause,
		JobTimeout:  cfg.Harvest.JobTimeout,
		MaxPasses:   cfg.Harvest.MaxPasses,
	})

	return d, nil
}

// writeTable writes t as CSV to path through a temp file.
func writeTable(path string, t *table.Table) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if err := t.WriteCSV(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// saveToDatabase upserts the merged table into dsn.
func saveToDatabase(ctx context.Context, dsn string, t *table.Table) (int, error) {
	db, err := store.Open(dsn)
	if err != nil {
		return 0, err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	cities, bad := store.CitiesFromTable(t)
	if bad > 0 {
		logger := logging.NewLogger("store")
		logger.Warn().Int("cells", bad).Msg("Unparsable numbers stored as zero")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	return store.NewGormStore(db).SaveCities(ctx, cities)
}
