// Package config loads the harvest configuration from a YAML file and
// WIKIDATA_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. WIKIDATA_BATCH_SIZE.
const EnvPrefix = "WIKIDATA"

// Config represents the overall harvest configuration.
type Config struct {
	SPARQL   SPARQLConfig   `yaml:"sparql"`
	Harvest  HarvestConfig  `yaml:"harvest"`
	Cache    CacheConfig    `yaml:"cache"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// SPARQLConfig holds the query endpoint configuration.
type SPARQLConfig struct {
	Endpoint          string        `yaml:"endpoint"`
	UserAgent         string        `yaml:"user_agent"`
	TimeoutSeconds    int           `yaml:"timeout_seconds"`
	Timeout           time.Duration `yaml:"-"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxRetries        int           `yaml:"max_retries"`
}

// HarvestConfig holds batching and staging configuration.
type HarvestConfig struct {
	BatchSize         int           `yaml:"batch_size"`
	Concurrency       int           `yaml:"concurrency"`
	PauseSeconds      int           `yaml:"pause_seconds"`
	Pause             time.Duration `yaml:"-"`
	JobTimeoutSeconds int           `yaml:"job_timeout_seconds"`
	JobTimeout        time.Duration `yaml:"-"`
	MaxPasses         int           `yaml:"max_passes"`
	StagingDir        string        `yaml:"staging_dir"`
	Output            string        `yaml:"output"`
	Countries         []string      `yaml:"countries"`
}

// CacheConfig holds the response cache configuration.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	TTLSeconds int           `yaml:"ttl_seconds"`
	TTL        time.Duration `yaml:"-"`
}

// RedisConfig enables the shared cache and backoff state when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig holds the optional SQL sink.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
	File   string `yaml:"file"`
}

// MetricsConfig holds the status listener address (empty: disabled).
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration of a full WikiData harvest.
func Default() *Config {
	cfg := &Config{
		SPARQL: SPARQLConfig{
			Endpoint:          "https://query.wikidata.org/sparql",
			UserAgent:         "wikidata-harvest/0.1.0",
			TimeoutSeconds:    60,
			RequestsPerSecond: 5,
			Burst:             5,
			MaxRetries:        3,
		},
		Harvest: HarvestConfig{
			BatchSize:    250,
			PauseSeconds: 60,
			StagingDir:   "temp",
			Output:       "cities.csv",
		},
		Cache: CacheConfig{
			Enabled:    true,
			TTLSeconds: 24 * 60 * 60,
		},
		Log: LogConfig{
			Level: "info",
			File:  "out.log",
		},
	}
	cfg.normalize()
	return cfg
}

// Load reads the configuration from path (defaults only when empty) and
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		decoder := yaml.NewDecoder(f)
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	applyEnv(cfg, newEnv())
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	return v
}

// applyEnv overrides cfg with every WIKIDATA_* variable that is set.
func applyEnv(cfg *Config, v *viper.Viper) {
	str := func(key string, target *string) {
		if v.IsSet(key) {
			*target = v.GetString(key)
		}
	}
	num := func(key string, target *int) {
		if v.IsSet(key) {
			*target = v.GetInt(key)
		}
	}

	str("endpoint", &cfg.SPARQL.Endpoint)
	str("user_agent", &cfg.SPARQL.UserAgent)
	num("timeout_seconds", &cfg.SPARQL.TimeoutSeconds)
	num("max_retries", &cfg.SPARQL.MaxRetries)
	num("burst", &cfg.SPARQL.Burst)
	if v.IsSet("requests_per_second") {
		cfg.SPARQL.RequestsPerSecond = v.GetFloat64("requests_per_second")
	}

	num("batch_size", &cfg.Harvest.BatchSize)
	num("concurrency", &cfg.Harvest.Concurrency)
	num("pause_seconds", &cfg.Harvest.PauseSeconds)
	num("job_timeout_seconds", &cfg.Harvest.JobTimeoutSeconds)
	num("max_passes", &cfg.Harvest.MaxPasses)
	str("staging_dir", &cfg.Harvest.StagingDir)
	str("output", &cfg.Harvest.Output)

	if v.IsSet("cache_enabled") {
		cfg.Cache.Enabled = v.GetBool("cache_enabled")
	}
	num("cache_ttl_seconds", &cfg.Cache.TTLSeconds)

	str("redis_addr", &cfg.Redis.Addr)
	str("redis_password", &cfg.Redis.Password)
	num("redis_db", &cfg.Redis.DB)

	str("database_dsn", &cfg.Database.DSN)

	str("log_level", &cfg.Log.Level)
	str("log_file", &cfg.Log.File)
	if v.IsSet("log_pretty") {
		cfg.Log.Pretty = v.GetBool("log_pretty")
	}

	str("metrics_addr", &cfg.Metrics.Addr)
}

// normalize derives the durations from their second counts.
func (c *Config) normalize() {
	c.SPARQL.Timeout = time.Duration(c.SPARQL.TimeoutSeconds) * time.Second
	c.Harvest.Pause = time.Duration(c.Harvest.PauseSeconds) * time.Second
	c.Harvest.JobTimeout = time.Duration(c.Harvest.JobTimeoutSeconds) * time.Second
	c.Cache.TTL = time.Duration(c.Cache.TTLSeconds) * time.Second
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.SPARQL.Endpoint == "":
		return errors.New("sparql.endpoint is required")
	case c.SPARQL.UserAgent == "":
		return errors.New("sparql.user_agent is required")
	case c.SPARQL.TimeoutSeconds < 0:
		return fmt.Errorf("sparql.timeout_seconds must not be negative (got %d)", c.SPARQL.TimeoutSeconds)
	case c.SPARQL.RequestsPerSecond < 0:
		return fmt.Errorf("sparql.requests_per_second must not be negative (got %g)", c.SPARQL.RequestsPerSecond)
	case c.SPARQL.MaxRetries < 0:
		return fmt.Errorf("sparql.max_retries must not be negative (got %d)", c.SPARQL.MaxRetries)
	case c.Harvest.BatchSize < 1:
		return fmt.Errorf("harvest.batch_size must be at least 1 (got %d)", c.Harvest.BatchSize)
	case c.Harvest.Concurrency < 0:
		return fmt.Errorf("harvest.concurrency must not be negative (got %d)", c.Harvest.Concurrency)
	case c.Harvest.PauseSeconds < 0:
		return fmt.Errorf("harvest.pause_seconds must not be negative (got %d)", c.Harvest.PauseSeconds)
	case c.Harvest.JobTimeoutSeconds < 0:
		return fmt.Errorf("harvest.job_timeout_seconds must not be negative (got %d)", c.Harvest.JobTimeoutSeconds)
	case c.Harvest.MaxPasses < 0:
		return fmt.Errorf("harvest.max_passes must not be negative (got %d)", c.Harvest.MaxPasses)
	case c.Harvest.StagingDir == "":
		return errors.New("harvest.staging_dir is required")
	case c.Cache.TTLSeconds < 0:
		return fmt.Errorf("cache.ttl_seconds must not be negative (got %d)", c.Cache.TTLSeconds)
	}
	return nil
}
