// Package config loads relay settings from .env files and environment
// variables. One struct covers all three binaries; each reads the slice
// it cares about and ignores the rest.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all relay configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Shared
	RedisAddr   string `env:"RELAY_REDIS_ADDR" envDefault:"localhost:6379"`
	MetricsAddr string `env:"RELAY_METRICS_ADDR" envDefault:":9100"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Frontend listener
	Addr string `env:"RELAY_ADDR" envDefault:":3002"`

	// Ingress queue
	QueueCapacity      int           `env:"RELAY_QUEUE_CAPACITY" envDefault:"100000"`
	QueueRateWindow    time.Duration `env:"RELAY_QUEUE_RATE_WINDOW" envDefault:"1s"`
	QueueRateLimit     int           `env:"RELAY_QUEUE_RATE_LIMIT" envDefault:"100"`
	QueueOpenThreshold float64       `env:"RELAY_QUEUE_OPEN_THRESHOLD" envDefault:"0.95"`
	QueueCooldown      time.Duration `env:"RELAY_QUEUE_COOLDOWN" envDefault:"5s"`

	// Response delivery
	PollInterval time.Duration `env:"RELAY_POLL_INTERVAL" envDefault:"100ms"`
	PollBatch    int           `env:"RELAY_POLL_BATCH" envDefault:"128"`
	ResponseTTL  time.Duration `env:"RELAY_RESPONSE_TTL" envDefault:"5s"`

	// Resource guard. Zero values derive limits from the cgroup memory
	// limit at startup.
	MaxConnections   int     `env:"RELAY_MAX_CONNECTIONS" envDefault:"0"`
	MaxGoroutines    int     `env:"RELAY_MAX_GOROUTINES" envDefault:"50000"`
	CPURejectPercent float64 `env:"RELAY_CPU_REJECT_PERCENT" envDefault:"85.0"`
	MemoryLimit      int64   `env:"RELAY_MEMORY_LIMIT" envDefault:"0"`

	// Upgrade rate limiting
	UpgradeIPRate      float64 `env:"RELAY_UPGRADE_IP_RATE" envDefault:"1.0"`
	UpgradeIPBurst     int     `env:"RELAY_UPGRADE_IP_BURST" envDefault:"10"`
	UpgradeGlobalRate  float64 `env:"RELAY_UPGRADE_GLOBAL_RATE" envDefault:"50.0"`
	UpgradeGlobalBurst int     `env:"RELAY_UPGRADE_GLOBAL_BURST" envDefault:"300"`

	// Bridge
	WorkList       string        `env:"RELAY_WORK_LIST" envDefault:"nostr:work"`
	BridgeBatch    int           `env:"RELAY_BRIDGE_BATCH" envDefault:"1000"`
	BridgeIdle     time.Duration `env:"RELAY_BRIDGE_IDLE" envDefault:"10ms"`
	BridgeBackoff  time.Duration `env:"RELAY_BRIDGE_BACKOFF" envDefault:"1s"`
	MetricsRefresh time.Duration `env:"RELAY_METRICS_REFRESH" envDefault:"15s"`

	// Worker
	WorkerShards  int           `env:"RELAY_WORKER_SHARDS" envDefault:"4"`
	BlockTimeout  time.Duration `env:"RELAY_BLOCK_TIMEOUT" envDefault:"1s"`
	QueryLimit    int           `env:"RELAY_QUERY_LIMIT" envDefault:"500"`
	SubTTL        time.Duration `env:"RELAY_SUB_TTL" envDefault:"5m"`
	IndexTTL      time.Duration `env:"RELAY_INDEX_TTL" envDefault:"10m"`
	JanitorPeriod time.Duration `env:"RELAY_JANITOR_PERIOD" envDefault:"1m"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration, priority: ENV vars > .env file > defaults.
// The .env file is a development convenience; its absence is not an error.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("RELAY_ADDR is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("RELAY_REDIS_ADDR is required")
	}

	if c.QueueCapacity < 1 {
		return fmt.Errorf("RELAY_QUEUE_CAPACITY must be > 0, got %d", c.QueueCapacity)
	}
	if c.QueueRateLimit < 1 {
		return fmt.Errorf("RELAY_QUEUE_RATE_LIMIT must be > 0, got %d", c.QueueRateLimit)
	}
	if c.QueueOpenThreshold <= 0 || c.QueueOpenThreshold > 1 {
		return fmt.Errorf("RELAY_QUEUE_OPEN_THRESHOLD must be in (0, 1], got %.2f", c.QueueOpenThreshold)
	}
	if c.QueueCooldown <= 0 {
		return fmt.Errorf("RELAY_QUEUE_COOLDOWN must be > 0, got %s", c.QueueCooldown)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("RELAY_POLL_INTERVAL must be > 0, got %s", c.PollInterval)
	}
	if c.PollBatch < 1 {
		return fmt.Errorf("RELAY_POLL_BATCH must be > 0, got %d", c.PollBatch)
	}
	if c.CPURejectPercent < 0 || c.CPURejectPercent > 100 {
		return fmt.Errorf("RELAY_CPU_REJECT_PERCENT must be 0-100, got %.1f", c.CPURejectPercent)
	}

	if c.BridgeBatch < 1 {
		return fmt.Errorf("RELAY_BRIDGE_BATCH must be > 0, got %d", c.BridgeBatch)
	}
	if c.WorkerShards < 1 {
		return fmt.Errorf("RELAY_WORKER_SHARDS must be > 0, got %d", c.WorkerShards)
	}
	if c.QueryLimit < 1 {
		return fmt.Errorf("RELAY_QUERY_LIMIT must be > 0, got %d", c.QueryLimit)
	}

	// Index entries must outlive the metadata they point at, otherwise a
	// live subscription could become unreachable between refreshes.
	if c.IndexTTL <= c.SubTTL {
		return fmt.Errorf("RELAY_INDEX_TTL (%s) must be greater than RELAY_SUB_TTL (%s)",
			c.IndexTTL, c.SubTTL)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig emits the loaded configuration as one structured line.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("redis_addr", c.RedisAddr).
		Str("metrics_addr", c.MetricsAddr).
		Int("queue_capacity", c.QueueCapacity).
		Int("queue_rate_limit", c.QueueRateLimit).
		Float64("queue_open_threshold", c.QueueOpenThreshold).
		Dur("queue_cooldown", c.QueueCooldown).
		Dur("poll_interval", c.PollInterval).
		Int("max_connections", c.MaxConnections).
		Str("work_list", c.WorkList).
		Int("bridge_batch", c.BridgeBatch).
		Int("worker_shards", c.WorkerShards).
		Int("query_limit", c.QueryLimit).
		Dur("sub_ttl", c.SubTTL).
		Dur("index_ttl", c.IndexTTL).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
