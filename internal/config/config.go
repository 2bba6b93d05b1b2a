// Package config loads the flashsaled configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// -----------------------------------------------------------------------------
// Environment variable guidelines:
// - required: values that differ between environments (database DSN)
// - default: values shared by all environments (timeouts, names, pool sizes)
// -----------------------------------------------------------------------------

type Config struct {
	Redis   RedisConfig
	DB      DBConfig
	Cache   CacheConfig
	Seckill SeckillConfig
	Log     LogConfig
	Metrics MetricsConfig
}

type RedisConfig struct {
	Addrs    []string `envconfig:"REDIS_ADDRS" default:"localhost:6379"`
	Username string   `envconfig:"REDIS_USERNAME"`
	Password string   `envconfig:"REDIS_PASSWORD"`
	// DisableCache turns off RESP3 client-side caching, e.g. for proxies
	// that do not support CLIENT TRACKING.
	DisableCache bool `envconfig:"REDIS_DISABLE_CACHE" default:"false"`
}

type DBConfig struct {
	Driver       string `envconfig:"DB_DRIVER" default:"sqlite"`
	DSN          string `envconfig:"DB_DSN" required:"true"`
	MaxOpenConns int    `envconfig:"DB_MAX_OPEN_CONNS" default:"10"`
}

type CacheConfig struct {
	TTL            time.Duration `envconfig:"CACHE_TTL" default:"30m"`
	NullTTL        time.Duration `envconfig:"CACHE_NULL_TTL" default:"2m"`
	LockTTL        time.Duration `envconfig:"CACHE_LOCK_TTL" default:"10s"`
	ClientCacheTTL time.Duration `envconfig:"CACHE_CLIENT_TTL" default:"0s"`
	RebuildWorkers int           `envconfig:"CACHE_REBUILD_WORKERS" default:"10"`
	// LockStrategy is "signed" or "simple".
	LockStrategy   string        `envconfig:"CACHE_LOCK_STRATEGY" default:"signed"`
}

type SeckillConfig struct {
	Stream string `envconfig:"SECKILL_STREAM" default:"stream.orders"`
	Group  string `envconfig:"SECKILL_GROUP" default:"g1"`
	// Consumer must be stable per process across restarts. Empty uses the
	// host name.
	Consumer    string        `envconfig:"SECKILL_CONSUMER"`
	Block       time.Duration `envconfig:"SECKILL_BLOCK" default:"2s"`
	LockTTL     time.Duration `envconfig:"SECKILL_LOCK_TTL" default:"10s"`
	MaxAttempts int           `envconfig:"SECKILL_MAX_ATTEMPTS" default:"5"`
	// RetryWindow bounds how long an order keeps failing on store errors
	// before it is dead-lettered.
	RetryWindow     time.Duration `envconfig:"SECKILL_RETRY_WINDOW" default:"15m"`
	ErrorBackoff    time.Duration `envconfig:"SECKILL_ERROR_BACKOFF" default:"100ms"`
	MaxErrorBackoff time.Duration `envconfig:"SECKILL_MAX_ERROR_BACKOFF" default:"30s"`
}

type LogConfig struct {
	Level string `envconfig:"LOG_LEVEL" default:"info"`
	// Format is "json" or "console".
	Format string `envconfig:"LOG_FORMAT" default:"json"`
}

type MetricsConfig struct {
	Addr string `envconfig:"METRICS_ADDR" default:":9090"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process env config: %w", err)
	}
	return cfg, nil
}
