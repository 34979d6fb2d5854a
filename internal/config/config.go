// Package config loads runtime configuration from the environment.
package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds all configuration values for the application.
type Config struct {
	// HTTP server port
	HTTPPort int

	// Batch engine defaults
	ChunkSize      int
	MaxConcurrency int
	RetryAttempts  int
	RetryDelay     time.Duration
	ItemTimeout    time.Duration

	// How long finished jobs stay queryable before the janitor purges them
	JobRetention time.Duration

	// Interval between keep-alive events on notification streams
	HeartbeatInterval time.Duration

	// Optional Redis address for session persistence; empty means in-memory
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Load reads configuration from OUTREACH_* environment variables,
// after sourcing a .env file when one is present.
func Load() (*Config, error) {
	// Missing .env is fine, real deployments set the environment directly.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("OUTREACH")
	v.AutomaticEnv()

	v.SetDefault("port", 8080)
	v.SetDefault("chunk_size", 500)
	v.SetDefault("max_concurrency", 3)
	v.SetDefault("retry_attempts", 3)
	v.SetDefault("retry_delay", "1s")
	v.SetDefault("item_timeout", "30s")
	v.SetDefault("job_retention", "1h")
	v.SetDefault("heartbeat_interval", "30s")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)

	cfg := &Config{
		HTTPPort:          v.GetInt("port"),
		ChunkSize:         v.GetInt("chunk_size"),
		MaxConcurrency:    v.GetInt("max_concurrency"),
		RetryAttempts:     v.GetInt("retry_attempts"),
		RetryDelay:        v.GetDuration("retry_delay"),
		ItemTimeout:       v.GetDuration("item_timeout"),
		JobRetention:      v.GetDuration("job_retention"),
		HeartbeatInterval: v.GetDuration("heartbeat_interval"),
		RedisAddr:         v.GetString("redis_addr"),
		RedisPassword:     v.GetString("redis_password"),
		RedisDB:           v.GetInt("redis_db"),
	}

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		return nil, errors.Errorf("invalid OUTREACH_PORT: %d", cfg.HTTPPort)
	}
	if cfg.ChunkSize <= 0 {
		return nil, errors.Errorf("invalid OUTREACH_CHUNK_SIZE: %d", cfg.ChunkSize)
	}
	if cfg.MaxConcurrency <= 0 {
		return nil, errors.Errorf("invalid OUTREACH_MAX_CONCURRENCY: %d", cfg.MaxConcurrency)
	}
	if cfg.RetryAttempts < 0 {
		return nil, errors.Errorf("invalid OUTREACH_RETRY_ATTEMPTS: %d", cfg.RetryAttempts)
	}
	if cfg.RetryDelay < 0 || cfg.ItemTimeout <= 0 || cfg.JobRetention <= 0 || cfg.HeartbeatInterval <= 0 {
		return nil, errors.New("durations must be positive")
	}
	return cfg, nil
}
