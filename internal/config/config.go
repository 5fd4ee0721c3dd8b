package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	RedisURL      string `env:"REDIS_URL,required,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	StreamName      string `env:"STREAM_NAME"       envDefault:"webhook-stream"`
	ConsumerGroup   string `env:"CONSUMER_GROUP"    envDefault:"relay-group"`
	ConsumerName    string `env:"CONSUMER_NAME"`
	DeadLetterQueue string `env:"DEAD_LETTER_QUEUE" envDefault:"webhook-dlq"`
	StreamMaxLen    int64  `env:"STREAM_MAXLEN"     envDefault:"10000"`

	WorkerCount    int `env:"WORKER_COUNT"  envDefault:"5"`
	BatchSize      int `env:"BATCH_SIZE"    envDefault:"10"`
	BlockTimeoutMs int `env:"BLOCK_TIMEOUT" envDefault:"5000"`

	ReclaimIdle     time.Duration `env:"RECLAIM_IDLE"     envDefault:"60s"`
	ReclaimInterval time.Duration `env:"RECLAIM_INTERVAL" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPTimeout     time.Duration `env:"HTTP_TIMEOUT"     envDefault:"30s"`

	BreakerThreshold int           `env:"BREAKER_THRESHOLD" envDefault:"5"`
	BreakerCooldown  time.Duration `env:"BREAKER_COOLDOWN"  envDefault:"30s"`

	ClientPort  int    `env:"CLIENT_PORT" envDefault:"3003"`
	RealtimeURL string `env:"REALTIME_URL"`
	AdminToken  string `env:"ADMIN_TOKEN"`
	DatabaseURL string `env:"DATABASE_URL"`
}

func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.ConsumerName == "" {
		name, err := GenerateConsumerName()
		if err != nil {
			return nil, err
		}
		cfg.ConsumerName = name
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("invalid WORKER_COUNT %d: must be positive", c.WorkerCount)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("invalid BATCH_SIZE %d: must be positive", c.BatchSize)
	}
	if c.BlockTimeoutMs < 0 {
		return fmt.Errorf("invalid BLOCK_TIMEOUT %d", c.BlockTimeoutMs)
	}
	if c.ClientPort <= 0 || c.ClientPort > 65535 {
		return fmt.Errorf("invalid CLIENT_PORT %d", c.ClientPort)
	}
	if c.RedisPassword == "" && !urlHasPassword(c.RedisURL) {
		return errors.New("REDIS_PASSWORD is required unless REDIS_URL carries credentials")
	}
	return nil
}

func (c *Config) BlockTimeout() time.Duration {
	return time.Duration(c.BlockTimeoutMs) * time.Millisecond
}

// RedisOptions accepts either a redis:// URL or a bare host:port.
func (c *Config) RedisOptions() (*redis.Options, error) {
	if isRedisURL(c.RedisURL) {
		opts, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		if opts.Password == "" {
			opts.Password = c.RedisPassword
		}
		if c.RedisDB != 0 {
			opts.DB = c.RedisDB
		}
		return opts, nil
	}
	return &redis.Options{Addr: c.RedisURL, Password: c.RedisPassword, DB: c.RedisDB}, nil
}

func GenerateConsumerName() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("generate consumer name: %w", err)
	}
	return "relay-client-" + id.String()[:8], nil
}

func isRedisURL(s string) bool {
	return strings.HasPrefix(s, "redis://") || strings.HasPrefix(s, "rediss://")
}

func urlHasPassword(s string) bool {
	if !isRedisURL(s) {
		return false
	}
	opts, err := redis.ParseURL(s)
	return err == nil && opts.Password != ""
}
