package config

import (
	"strings"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	t.Setenv("REDIS_URL", "localhost:6379")
	t.Setenv("REDIS_PASSWORD", "pw")

	cfg, err := Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.StreamName != "webhook-stream" || cfg.ConsumerGroup != "relay-group" || cfg.DeadLetterQueue != "webhook-dlq" {
		t.Fatalf("names = %s %s %s", cfg.StreamName, cfg.ConsumerGroup, cfg.DeadLetterQueue)
	}
	if cfg.WorkerCount != 5 || cfg.BatchSize != 10 || cfg.BlockTimeout() != 5*time.Second || cfg.ClientPort != 3003 {
		t.Fatalf("pool settings = %+v", cfg)
	}
	if cfg.ReclaimIdle != time.Minute || cfg.ShutdownTimeout != 30*time.Second || cfg.BreakerThreshold != 5 {
		t.Fatalf("timers = %+v", cfg)
	}
	if !strings.HasPrefix(cfg.ConsumerName, "relay-client-") || len(cfg.ConsumerName) != len("relay-client-")+8 {
		t.Fatalf("consumer name = %q", cfg.ConsumerName)
	}
}

func TestParseOverrides(t *testing.T) {
	t.Setenv("REDIS_URL", "localhost:6379")
	t.Setenv("REDIS_PASSWORD", "pw")
	t.Setenv("CONSUMER_NAME", "relay-a")
	t.Setenv("WORKER_COUNT", "12")
	t.Setenv("BLOCK_TIMEOUT", "250")
	t.Setenv("BREAKER_COOLDOWN", "5s")

	cfg, err := Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.ConsumerName != "relay-a" || cfg.WorkerCount != 12 || cfg.BlockTimeout() != 250*time.Millisecond || cfg.BreakerCooldown != 5*time.Second {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"missing url", map[string]string{"REDIS_PASSWORD": "pw"}},
		{"missing password", map[string]string{"REDIS_URL": "localhost:6379"}},
		{"zero workers", map[string]string{"REDIS_URL": "localhost:6379", "REDIS_PASSWORD": "pw", "WORKER_COUNT": "0"}},
		{"negative batch", map[string]string{"REDIS_URL": "localhost:6379", "REDIS_PASSWORD": "pw", "BATCH_SIZE": "-1"}},
		{"bad number", map[string]string{"REDIS_URL": "localhost:6379", "REDIS_PASSWORD": "pw", "WORKER_COUNT": "many"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("REDIS_URL", "")
			t.Setenv("REDIS_PASSWORD", "")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Parse(); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestRedisOptions(t *testing.T) {
	cfg := &Config{RedisURL: "redis://:secret@cache:6380/2", RedisDB: 0}
	opts, err := cfg.RedisOptions()
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if opts.Addr != "cache:6380" || opts.Password != "secret" || opts.DB != 2 {
		t.Fatalf("opts = %s %s %d", opts.Addr, opts.Password, opts.DB)
	}
	if err := cfg.validate(); err == nil || !strings.Contains(err.Error(), "WORKER_COUNT") {
		t.Fatalf("validate err = %v, want WORKER_COUNT error", err)
	}

	cfg = &Config{RedisURL: "cache:6379", RedisPassword: "pw", RedisDB: 3}
	opts, err = cfg.RedisOptions()
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if opts.Addr != "cache:6379" || opts.Password != "pw" || opts.DB != 3 {
		t.Fatalf("opts = %s %s %d", opts.Addr, opts.Password, opts.DB)
	}
}

func TestURLCredentialsSatisfyPassword(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://:secret@cache:6379/0")
	t.Setenv("REDIS_PASSWORD", "")
	if _, err := Parse(); err != nil {
		t.Fatalf("parse: %v", err)
	}
}
