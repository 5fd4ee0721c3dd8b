package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

type RetryPolicy struct {
	MaxRetries     int     `json:"maxRetries"`
	InitialDelayMs int64   `json:"initialDelayMs"`
	BackoffFactor  float64 `json:"backoffFactor"`
	MaxDelayMs     int64   `json:"maxDelayMs"`
}

// durationMaxMs is the largest millisecond count a time.Duration can hold.
const durationMaxMs = float64(math.MaxInt64 / int64(time.Millisecond))

var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:     3,
	InitialDelayMs: 100,
	BackoffFactor:  2,
	MaxDelayMs:     10000,
}

// Delay is the sleep before attempt n. Attempt 0 fires immediately; attempt
// n>=1 waits min(initial * factor^(n-1), max).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	ms := float64(p.InitialDelayMs) * math.Pow(p.BackoffFactor, float64(attempt-1))
	if maxMs := float64(p.MaxDelayMs); ms > maxMs || math.IsNaN(ms) {
		ms = maxMs
	}
	if ms <= 0 {
		return 0
	}
	if ms >= durationMaxMs {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ms * float64(time.Millisecond))
}

func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must be >= 0, got %d", p.MaxRetries)
	}
	if p.InitialDelayMs < 0 || p.MaxDelayMs < 0 {
		return fmt.Errorf("retry delays must be >= 0")
	}
	if p.BackoffFactor < 0 {
		return fmt.Errorf("backoffFactor must be >= 0, got %v", p.BackoffFactor)
	}
	return nil
}

// ParseRetryPolicy decodes a serialized retry policy. Empty and "null" mean
// no override and return nil.
func ParseRetryPolicy(raw string) (*RetryPolicy, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var p RetryPolicy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("parse retry policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	return &p, nil
}
