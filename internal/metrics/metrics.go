// Package metrics keeps the relay client's counters in Redis so the status
// service and the dashboard read the same numbers.
package metrics

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	KeyForwarded = "metrics:client:webhooks_forwarded"
	KeyFailed    = "metrics:client:webhooks_failed"
	KeyDLQSize   = "metrics:client:dlq_size"
)

type Snapshot struct {
	Forwarded int64 `json:"forwarded"`
	Failed    int64 `json:"failed"`
	DLQSize   int64 `json:"dlqSize"`
}

type Counters struct {
	Rdb *redis.Client
}

func New(rdb *redis.Client) *Counters { return &Counters{Rdb: rdb} }

func (c *Counters) IncrForwarded(ctx context.Context) error {
	return c.Rdb.Incr(ctx, KeyForwarded).Err()
}

func (c *Counters) IncrFailed(ctx context.Context) error {
	return c.Rdb.Incr(ctx, KeyFailed).Err()
}

func (c *Counters) Snapshot(ctx context.Context) (Snapshot, error) {
	vals, err := c.Rdb.MGet(ctx, KeyForwarded, KeyFailed, KeyDLQSize).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Snapshot{}, fmt.Errorf("read metrics: %w", err)
	}
	var out [3]int64
	for i := range out {
		if i >= len(vals) || vals[i] == nil {
			continue
		}
		s, ok := vals[i].(string)
		if !ok {
			continue
		}
		if _, err := fmt.Sscan(s, &out[i]); err != nil {
			return Snapshot{}, fmt.Errorf("parse metric: %w", err)
		}
	}
	return Snapshot{Forwarded: out[0], Failed: out[1], DLQSize: out[2]}, nil
}
