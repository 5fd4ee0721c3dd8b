// Package stream claims webhook events from a Redis Stream consumer group.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Message struct {
	ID     string
	Fields map[string]string
}

// Consumer is one identity in a competing-consumer group. Entries returned
// by Read or Reclaim are owned by this consumer until acknowledged.
type Consumer struct {
	Rdb       *redis.Client
	Stream    string
	Group     string
	Name      string
	BatchSize int64
	Block     time.Duration
	// MinIdle is how long an entry must sit unacknowledged in another
	// consumer's pending list before Reclaim takes it over. Zero disables it.
	MinIdle time.Duration
	Logger  func(string, ...any)

	mu     sync.Mutex
	cursor string
}

func NewConsumer(rdb *redis.Client, stream, group, name string, logger func(string, ...any)) *Consumer {
	return &Consumer{
		Rdb:       rdb,
		Stream:    stream,
		Group:     group,
		Name:      name,
		BatchSize: 10,
		Block:     5 * time.Second,
		MinIdle:   time.Minute,
		Logger:    logger,
		cursor:    "0-0",
	}
}

// EnsureGroup creates the group (and the stream) if missing. An existing
// group is not an error.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.Rdb.XGroupCreateMkStream(ctx, c.Stream, c.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", c.Group, c.Stream, err)
	}
	if err == nil {
		c.log("group_created", "stream", c.Stream, "group", c.Group)
	}
	return nil
}

// Read claims up to BatchSize never-delivered entries, blocking up to Block.
// Timeouts and errors both yield an empty batch; errors are logged.
func (c *Consumer) Read(ctx context.Context) []Message {
	res, err := c.Rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.Group,
		Consumer: c.Name,
		Streams:  []string{c.Stream, ">"},
		Count:    c.BatchSize,
		Block:    c.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || ctx.Err() != nil {
			return nil
		}
		c.log("stream_read_error", "stream", c.Stream, "error", err)
		if strings.HasPrefix(err.Error(), "NOGROUP") {
			if gerr := c.EnsureGroup(ctx); gerr != nil {
				c.log("stream_group_error", "error", gerr)
			}
		}
		return nil
	}
	var out []Message
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, Message{ID: m.ID, Fields: toFields(m.Values)})
		}
	}
	return out
}

// Reclaim takes over entries left pending longer than MinIdle, typically by
// a consumer that crashed mid-event. One page is scanned per call and the
// cursor carries over to the next sweep.
func (c *Consumer) Reclaim(ctx context.Context) []Message {
	if c.MinIdle <= 0 {
		return nil
	}
	c.mu.Lock()
	start := c.cursor
	c.mu.Unlock()
	if start == "" {
		start = "0-0"
	}

	msgs, next, err := c.Rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.Stream,
		Group:    c.Group,
		Consumer: c.Name,
		MinIdle:  c.MinIdle,
		Start:    start,
		Count:    c.BatchSize,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			c.log("stream_reclaim_error", "stream", c.Stream, "error", err)
		}
		return nil
	}
	c.mu.Lock()
	c.cursor = next
	c.mu.Unlock()

	out := c.deliverable(ctx, msgs)
	if len(out) > 0 {
		c.log("stream_reclaimed", "count", len(out))
	}
	return out
}

// deliverable drops claimed entries whose payload is gone, acking them so
// they leave the pending list.
func (c *Consumer) deliverable(ctx context.Context, msgs []redis.XMessage) []Message {
	var out []Message
	for _, m := range msgs {
		if len(m.Values) == 0 {
			// trimmed or deleted while pending
			if err := c.Ack(ctx, m.ID); err != nil {
				c.log("stream_ack_error", "id", m.ID, "error", err)
			}
			continue
		}
		out = append(out, Message{ID: m.ID, Fields: toFields(m.Values)})
	}
	return out
}

// Touch re-claims entries this consumer still holds, resetting their idle
// time so a peer's Reclaim does not take over work that is in progress.
func (c *Consumer) Touch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := c.Rdb.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   c.Stream,
		Group:    c.Group,
		Consumer: c.Name,
		MinIdle:  0,
		Messages: ids,
	}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("touch %d pending entries: %w", len(ids), err)
	}
	return nil
}

func (c *Consumer) Ack(ctx context.Context, id string) error {
	if err := c.Rdb.XAck(ctx, c.Stream, c.Group, id).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

// Publish appends fields as a new entry. maxLen > 0 trims the stream to
// roughly that many entries.
func Publish(ctx context.Context, rdb *redis.Client, stream string, maxLen int64, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	args := &redis.XAddArgs{Stream: stream, Values: values}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

func toFields(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		switch t := v.(type) {
		case string:
			out[k] = t
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}

func (c *Consumer) log(msg string, kv ...any) {
	if c.Logger != nil {
		c.Logger(msg, kv...)
	}
}
