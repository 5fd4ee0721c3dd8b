// Package dlq stores permanently failed events in a dead-letter stream and
// moves them back to the main stream on replay.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"relay/internal/metrics"
	"relay/internal/types"
)

var (
	ErrEntryNotFound = errors.New("dead-letter entry not found")
	// ErrNoEventFields means the entry holds only failure metadata, so there
	// is nothing to republish.
	ErrNoEventFields = errors.New("dead-letter entry has no event fields")
)

// TimeFormat matches the ISO strings the dashboard already renders.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

const DefaultListCount = 50

// replayScript moves one entry: read it, strip the failure metadata, append
// the rest to the main stream, delete the original and shrink the size
// counter (never below zero). Returns the new id, or nil if absent.
var replayScript = redis.NewScript(`
local entries = redis.call('XRANGE', KEYS[1], ARGV[1], ARGV[1])
if #entries == 0 then
  return false
end
local fields = entries[1][2]
local out = {}
for i = 1, #fields, 2 do
  local k = fields[i]
  if k ~= 'error' and k ~= 'failedAt' and k ~= 'originalStream' then
    table.insert(out, k)
    table.insert(out, fields[i + 1])
  end
end
if #out == 0 then
  return redis.error_reply('NOFIELDS dead-letter entry has no event fields')
end
local id
local maxlen = tonumber(ARGV[2])
if maxlen > 0 then
  id = redis.call('XADD', KEYS[2], 'MAXLEN', '~', maxlen, '*', unpack(out))
else
  id = redis.call('XADD', KEYS[2], '*', unpack(out))
end
redis.call('XDEL', KEYS[1], ARGV[1])
local size = tonumber(redis.call('GET', KEYS[3]) or '0')
if size > 0 then
  redis.call('DECR', KEYS[3])
end
return id
`)

var discardScript = redis.NewScript(`
local n = redis.call('XDEL', KEYS[1], ARGV[1])
if n == 0 then
  return 0
end
local size = tonumber(redis.call('GET', KEYS[2]) or '0')
if size > 0 then
  redis.call('DECR', KEYS[2])
end
return n
`)

type Router struct {
	Rdb        *redis.Client
	Stream     string
	MainStream string
	// MaxLen trims the main stream on replay; zero disables trimming.
	MaxLen int64
	Logger func(string, ...any)
	Now    func() time.Time
}

func NewRouter(rdb *redis.Client, stream, mainStream string, logger func(string, ...any)) *Router {
	return &Router{Rdb: rdb, Stream: stream, MainStream: mainStream, Logger: logger}
}

// Send appends the event with its failure reason and bumps the DLQ size
// counter in the same transaction.
func (r *Router) Send(ctx context.Context, ev types.Event, reason string) (string, error) {
	values := map[string]interface{}{}
	for k, v := range ev.Record() {
		values[k] = v
	}
	values[types.FieldError] = reason
	values[types.FieldFailedAt] = r.now().UTC().Format(TimeFormat)
	values[types.FieldOriginalStream] = r.MainStream

	var add *redis.StringCmd
	_, err := r.Rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		add = p.XAdd(ctx, &redis.XAddArgs{Stream: r.Stream, Values: values})
		p.Incr(ctx, metrics.KeyDLQSize)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("dead-letter %s: %w", ev.WebhookID, err)
	}
	r.log("dlq_sent", "webhook", ev.WebhookID, "id", add.Val(), "reason", reason)
	return add.Val(), nil
}

func (r *Router) List(ctx context.Context, count int64) ([]types.DeadLetterEntry, error) {
	if count <= 0 {
		count = DefaultListCount
	}
	msgs, err := r.Rdb.XRangeN(ctx, r.Stream, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]types.DeadLetterEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, entryFrom(m))
	}
	return out, nil
}

func (r *Router) Get(ctx context.Context, id string) (types.DeadLetterEntry, error) {
	msgs, err := r.Rdb.XRange(ctx, r.Stream, id, id).Result()
	if err != nil {
		return types.DeadLetterEntry{}, fmt.Errorf("get dead letter %s: %w", id, err)
	}
	if len(msgs) == 0 {
		return types.DeadLetterEntry{}, ErrEntryNotFound
	}
	return entryFrom(msgs[0]), nil
}

// Replay republishes the entry on the main stream and removes it from the
// dead-letter stream. It is a move, not a copy.
func (r *Router) Replay(ctx context.Context, id string) (string, error) {
	res, err := replayScript.Run(ctx, r.Rdb,
		[]string{r.Stream, r.MainStream, metrics.KeyDLQSize},
		id, r.MaxLen,
	).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrEntryNotFound
	}
	if err != nil && strings.Contains(err.Error(), "NOFIELDS") {
		return "", fmt.Errorf("replay %s: %w", id, ErrNoEventFields)
	}
	if err != nil {
		return "", fmt.Errorf("replay %s: %w", id, err)
	}
	newID, _ := res.(string)
	r.log("dlq_replayed", "id", id, "new_id", newID)
	return newID, nil
}

func (r *Router) Discard(ctx context.Context, id string) error {
	n, err := discardScript.Run(ctx, r.Rdb, []string{r.Stream, metrics.KeyDLQSize}, id).Int64()
	if err != nil {
		return fmt.Errorf("discard %s: %w", id, err)
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	r.log("dlq_discarded", "id", id)
	return nil
}

func entryFrom(m redis.XMessage) types.DeadLetterEntry {
	e := types.DeadLetterEntry{ID: m.ID, Fields: map[string]string{}}
	for k, v := range m.Values {
		s := fmt.Sprint(v)
		switch k {
		case types.FieldError:
			e.Error = s
		case types.FieldFailedAt:
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				e.FailedAt = t
			}
		case types.FieldOriginalStream:
			e.OriginalStream = s
		default:
			e.Fields[k] = s
		}
	}
	return e
}

func (r *Router) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

func (r *Router) log(msg string, kv ...any) {
	if r.Logger != nil {
		r.Logger(msg, kv...)
	}
}
