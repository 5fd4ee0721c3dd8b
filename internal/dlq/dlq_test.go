package dlq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"relay/internal/metrics"
	"relay/internal/types"
)

func newTestRouter(t *testing.T) (*Router, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	r := NewRouter(rdb, "webhook-dlq", "webhook-stream", nil)
	r.Now = func() time.Time { return time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC) }
	return r, rdb
}

func failedEvent() types.Event {
	return types.EventFromFields("1700000000000-0", map[string]string{
		types.FieldWebhookID:  "wh-9",
		types.FieldEndpointID: "shopify",
		types.FieldMethod:     "POST",
		types.FieldHeaders:    `{"x":"y"}`,
		types.FieldBody:       "aGk=",
		types.FieldQuery:      "{}",
		types.FieldTimestamp:  "2026-05-04T10:29:59.000Z",
		"sourceIp":            "203.0.113.7",
	})
}

func dlqSize(t *testing.T, rdb *redis.Client) int64 {
	t.Helper()
	n, err := rdb.Get(context.Background(), metrics.KeyDLQSize).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		t.Fatalf("get dlq size: %v", err)
	}
	return n
}

func TestSendStoresFailureMetadata(t *testing.T) {
	ctx := context.Background()
	r, rdb := newTestRouter(t)

	id, err := r.Send(ctx, failedEvent(), "server error: 503")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id == "" {
		t.Fatal("expected an entry id")
	}

	entry, err := r.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Error != "server error: 503" || entry.OriginalStream != "webhook-stream" {
		t.Fatalf("entry = %+v", entry)
	}
	if !entry.FailedAt.Equal(r.Now()) {
		t.Fatalf("failedAt = %v, want %v", entry.FailedAt, r.Now())
	}
	if entry.Fields["sourceIp"] != "203.0.113.7" || entry.Fields[types.FieldWebhookID] != "wh-9" {
		t.Fatalf("original fields not kept: %v", entry.Fields)
	}
	if entry.Event().EndpointID != "shopify" {
		t.Fatalf("event = %+v", entry.Event())
	}
	if got := dlqSize(t, rdb); got != 1 {
		t.Fatalf("dlq size = %d, want 1", got)
	}
}

func TestReplayMovesEntryToMainStream(t *testing.T) {
	ctx := context.Background()
	r, rdb := newTestRouter(t)

	id, err := r.Send(ctx, failedEvent(), "client error: 400")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	newID, err := r.Replay(ctx, id)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	main, err := rdb.XRange(ctx, "webhook-stream", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange main: %v", err)
	}
	if len(main) != 1 || main[0].ID != newID {
		t.Fatalf("main stream = %v, want one entry %s", main, newID)
	}
	for _, k := range []string{types.FieldError, types.FieldFailedAt, types.FieldOriginalStream} {
		if _, ok := main[0].Values[k]; ok {
			t.Fatalf("replayed entry still carries %q", k)
		}
	}
	if main[0].Values[types.FieldWebhookID] != "wh-9" || main[0].Values["sourceIp"] != "203.0.113.7" {
		t.Fatalf("replayed values = %v", main[0].Values)
	}

	left, err := r.List(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("dlq still has %d entries after replay", len(left))
	}
	if got := dlqSize(t, rdb); got != 0 {
		t.Fatalf("dlq size = %d, want 0", got)
	}

	if _, err := r.Replay(ctx, id); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("second replay err = %v, want ErrEntryNotFound", err)
	}
}

func TestDiscardDeletesWithoutRepublishing(t *testing.T) {
	ctx := context.Background()
	r, rdb := newTestRouter(t)

	id, err := r.Send(ctx, failedEvent(), "circuit breaker open")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := r.Discard(ctx, id); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, err := r.Get(ctx, id); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("get after discard err = %v", err)
	}
	n, err := rdb.Exists(ctx, "webhook-stream").Result()
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if n != 0 {
		t.Fatal("discard must not publish to the main stream")
	}
	if got := dlqSize(t, rdb); got != 0 {
		t.Fatalf("dlq size = %d, want 0", got)
	}
	if err := r.Discard(ctx, id); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("second discard err = %v, want ErrEntryNotFound", err)
	}
}

func TestListReturnsOldestFirst(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRouter(t)
	for _, reason := range []string{"first", "second", "third"} {
		if _, err := r.Send(ctx, failedEvent(), reason); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	entries, err := r.List(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].Error != "first" || entries[1].Error != "second" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestReplayRejectsEntryWithoutEventFields(t *testing.T) {
	ctx := context.Background()
	r, rdb := newTestRouter(t)
	id, err := rdb.XAdd(ctx, &redis.XAddArgs{Stream: r.Stream, Values: map[string]interface{}{
		types.FieldError:          "server error: 500",
		types.FieldFailedAt:       "2026-05-04T10:30:00.000Z",
		types.FieldOriginalStream: "webhook-stream",
	}}).Result()
	if err != nil {
		t.Fatalf("xadd: %v", err)
	}

	if _, err := r.Replay(ctx, id); !errors.Is(err, ErrNoEventFields) {
		t.Fatalf("replay err = %v, want ErrNoEventFields", err)
	}
	if n, _ := rdb.XLen(ctx, r.Stream).Result(); n != 1 {
		t.Fatalf("dlq len = %d, entry must be left in place", n)
	}
	if n, _ := rdb.Exists(ctx, "webhook-stream").Result(); n != 0 {
		t.Fatal("nothing should reach the main stream")
	}
}
