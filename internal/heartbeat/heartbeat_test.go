package heartbeat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeRealtime speaks just enough engine.io v4 / socket.io v5 to accept a
// client on the default namespace and record what it emits.
type fakeRealtime struct {
	srv    *httptest.Server
	frames chan string

	// dropAfter closes each of the first N sessions after one heartbeat.
	dropAfter int
	refuse    bool

	mu       sync.Mutex
	sessions int
	queries  []string
}

func newFakeRealtime(t *testing.T, dropAfter int, refuse bool) *fakeRealtime {
	t.Helper()
	f := &fakeRealtime{frames: make(chan string, 256), dropAfter: dropAfter, refuse: refuse}
	up := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/socket.io/" {
			http.NotFound(w, r)
			return
		}
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		f.mu.Lock()
		f.sessions++
		n := f.sessions
		f.queries = append(f.queries, r.URL.RawQuery)
		f.mu.Unlock()
		f.serve(ws, n)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRealtime) serve(ws *websocket.Conn, session int) {
	write := func(s string) bool { return ws.WriteMessage(websocket.TextMessage, []byte(s)) == nil }
	if !write(`0{"sid":"eio-1","upgrades":[],"pingInterval":200,"pingTimeout":200,"maxPayload":1000000}`) {
		return
	}
	_, msg, err := ws.ReadMessage()
	if err != nil || string(msg) != "40" {
		return
	}
	if f.refuse {
		write(`44{"message":"not allowed"}`)
		return
	}
	if !write(`40{"sid":"sio-1"}`) || !write("2") {
		return
	}
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		select {
		case f.frames <- string(msg):
		default:
		}
		if session <= f.dropAfter && strings.HasPrefix(string(msg), "42") {
			return
		}
	}
}

func (f *fakeRealtime) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions
}

func startPinger(t *testing.T, p *Pinger) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return cancel
}

func newTestPinger(t *testing.T, base string, logger func(string, ...any)) *Pinger {
	t.Helper()
	p, err := New(base, "relay-client-1", logger)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p.Interval = 20 * time.Millisecond
	p.ReconnectDelay = 10 * time.Millisecond
	return p
}

func nextFrame(t *testing.T, frames <-chan string, match func(string) bool) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-frames:
			if match(f) {
				return f
			}
		case <-deadline:
			t.Fatal("timed out waiting for frame")
			return ""
		}
	}
}

func isEvent(f string) bool { return strings.HasPrefix(f, "42") }

func TestNewDisabledWithoutURL(t *testing.T) {
	p, err := New("", "relay-client-1", nil)
	if err != nil || p != nil {
		t.Fatalf("pinger = %+v, err = %v, want nil", p, err)
	}
	p.Run(context.Background())
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, base := range []string{"ftp://host", "http://", "::nope"} {
		if _, err := New(base, "relay-client-1", nil); err == nil {
			t.Fatalf("New(%q) accepted", base)
		}
	}
}

func TestEndpoint(t *testing.T) {
	cases := map[string]string{
		"http://realtime:3004":          "ws://realtime:3004/socket.io/?EIO=4&transport=websocket",
		"https://status.example.com/":   "wss://status.example.com/socket.io/?EIO=4&transport=websocket",
		"ws://realtime:3004/custom/io/": "ws://realtime:3004/custom/io/?EIO=4&transport=websocket",
	}
	for in, want := range cases {
		got, err := Endpoint(in)
		if err != nil {
			t.Fatalf("Endpoint(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("Endpoint(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRunEmitsHeartbeatEvent(t *testing.T) {
	f := newFakeRealtime(t, 0, false)
	startPinger(t, newTestPinger(t, f.srv.URL, nil))

	nextFrame(t, f.frames, func(s string) bool { return s == "3" })
	for i := 0; i < 2; i++ {
		frame := nextFrame(t, f.frames, isEvent)
		var ev []json.RawMessage
		if err := json.Unmarshal([]byte(frame[2:]), &ev); err != nil || len(ev) != 2 {
			t.Fatalf("event frame %q: %v", frame, err)
		}
		var name string
		var data struct {
			ConsumerName string `json:"consumerName"`
		}
		if err := json.Unmarshal(ev[0], &name); err != nil || name != "heartbeat" {
			t.Fatalf("event name = %q (%v)", name, err)
		}
		if err := json.Unmarshal(ev[1], &data); err != nil || data.ConsumerName != "relay-client-1" {
			t.Fatalf("event data = %s (%v)", ev[1], err)
		}
	}

	f.mu.Lock()
	q := f.queries[0]
	f.mu.Unlock()
	if !strings.Contains(q, "EIO=4") || !strings.Contains(q, "transport=websocket") {
		t.Fatalf("query = %q", q)
	}
}

func TestRunReconnectsAfterServerDrop(t *testing.T) {
	f := newFakeRealtime(t, 1, false)
	var (
		mu     sync.Mutex
		logged []string
	)
	startPinger(t, newTestPinger(t, f.srv.URL, func(msg string, kv ...any) {
		mu.Lock()
		logged = append(logged, msg)
		mu.Unlock()
	}))

	nextFrame(t, f.frames, isEvent)
	deadline := time.Now().Add(2 * time.Second)
	for f.sessionCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := f.sessionCount(); n < 2 {
		t.Fatalf("sessions = %d, want a reconnect", n)
	}
	nextFrame(t, f.frames, isEvent)

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(logged)
		last := ""
		if n > 0 {
			last = logged[n-1]
		}
		mu.Unlock()
		if last == "heartbeat_recovered" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	t.Fatalf("logged = %v, want connected, failed, recovered", logged)
}

func TestRunLogsOutageOnce(t *testing.T) {
	f := newFakeRealtime(t, 0, true)
	var (
		mu     sync.Mutex
		failed int
	)
	startPinger(t, newTestPinger(t, f.srv.URL, func(msg string, kv ...any) {
		if msg == "heartbeat_failed" {
			mu.Lock()
			failed++
			mu.Unlock()
		}
	}))

	deadline := time.Now().Add(2 * time.Second)
	for f.sessionCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := f.sessionCount(); n < 3 {
		t.Fatalf("sessions = %d, want retries", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if failed != 1 {
		t.Fatalf("heartbeat_failed logged %d times, want 1", failed)
	}
}
