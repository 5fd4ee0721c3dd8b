// Package heartbeat announces this consumer to the realtime status service,
// which tracks relay clients by the socket.io "heartbeat" event they emit.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultInterval       = 5 * time.Second
	DefaultReconnectDelay = time.Second
	handshakeTimeout      = 10 * time.Second

	// engine.io defaults, used when the open packet leaves them out
	defaultPingInterval = 25 * time.Second
	defaultPingTimeout  = 20 * time.Second
)

// engine.io v4 packet types, socket.io v5 packet types follow the "4"
const (
	pktOpen    = "0"
	pktClose   = "1"
	pktPing    = "2"
	pktPong    = "3"
	pktConnect = "40"
	pktLeave   = "41"
	pktEvent   = "42"
	pktRefused = "44"
)

var ErrDisconnected = errors.New("realtime service closed the session")

type Pinger struct {
	URL            string
	ConsumerName   string
	Interval       time.Duration
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
	Logger         func(string, ...any)
}

// New returns nil when baseURL is empty; a nil Pinger's Run returns at once.
func New(baseURL, consumerName string, logger func(string, ...any)) (*Pinger, error) {
	if baseURL == "" {
		return nil, nil
	}
	u, err := Endpoint(baseURL)
	if err != nil {
		return nil, err
	}
	return &Pinger{
		URL:            u,
		ConsumerName:   consumerName,
		Interval:       DefaultInterval,
		ReconnectDelay: DefaultReconnectDelay,
		Dialer:         &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		Logger:         logger,
	}, nil
}

// Endpoint turns the service base URL into its socket.io websocket URL.
func Endpoint(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid REALTIME_URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid REALTIME_URL %q: unsupported scheme", base)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid REALTIME_URL %q: missing host", base)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/socket.io/"
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run keeps a session open until ctx is cancelled, reconnecting after
// ReconnectDelay. Failures are logged once per outage.
func (p *Pinger) Run(ctx context.Context) {
	if p == nil {
		return
	}
	delay := p.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	down := false
	for {
		err := p.session(ctx, func() {
			if down {
				down = false
				p.log("heartbeat_recovered", "url", p.URL)
				return
			}
			p.log("heartbeat_connected", "url", p.URL)
		})
		if ctx.Err() != nil {
			return
		}
		if !down {
			down = true
			p.log("heartbeat_failed", "url", p.URL, "error", err)
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

type openPacket struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(frame string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (c *conn) recv() (string, error) {
	_, data, err := c.ws.ReadMessage()
	return string(data), err
}

// session runs one connection: the engine.io open, the socket.io connect on
// the default namespace, then a heartbeat every Interval while answering pings.
func (p *Pinger) session(ctx context.Context, connected func()) error {
	d := p.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	ws, _, err := d.DialContext(ctx, p.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer ws.Close()
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()
	c := &conn{ws: ws}

	_ = ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	frame, err := c.recv()
	if err != nil {
		return fmt.Errorf("read open: %w", err)
	}
	if !strings.HasPrefix(frame, pktOpen) {
		return fmt.Errorf("unexpected first packet %q", frame)
	}
	var open openPacket
	if err := json.Unmarshal([]byte(frame[1:]), &open); err != nil {
		return fmt.Errorf("decode open: %w", err)
	}
	if err := c.send(pktConnect); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	for {
		frame, err = c.recv()
		if err != nil {
			return fmt.Errorf("read connect: %w", err)
		}
		if strings.HasPrefix(frame, pktRefused) {
			return fmt.Errorf("connect refused: %s", frame[len(pktRefused):])
		}
		if strings.HasPrefix(frame, pktConnect) {
			break
		}
		if frame == pktPing {
			if err := c.send(pktPong); err != nil {
				return err
			}
		}
	}
	connected()

	errc := make(chan error, 1)
	go func() { errc <- c.readLoop(open.liveness()) }()

	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := c.send(p.eventFrame()); err != nil {
			return fmt.Errorf("emit heartbeat: %w", err)
		}
		select {
		case <-ctx.Done():
			_ = c.send(pktLeave)
			return nil
		case err := <-errc:
			return err
		case <-t.C:
		}
	}
}

// readLoop answers pings and fails when the server goes quiet for longer
// than its own ping window.
func (c *conn) readLoop(window time.Duration) error {
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(window))
		frame, err := c.recv()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		switch {
		case frame == pktPing:
			if err := c.send(pktPong); err != nil {
				return fmt.Errorf("pong: %w", err)
			}
		case frame == pktClose, strings.HasPrefix(frame, pktLeave):
			return ErrDisconnected
		}
	}
}

func (o openPacket) liveness() time.Duration {
	interval := time.Duration(o.PingInterval) * time.Millisecond
	if interval <= 0 {
		interval = defaultPingInterval
	}
	timeout := time.Duration(o.PingTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	return interval + timeout
}

func (p *Pinger) eventFrame() string {
	b, _ := json.Marshal([]any{"heartbeat", map[string]string{"consumerName": p.ConsumerName}})
	return pktEvent + string(b)
}

func (p *Pinger) log(msg string, kv ...any) {
	if p.Logger != nil {
		p.Logger(msg, kv...)
	}
}
