// Package forward delivers one event to its destination, retrying server
// and transport failures with exponential backoff.
package forward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"relay/internal/types"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

// StatusError is a non-2xx response from the destination.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	if e.Code >= 400 && e.Code < 500 {
		return fmt.Sprintf("client error: %d", e.Code)
	}
	return fmt.Sprintf("server error: %d", e.Code)
}

// Retryable is false for 4xx responses.
func (e *StatusError) Retryable() bool {
	return e.Code < 400 || e.Code >= 500
}

type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

type Result struct {
	Success    bool
	Attempts   int
	StatusCode int
	Err        error
}

type Breaker interface {
	Allow(key string) bool
	RecordSuccess(key string)
	RecordFailure(key string)
}

type Forwarder struct {
	Client  *http.Client
	Breaker Breaker
	Logger  func(string, ...any)
	Sleep   func(ctx context.Context, d time.Duration) error
	Now     func() time.Time
}

func New(client *http.Client, br Breaker, logger func(string, ...any)) *Forwarder {
	return &Forwarder{Client: client, Breaker: br, Logger: logger}
}

// NewClient returns the shared outbound client. Redirects are returned to
// the caller rather than followed.
func NewClient(timeout time.Duration) *http.Client {
	c := &http.Client{Timeout: timeout}
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error { return http.ErrUseLastResponse }
	return c
}

// EffectivePolicy picks the mapping override, then the policy carried on the
// event, then the default.
func EffectivePolicy(m *types.Mapping, ev types.Event) types.RetryPolicy {
	if m != nil && m.Retry != nil {
		return *m.Retry
	}
	if p, err := types.ParseRetryPolicy(ev.RetryConfig); err == nil && p != nil {
		return *p
	}
	return types.DefaultRetryPolicy
}

func (f *Forwarder) Forward(ctx context.Context, ev types.Event, m *types.Mapping) Result {
	target := m.TargetURL
	u, err := url.Parse(target)
	if err != nil {
		return Result{Err: fmt.Errorf("invalid target url: %w", err)}
	}
	if f.Breaker != nil && !f.Breaker.Allow(target) {
		return Result{Err: ErrCircuitOpen}
	}

	body := DecodeBody(ev.Body)
	headers := BuildHeaders(ev.Headers, m)
	ApplyAuth(headers, u, m.Auth, body, f.now())

	method := strings.ToUpper(strings.TrimSpace(ev.Method))
	if method == "" {
		method = http.MethodPost
	}
	policy := EffectivePolicy(m, ev)

	var res Result
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := f.sleep(ctx, policy.Delay(attempt)); err != nil {
				res.Err = fmt.Errorf("retry aborted after %d attempts: %w", res.Attempts, errors.Join(err, res.Err))
				return res
			}
			f.log("forward_retry", "webhook", ev.WebhookID, "attempt", attempt, "target", target)
		}
		res.Attempts++

		code, err := f.send(ctx, method, u, headers, body)
		res.StatusCode = code
		switch {
		case err != nil:
			f.recordFailure(target)
			res.Err = &TransportError{Err: err}
		case code >= 200 && code < 300:
			f.recordSuccess(target)
			res.Success = true
			res.Err = nil
			return res
		case code >= 400 && code < 500:
			// a client error says nothing about destination health
			f.recordSuccess(target)
			res.Err = &StatusError{Code: code}
			return res
		default:
			f.recordFailure(target)
			res.Err = &StatusError{Code: code}
		}
	}
	return res
}

func (f *Forwarder) send(ctx context.Context, method string, u *url.URL, h http.Header, body []byte) (int, error) {
	var rdr io.Reader
	if method != http.MethodGet && method != http.MethodHead {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return 0, err
	}
	req.Header = h.Clone()
	resp, err := f.client().Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, nil
}

func (f *Forwarder) client() *http.Client {
	if f.Client == nil {
		return http.DefaultClient
	}
	return f.Client
}

func (f *Forwarder) recordSuccess(key string) {
	if f.Breaker != nil {
		f.Breaker.RecordSuccess(key)
	}
}

func (f *Forwarder) recordFailure(key string) {
	if f.Breaker != nil {
		f.Breaker.RecordFailure(key)
	}
}

func (f *Forwarder) sleep(ctx context.Context, d time.Duration) error {
	if f.Sleep != nil {
		return f.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (f *Forwarder) now() time.Time {
	if f.Now == nil {
		return time.Now()
	}
	return f.Now()
}

func (f *Forwarder) log(msg string, kv ...any) {
	if f.Logger != nil {
		f.Logger(msg, kv...)
	}
}
