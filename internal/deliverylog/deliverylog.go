// Package deliverylog records the terminal outcome of each event to the
// relational log store. It is optional; without a database the worker uses Nop.
package deliverylog

import (
	"context"
	"time"
)

type Outcome string

const (
	OutcomeForwarded    Outcome = "forwarded"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeSkipped      Outcome = "skipped"
)

type Entry struct {
	StreamID   string
	WebhookID  string
	EndpointID string
	TargetURL  string
	Outcome    Outcome
	Attempts   int
	StatusCode int
	Error      string
	Consumer   string
	At         time.Time
}

type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }
