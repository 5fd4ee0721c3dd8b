// Package breaker tracks consecutive delivery failures per destination.
package breaker

import (
	"sync"
	"time"
)

const (
	DefaultThreshold = 5
	DefaultCooldown  = 30 * time.Second
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type entry struct {
	failures    int
	lastFailure time.Time
	probing     bool
}

// Breaker is keyed by destination URL. The state is derived from the
// failure count and the time of the last failure; only those are stored.
type Breaker struct {
	Threshold int
	Cooldown  time.Duration
	Now       func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		Now:       time.Now,
		entries:   map[string]*entry{},
	}
}

func (b *Breaker) now() time.Time {
	if b.Now == nil {
		return time.Now()
	}
	return b.Now()
}

func (b *Breaker) stateLocked(e *entry) State {
	if e == nil || e.failures < b.Threshold {
		return Closed
	}
	if b.now().Sub(e.lastFailure) < b.Cooldown {
		return Open
	}
	return HalfOpen
}

func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(b.entries[key])
}

// IsOpen reports whether the breaker is Open for key. Closed and HalfOpen
// both return false.
func (b *Breaker) IsOpen(key string) bool {
	return b.State(key) == Open
}

// Allow admits an attempt. In HalfOpen only the first caller is admitted;
// others are refused until that trial request's outcome is recorded.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entries[key]
	switch b.stateLocked(e) {
	case Open:
		return false
	case HalfOpen:
		if e.probing {
			return false
		}
		e.probing = true
		return true
	default:
		return true
	}
}

func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
}

func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.entries == nil {
		b.entries = map[string]*entry{}
	}
	e := b.entries[key]
	if e == nil {
		e = &entry{}
		b.entries[key] = e
	}
	e.failures++
	e.lastFailure = b.now()
	e.probing = false
}

// Failures returns the consecutive failure count for key.
func (b *Breaker) Failures(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e := b.entries[key]; e != nil {
		return e.failures
	}
	return 0
}
