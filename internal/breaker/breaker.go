// Package breaker provides a shared circuit breaker for calls to one
// external dependency.
//
// Closed passes calls through and counts consecutive failures. Reaching
// the threshold opens the circuit: calls fail fast without a network
// attempt until the reset timeout elapses, after which exactly one trial
// call is allowed. A successful trial closes the circuit; a failed one
// reopens it and restarts the timer.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/postalq/mailflow/internal/apperr"
)

// State is the breaker position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

// OpenError is returned when the circuit rejects a call without
// attempting it.
type OpenError struct{ Name string }

func (e *OpenError) Error() string { return e.Name + ": circuit open" }
func (*OpenError) Kind() string    { return apperr.KindServiceUnavailable }

// IsOpen reports whether err is a fast-fail rejection from a breaker.
func IsOpen(err error) bool {
	var o *OpenError
	return errors.As(err, &o)
}

// Breaker guards calls to one external dependency. It is safe for
// concurrent use; all callers share one counter/state pair.
type Breaker struct {
	name         string
	threshold    int
	resetTimeout time.Duration

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool // a half-open trial call is in flight

	now           func() time.Time
	onStateChange func(name string, s State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a hook called whenever the state moves.
func WithStateChange(fn func(name string, s State)) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// New creates a breaker named after the dependency it protects.
// Non-positive threshold or timeout fall back to the defaults (5, 60s).
func New(name string, threshold int, resetTimeout time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 60 * time.Second
	}
	b := &Breaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Do runs fn through the breaker. When the circuit is open it returns an
// *OpenError immediately and fn is never called.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return &OpenError{Name: b.name}
		}
		b.setState(HalfOpen)
		b.trial = true
		return nil
	case HalfOpen:
		if b.trial {
			return &OpenError{Name: b.name}
		}
		b.trial = true
		return nil
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Caller-side cancellation says nothing about dependency health:
	// leave the counter and state alone, but free the trial slot.
	if errors.Is(err, context.Canceled) {
		b.trial = false
		return
	}

	if err == nil {
		b.failures = 0
		b.trial = false
		if b.state != Closed {
			b.setState(Closed)
		}
		return
	}

	if b.state == HalfOpen {
		b.trial = false
		b.openedAt = b.now()
		b.setState(Open)
		return
	}

	b.failures++
	if b.state == Closed && b.failures >= b.threshold {
		b.openedAt = b.now()
		b.setState(Open)
	}
}

// setState updates the state and fires the hook. Caller holds b.mu.
func (b *Breaker) setState(s State) {
	b.state = s
	if b.onStateChange != nil {
		b.onStateChange(b.name, s)
	}
}
