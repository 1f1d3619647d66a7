// Package resilience wraps any Adapter with retry, circuit breaking, and
// optional upstream rate limiting. One Wrapper is constructed per adapter
// at startup; its breaker state is shared by every request routed to that
// adapter.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without contacting the backend while the
// breaker is open. The router surfaces it as a temporary-unavailability
// error; it is not retried at this layer.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker's position in the Closed → Open → HalfOpen cycle.
type State int

const (
	// Closed: calls flow normally; consecutive failures are counted.
	Closed State = iota
	// Open: calls fail fast until the reset timeout elapses.
	Open
	// HalfOpen: exactly one trial call is allowed through. Its outcome
	// decides whether the breaker closes again or reopens.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is a per-adapter circuit breaker. Concurrent requests hammer the
// same instance, so every transition happens under one mutex — failures
// from different requests must accumulate toward the threshold in a single
// consistent order.
type Breaker struct {
	threshold int
	reset     time.Duration
	now       func() time.Time // injectable clock for tests

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trialing bool // a HalfOpen trial call is in flight
}

// NewBreaker creates a closed Breaker that opens after threshold
// consecutive failures and allows a trial call after reset.
func NewBreaker(threshold int, reset time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		reset:     reset,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. While Open it returns
// ErrCircuitOpen until the reset timeout elapses, at which point exactly
// one caller is admitted as the HalfOpen trial.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(b.openedAt) < b.reset {
			return ErrCircuitOpen
		}
		b.state = HalfOpen
		b.trialing = true
		return nil
	default: // HalfOpen
		if b.trialing {
			return ErrCircuitOpen
		}
		b.trialing = true
		return nil
	}
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.trialing = false
}

// RecordNeutral releases a HalfOpen trial slot without deciding the
// outcome. Used for attempts that never reached the backend (a fatal
// request error, a cancellation) — they say nothing about backend health,
// so the breaker neither closes nor reopens, and the next caller gets the
// trial slot instead.
func (b *Breaker) RecordNeutral() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialing = false
}

// RecordFailure counts one failed attempt. In Closed it opens the breaker
// once the threshold is reached; in HalfOpen the failed trial reopens it
// and restarts the reset timeout.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.state = Open
		b.openedAt = b.now()
		b.trialing = false
	case Closed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = Open
			b.openedAt = b.now()
		}
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
