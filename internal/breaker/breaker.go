// Package breaker provides a small circuit breaker used to fence off an
// unhealthy collaborator (cache backend, secondary store) instead of
// hammering it: consecutive failures open the circuit, a cooldown later
// a single probe is let through, and a probe success closes it again.
package breaker

import (
	"sync"
	"time"
)

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// Breaker is safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	st        state
	failures  int
	openedAt  time.Time
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// New creates a breaker that opens after threshold consecutive failures
// and allows a probe after cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. While open it returns false
// until the cooldown elapses, then admits exactly one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.st {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.st = stateHalfOpen
			return true
		}
		return false
	default: // half-open, probe in flight
		return false
	}
}

// Success records a successful call and closes the circuit.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.st = stateClosed
	b.failures = 0
}

// Failure records a failed call. A failure while half-open, or the
// threshold-th consecutive failure while closed, opens the circuit.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.st == stateHalfOpen || b.failures >= b.threshold {
		b.st = stateOpen
		b.openedAt = b.now()
		b.failures = 0
	}
}

// Open reports whether the circuit currently rejects calls.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st == stateOpen && b.now().Sub(b.openedAt) < b.cooldown
}

// setClock is a test hook.
func (b *Breaker) setClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
