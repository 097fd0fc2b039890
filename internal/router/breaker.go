package router

import (
	"sync"
	"time"
)

// CircuitBreaker tracks consecutive failures for one candidate (a model_id
// within a tier) and trips it out of rotation for a cooldown period. This is
// the same single-mutex-guarded shape the teacher uses for its own backend
// breakers.
type CircuitBreaker struct {
	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	tripped     bool
	threshold   int
	cooldown    time.Duration
}

// NewCircuitBreaker creates a breaker that trips after threshold consecutive
// failures and resets after cooldown has elapsed since the last failure.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown}
}

// RecordSuccess clears the failure count and un-trips the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.tripped = false
}

// RecordFailure increments the failure count and trips the breaker once the
// threshold is reached.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = time.Now()
	if b.failures >= b.threshold {
		b.tripped = true
	}
}

// IsTripped reports whether the breaker currently excludes its candidate
// from rotation, auto-resetting once the cooldown has elapsed.
func (b *CircuitBreaker) IsTripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.tripped {
		return false
	}
	if time.Since(b.lastFailure) >= b.cooldown {
		b.tripped = false
		b.failures = 0
		return false
	}
	return true
}

// Snapshot returns a point-in-time copy of the breaker's state for
// diagnostics/persistence.
type BreakerSnapshot struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	Tripped     bool      `json:"tripped"`
}

func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{Failures: b.failures, LastFailure: b.lastFailure, Tripped: b.tripped}
}

// Restore replaces the breaker's state, used to resume from persisted state
// across restarts.
func (b *CircuitBreaker) Restore(s BreakerSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = s.Failures
	b.lastFailure = s.LastFailure
	b.tripped = s.Tripped
}
