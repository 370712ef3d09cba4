package router

import (
	"sync"
	"time"

	"github.com/daybook-io/daybook/pkg/models"
)

// breaker is the per-provider circuit breaker. Transitions are monotonic
// within an epoch: closed→open only on the failure threshold, open→half-open
// only after the cool-down elapses, half-open→closed only on the success
// threshold, half-open→open on any failure.
//
// Each provider's breaker updates under its own lock, so concurrent calls
// to different providers never contend.
type breaker struct {
	mu                   sync.Mutex
	state                models.CircuitState
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	trialPending         bool

	failureThreshold int
	successThreshold int
	cooldown         time.Duration
}

func newBreaker(failureThreshold, successThreshold int, cooldown time.Duration) *breaker {
	return &breaker{
		state:            models.CircuitClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
	}
}

// Allow reports whether a call may proceed. When the breaker is open and
// the cool-down has elapsed it transitions to half-open and admits exactly
// one trial; further calls are rejected until that trial resolves.
func (b *breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case models.CircuitClosed:
		return true
	case models.CircuitOpen:
		if now.Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = models.CircuitHalfOpen
		b.consecutiveSuccesses = 0
		b.trialPending = true
		return true
	case models.CircuitHalfOpen:
		if b.trialPending {
			return false
		}
		b.trialPending = true
		return true
	}
	return false
}

// RecordSuccess resets the failure streak and, in half-open, counts toward
// the success threshold that re-closes the circuit.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	switch b.state {
	case models.CircuitHalfOpen:
		b.trialPending = false
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.successThreshold {
			b.state = models.CircuitClosed
			b.consecutiveSuccesses = 0
		}
	default:
	}
}

// RecordFailure counts toward the failure threshold. A half-open failure
// re-opens immediately.
func (b *breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveSuccesses = 0
	b.consecutiveFailures++

	switch b.state {
	case models.CircuitClosed:
		if b.consecutiveFailures >= b.failureThreshold {
			b.state = models.CircuitOpen
			b.openedAt = now
		}
	case models.CircuitHalfOpen:
		b.state = models.CircuitOpen
		b.openedAt = now
		b.trialPending = false
	}
}

// State returns the current position and failure streak.
func (b *breaker) State() (models.CircuitState, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.consecutiveFailures
}
