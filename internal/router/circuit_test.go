package router

import (
	"testing"
	"time"

	"github.com/daybook-io/daybook/pkg/models"
)

func TestBreaker_OpensAtFailureThreshold(t *testing.T) {
	now := time.Now()
	b := newBreaker(3, 2, 30*time.Second)

	for i := 0; i < 2; i++ {
		b.RecordFailure(now)
		if state, _ := b.State(); state != models.CircuitClosed {
			t.Fatalf("state after %d failures = %v, want closed", i+1, state)
		}
	}

	b.RecordFailure(now)
	state, failures := b.State()
	if state != models.CircuitOpen {
		t.Fatalf("state after 3 failures = %v, want open", state)
	}
	if failures != 3 {
		t.Errorf("failure streak = %d, want 3", failures)
	}
	if b.Allow(now) {
		t.Error("Allow() = true immediately after opening, want false")
	}
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	now := time.Now()
	b := newBreaker(3, 2, 30*time.Second)

	b.RecordFailure(now)
	b.RecordFailure(now)
	b.RecordSuccess()
	b.RecordFailure(now)
	b.RecordFailure(now)

	if state, _ := b.State(); state != models.CircuitClosed {
		t.Errorf("state = %v, want closed; success must reset the failure streak", state)
	}
}

func TestBreaker_HalfOpenAdmitsExactlyOneTrial(t *testing.T) {
	now := time.Now()
	cooldown := 30 * time.Second
	b := newBreaker(1, 1, cooldown)

	b.RecordFailure(now)
	if b.Allow(now.Add(cooldown - time.Second)) {
		t.Fatal("Allow() = true before cool-down elapsed")
	}

	after := now.Add(cooldown)
	if !b.Allow(after) {
		t.Fatal("Allow() = false after cool-down, want one trial admitted")
	}
	if state, _ := b.State(); state != models.CircuitHalfOpen {
		t.Fatalf("state after cool-down = %v, want half-open", state)
	}
	if b.Allow(after) {
		t.Error("Allow() = true while trial pending, want false")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cooldown := 30 * time.Second
	b := newBreaker(1, 1, cooldown)

	b.RecordFailure(now)
	later := now.Add(cooldown)
	if !b.Allow(later) {
		t.Fatal("trial not admitted after cool-down")
	}
	b.RecordFailure(later)

	state, _ := b.State()
	if state != models.CircuitOpen {
		t.Fatalf("state after half-open failure = %v, want open", state)
	}
	if b.Allow(later.Add(cooldown - time.Second)) {
		t.Error("Allow() = true before the new cool-down elapsed, want false")
	}
}

func TestBreaker_SuccessThresholdCloses(t *testing.T) {
	now := time.Now()
	cooldown := 30 * time.Second
	b := newBreaker(1, 2, cooldown)

	b.RecordFailure(now)

	at := now.Add(cooldown)
	if !b.Allow(at) {
		t.Fatal("first trial not admitted")
	}
	b.RecordSuccess()
	if state, _ := b.State(); state != models.CircuitHalfOpen {
		t.Fatalf("state after 1 of 2 successes = %v, want half-open", state)
	}

	if !b.Allow(at) {
		t.Fatal("second trial not admitted after first resolved")
	}
	b.RecordSuccess()
	if state, _ := b.State(); state != models.CircuitClosed {
		t.Fatalf("state after success threshold = %v, want closed", state)
	}
	if !b.Allow(at) {
		t.Error("Allow() = false on closed breaker, want true")
	}
}

func TestBackoffScheduleBounds(t *testing.T) {
	base := 100 * time.Millisecond
	max := 800 * time.Millisecond
	bo := newBackOff(base, max)

	// First delay is base +/- 25% jitter.
	first := bo.NextBackOff()
	if first < 75*time.Millisecond || first > 125*time.Millisecond {
		t.Errorf("first delay = %v, want within 25%% of %v", first, base)
	}

	// Later delays never exceed the cap plus jitter and never stop.
	limit := time.Duration(float64(max) * 1.25)
	for i := 0; i < 10; i++ {
		d := bo.NextBackOff()
		if d == -1 {
			t.Fatalf("backoff stopped at attempt %d; retries are bounded by count, not elapsed time", i)
		}
		if d > limit {
			t.Errorf("delay %d = %v exceeds cap bound %v", i, d, limit)
		}
	}
}
