package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestFixedDelay(t *testing.T) {
	p := FixedDelay{MaxAttempts: 3, Delay: time.Second}
	err := errors.New("boom")

	if !p.ShouldRetry(1, err) || !p.ShouldRetry(2, err) {
		t.Error("Expected retries below the attempt cap")
	}
	if p.ShouldRetry(3, err) {
		t.Error("Expected no retry at the attempt cap")
	}
	if p.ShouldRetry(1, nil) {
		t.Error("Expected no retry on success")
	}

	for attempt := 1; attempt <= 3; attempt++ {
		if d := p.NextDelay(attempt); d != time.Second {
			t.Errorf("Expected constant delay, got %v at attempt %d", d, attempt)
		}
	}
}

func TestPermanentErrorsNeverRetried(t *testing.T) {
	perm := Permanent(errors.New("unsignable payload"))

	if (FixedDelay{MaxAttempts: 5, Delay: time.Millisecond}).ShouldRetry(1, perm) {
		t.Error("FixedDelay must not retry a permanent error")
	}
	if DefaultBackoff().ShouldRetry(1, perm) {
		t.Error("ExponentialBackoff must not retry a permanent error")
	}

	// The marker survives wrapping.
	wrapped := fmt.Errorf("delivering: %w", perm)
	if (FixedDelay{MaxAttempts: 5, Delay: time.Millisecond}).ShouldRetry(1, wrapped) {
		t.Error("Wrapped permanent error must not be retried")
	}
}

func TestPermanentMarker(t *testing.T) {
	inner := errors.New("boom")
	perm := Permanent(inner)

	if !IsPermanent(perm) {
		t.Error("Expected Permanent to mark the error")
	}
	if !errors.Is(perm, inner) {
		t.Error("Expected the original error to stay reachable")
	}
	if IsPermanent(inner) {
		t.Error("Plain errors must not read as permanent")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) must stay nil")
	}
}

func TestExponentialBackoff_Monotonic(t *testing.T) {
	p := DefaultBackoff()

	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.NextDelay(attempt)
		if d < prev {
			t.Errorf("Delay shrank at attempt %d: %v < %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestExponentialBackoff_Doubles(t *testing.T) {
	p := ExponentialBackoff{MaxAttempts: 5, Base: 2 * time.Second, Multiplier: 2.0, MaxDelay: time.Hour}

	expected := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, want := range expected {
		if got := p.NextDelay(i + 1); got != want {
			t.Errorf("Attempt %d: expected %v, got %v", i+1, want, got)
		}
	}
}

func TestExponentialBackoff_CappedAtMaxDelay(t *testing.T) {
	p := ExponentialBackoff{MaxAttempts: 20, Base: 2 * time.Second, Multiplier: 2.0, MaxDelay: time.Minute}

	if d := p.NextDelay(15); d != time.Minute {
		t.Errorf("Expected cap at %v, got %v", time.Minute, d)
	}
}

func TestExponentialBackoff_DegenerateInputs(t *testing.T) {
	p := ExponentialBackoff{MaxAttempts: 3, Base: 2 * time.Second, Multiplier: 0.5}

	if d := p.NextDelay(0); d != 2*time.Second {
		t.Errorf("Expected base delay for attempt 0, got %v", d)
	}
	// A multiplier at or below 1 falls back to doubling.
	if d := p.NextDelay(2); d != 4*time.Second {
		t.Errorf("Expected doubling fallback, got %v", d)
	}
}
