// Package retry defines the retry policies used across the delivery
// pipeline. The synchronous delivery path and the queued path use
// different strategies behind the same interface so the two cannot drift
// apart behaviorally.
package retry

import (
	"errors"
	"math"
	"time"
)

// Policy decides whether and when another attempt should be made.
// Attempt numbers are 1-based: NextDelay(1) is the pause before the
// second attempt.
type Policy interface {
	ShouldRetry(attempt int, err error) bool
	NextDelay(attempt int) time.Duration
}

// permanentError marks a failure that is deterministic for the caller:
// retrying cannot change the outcome.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. Every Policy refuses further
// attempts for it. Wrapping a nil error returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries a Permanent marker anywhere
// in its chain.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// FixedDelay retries up to MaxAttempts with a constant pause between
// attempts. Used by the synchronous webhook delivery path.
type FixedDelay struct {
	MaxAttempts int
	Delay       time.Duration
}

func (p FixedDelay) ShouldRetry(attempt int, err error) bool {
	return err != nil && !IsPermanent(err) && attempt < p.MaxAttempts
}

func (p FixedDelay) NextDelay(attempt int) time.Duration {
	return p.Delay
}

// ExponentialBackoff retries with delay = Base * Multiplier^(attempt-1),
// capped at MaxDelay. Used by the job queue.
type ExponentialBackoff struct {
	MaxAttempts int
	Base        time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultBackoff mirrors the queue's default job options: 3 attempts,
// exponential backoff starting at 2s.
func DefaultBackoff() ExponentialBackoff {
	return ExponentialBackoff{
		MaxAttempts: 3,
		Base:        2 * time.Second,
		Multiplier:  2.0,
		MaxDelay:    5 * time.Minute,
	}
}

func (p ExponentialBackoff) ShouldRetry(attempt int, err error) bool {
	return err != nil && !IsPermanent(err) && attempt < p.MaxAttempts
}

func (p ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return p.Base
	}

	multiplier := p.Multiplier
	if multiplier <= 1.0 {
		multiplier = 2.0
	}

	delay := float64(p.Base) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}
