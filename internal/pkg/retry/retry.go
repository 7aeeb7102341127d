// Package retry provides an explicit retry policy with exponential backoff and
// jitter, shared by lock acquisition and the job queue.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// minJitteredDelay keeps jittered waits from busy-looping.
const minJitteredDelay = 100 * time.Millisecond

// Policy describes how many times to try and how long to wait between tries.
// Attempts are 1-based: Delay(1) is the wait after the first failure.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64 // defaults to 2
	Jitter      bool    // full jitter: random(0, delay)
}

// Exponential returns the {attempts, exponential, baseDelay} policy used by
// the job queue, capped at maxDelay.
func Exponential(attempts int, base, maxDelay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: base, MaxDelay: maxDelay, Multiplier: 2}
}

// Delay returns the backoff before the retry that follows the given attempt:
// BaseDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}

	// Exponential backoff: base * mult^(attempt-1)
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))

	// Cap at MaxDelay
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if d > math.MaxInt64 {
		d = math.MaxInt64
	}

	if !p.Jitter {
		return time.Duration(d)
	}
	jittered := time.Duration(rand.Float64() * d)
	if jittered < minJitteredDelay {
		jittered = minJitteredDelay
	}
	return jittered
}

// Exhausted reports whether attempt has used up the policy.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

type stopError struct{ err error }

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

// Stop marks err as non-retryable; Do returns it (unwrapped) immediately.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

// Do calls fn until it succeeds, returns a Stop error, the policy is
// exhausted, or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		var stop *stopError
		if errors.As(err, &stop) {
			return stop.err
		}
		lastErr = err
		if p.Exhausted(attempt) {
			return lastErr
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		}
	}
}
