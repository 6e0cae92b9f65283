// Package backoff provides the retry policy shared by every provider call
// that retries, so attempt counting and delay scheduling live in one place.
package backoff

import (
	"context"
	"time"
)

// Policy describes a bounded retry schedule with exponential delays
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultMaxDelay caps the exponential schedule when a policy does not set
// its own ceiling.
const DefaultMaxDelay = 10 * time.Second

// Delay returns the pause before the given retry. The first retry (attempt 1)
// waits BaseDelay, each further retry doubles it, capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	max := p.MaxDelay
	if max <= 0 {
		max = DefaultMaxDelay
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// Retry runs fn up to MaxAttempts times, sleeping between attempts according
// to the schedule. It returns nil on the first success, the last error after
// exhausting attempts, or the context error when cancelled mid-wait.
func (p Policy) Retry(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == attempts {
			break
		}

		select {
		case <-time.After(p.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}
