// Package backoff implements bounded retry with exponential delays and
// additive jitter. The delay for attempt n (0-based) is base*2^n plus a
// uniformly random slice of jitterMax, so concurrent retriers against the
// same contended resource do not wake in lockstep.
package backoff

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Policy describes one retry schedule.
type Policy struct {
	// MaxRetries is the total number of attempts. Zero or negative means
	// a single attempt with no retry.
	MaxRetries int
	// Base is the first delay; doubles each attempt.
	Base time.Duration
	// JitterMax bounds the random addition to each delay.
	JitterMax time.Duration
}

// DefaultPolicy matches the persistence layer's lock-retry schedule.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 5, Base: 100 * time.Millisecond, JitterMax: 100 * time.Millisecond}
}

// Delay returns the pause before retrying after attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := p.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base << uint(attempt)
	if p.JitterMax > 0 {
		d += time.Duration(rand.Int63n(int64(p.JitterMax)))
	}
	return d
}

// ExhaustedError reports that every attempt failed with a retryable error.
// It wraps the last failure.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Retry runs op up to p.MaxRetries times. Errors for which retryable
// returns false propagate immediately; nil retryable retries every error.
// When all attempts fail with retryable errors the result is an
// *ExhaustedError wrapping the last one. Sleeps respect ctx cancellation.
func Retry(ctx context.Context, p Policy, retryable func(error) bool, op func() error) error {
	attempts := p.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		last = err
		if attempt == attempts-1 {
			break
		}
		if err := sleep(ctx, p.Delay(attempt)); err != nil {
			return err
		}
	}
	return &ExhaustedError{Attempts: attempts, Last: last}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
