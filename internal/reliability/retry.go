package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ExponentialBackoff computes growing delays between attempts.
// MaxAttempts <= 0 means unlimited attempts.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff policy with jitter
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxAttempts,
		Jitter:          true,
	}
}

// NextDelay returns the delay before attempt+1, attempt counting from 0
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	if e.Jitter {
		// ±15%
		delay += rand.Float64()*0.3*delay - 0.15*delay
	}

	return time.Duration(delay)
}

// Exhausted reports whether attempts have used up the policy
func (e *ExponentialBackoff) Exhausted(attempts int) bool {
	return e.MaxAttempts > 0 && attempts >= e.MaxAttempts
}

// PermanentError stops Retry without further attempts
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Retry calls fn until it succeeds, ctx is done or the policy is exhausted.
// A failure wrapped with Permanent is returned unwrapped right away.
// onRetry, when non-nil, sees each failure and the delay before the next attempt.
func Retry(ctx context.Context, op string, policy *ExponentialBackoff, fn func() error, onRetry func(attempt int, err error, delay time.Duration)) error {
	start := time.Now()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		var permanent *PermanentError
		if errors.As(err, &permanent) {
			return permanent.Err
		}

		if policy.Exhausted(attempt + 1) {
			return &RetryError{
				Op:        op,
				Attempts:  attempt + 1,
				LastError: err,
				Duration:  time.Since(start),
			}
		}

		delay := policy.NextDelay(attempt)
		if onRetry != nil {
			onRetry(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
