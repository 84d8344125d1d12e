// Package retry runs an operation under a bounded exponential-backoff policy.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy describes how many attempts to make and how long to wait between them.
// The zero value makes a single attempt.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Retryable decides whether an error is worth another attempt.
	// A nil predicate retries every error.
	Retryable func(error) bool

	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Default makes 3 attempts with delays doubling from 1s, capped at 5s.
func Default(retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Second,
		Retryable:   retryable,
	}
}

// RetryAfterer is implemented by errors that carry a server-requested delay.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// ExhaustedError wraps the last error once all attempts have failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return "retries exhausted: " + e.Err.Error()
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx is done. attempt starts at 1.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}

		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		delay := p.Delay(attempt, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if waitErr := sleep(ctx, delay); waitErr != nil {
			return err
		}
	}
	if attempts == 1 {
		return err
	}
	return &ExhaustedError{Attempts: attempts, Err: err}
}

// Delay is the wait after the given failed attempt: BaseDelay doubled per
// attempt, or the error's RetryAfter, both capped at MaxDelay.
func (p Policy) Delay(attempt int, err error) time.Duration {
	var ra RetryAfterer
	if errors.As(err, &ra) {
		if d := ra.RetryAfter(); d > 0 {
			return p.capped(d)
		}
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return p.capped(delay)
}

func (p Policy) capped(d time.Duration) time.Duration {
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func SleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
