package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

// RetryPolicy describes a bounded exponential backoff schedule.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Default: 3.
	MaxAttempts int

	// InitialDelay is the delay before the second attempt. Default: 200ms.
	InitialDelay time.Duration

	// MaxDelay caps the delay between attempts. Default: 5s.
	MaxDelay time.Duration

	// Multiplier scales the delay after each attempt. Default: 2.
	Multiplier float64

	// Jitter, when positive, randomises each delay by ±Jitter fraction
	// (e.g. 0.2 means ±20%). Default: 0 (no jitter).
	Jitter float64
}

// DefaultRetryPolicy is the schedule used when callers pass a zero policy:
// 3 attempts, 200ms initial delay doubling up to 5s.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:  3,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2,
}

// withDefaults returns p with zero fields replaced by DefaultRetryPolicy.
func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultRetryPolicy.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultRetryPolicy.Multiplier
	}
	return p
}

// Permanent wraps err so that [Retry] stops immediately instead of retrying.
// Use it for failures that further attempts cannot fix, such as input
// validation errors.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Retry runs fn up to p.MaxAttempts times, sleeping with exponential backoff
// between attempts. It stops early when fn succeeds, when fn returns an error
// wrapped by [Permanent], or when ctx is cancelled (in which case the context
// error is returned joined with the last attempt error, if any).
func Retry(ctx context.Context, p RetryPolicy, name string, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var lastErr error
	delay := p.InitialDelay
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(err, lastErr)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if attempt == p.MaxAttempts {
			break
		}
		slog.Debug("retrying after failure",
			"operation", name,
			"attempt", attempt,
			"delay", delay,
			"error", err)

		sleep := delay
		if p.Jitter > 0 {
			spread := float64(delay) * p.Jitter
			sleep = delay + time.Duration((rand.Float64()*2-1)*spread)
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), lastErr)
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return lastErr
}

// RetryWithResult is the result-returning variant of [Retry]. This is a
// package-level function because Go does not support method-level type
// parameters.
func RetryWithResult[R any](ctx context.Context, p RetryPolicy, name string, fn func(ctx context.Context) (R, error)) (R, error) {
	var result R
	err := Retry(ctx, p, name, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fn(ctx)
		return innerErr
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return result, nil
}
