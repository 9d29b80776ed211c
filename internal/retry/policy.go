// Package retry provides the bounded exponential backoff policy shared
// by the record aggregator and the verdict client.
package retry

import (
	"context"
	"errors"
	"time"
)

// Permanent wraps an error that must not be retried. Do() unwraps it and
// returns the underlying error immediately.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }

func (p *Permanent) Unwrap() error { return p.Err }

// IsPermanent reports whether err carries a Permanent marker.
func IsPermanent(err error) bool {
	var p *Permanent
	return errors.As(err, &p)
}

// Policy is a bounded exponential backoff: delay doubles from Base up to
// Cap, for at most MaxAttempts total attempts.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a policy with the given bounds. Zero values fall back to
// 3 attempts, 1s base, 30s cap.
func New(maxAttempts int, base, cap time.Duration) Policy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = 30 * time.Second
	}
	return Policy{MaxAttempts: maxAttempts, Base: base, Cap: cap, sleep: sleepCtx}
}

// Delay returns the backoff delay preceding the given attempt
// (attempt is zero-based; the first retry waits Base).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Do runs fn up to MaxAttempts times, sleeping between attempts. A
// Permanent error or context cancellation stops immediately. The last
// error is returned when the budget is exhausted.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, p.Delay(attempt-1)); err != nil {
				return err
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		var perm *Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}
		if ctx.Err() != nil {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
