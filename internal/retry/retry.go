// Package retry implements bounded exponential backoff for outbound calls.
// The defaults match the platform-wide contract: three attempts, 1s base
// delay doubling per attempt, ±25% jitter, 30s ceiling.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config controls the retry schedule for one call site.
type Config struct {
	// MaxAttempts is the total number of tries, the first included.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Factor multiplies the delay after each failed attempt.
	Factor float64
	// Jitter is the symmetric random fraction applied to each delay,
	// 0.25 meaning ±25%.
	Jitter float64
	// Retryable classifies errors; nil retries everything that is not
	// marked permanent.
	Retryable func(error) bool
}

// DefaultConfig returns the platform retry contract.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Factor:      2,
		Jitter:      0.25,
	}
}

// ExhaustedError reports that every attempt failed. It unwraps to the last
// attempt's error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as not worth retrying. Do returns the wrapped
// error immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the permanent mark.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Do runs op until it succeeds, a non-retryable error is returned, the
// context is cancelled, or attempts run out.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var last error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, cfg.delay(attempt-1)); err != nil {
				return err
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		var pe *permanentError
		if errors.As(err, &pe) {
			return pe.err
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return err
		}
		last = err
	}
	return &ExhaustedError{Attempts: cfg.MaxAttempts, Last: last}
}

// delay computes the backoff before attempt i+1 (i counts completed
// failures, starting at 0).
func (c Config) delay(i int) time.Duration {
	base := c.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	factor := c.Factor
	if factor <= 0 {
		factor = 2
	}

	d := float64(base) * math.Pow(factor, float64(i))
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.Jitter > 0 {
		// Uniform in [d*(1-j), d*(1+j)].
		d *= 1 - c.Jitter + 2*c.Jitter*rand.Float64()
		if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
			d = float64(c.MaxDelay)
		}
	}
	return time.Duration(d)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
