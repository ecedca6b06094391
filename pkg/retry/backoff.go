// Package retry runs an operation again with exponential backoff and
// jitter until it succeeds, the attempts run out, or the context ends.
//
//	err := retry.WithRetry(ctx, func() error {
//		return blobs.Put(ctx, key, data)
//	}, retry.BackoffConfig{
//		InitialInterval: 200 * time.Millisecond,
//		MaxInterval:     5 * time.Second,
//		Multiplier:      2.0,
//		Jitter:          true,
//		MaxRetries:      3,
//	})
//
// Returning Stop(err) from the operation ends the loop at once and yields
// err unwrapped.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter picks each delay uniformly from [d/2, d).
	Jitter     bool
	MaxRetries int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      3,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return c.jitter(c.InitialInterval)
	}
	d := float64(c.InitialInterval) * math.Pow(c.Multiplier, float64(attempt-1))
	if c.MaxInterval > 0 && d > float64(c.MaxInterval) {
		d = float64(c.MaxInterval)
	}
	return c.jitter(time.Duration(d))
}

func (c BackoffConfig) jitter(d time.Duration) time.Duration {
	if !c.Jitter || d < 2 {
		return d
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)))
}

type RetryableFunc func() error

// StopError marks an error that must not be retried.
type StopError struct {
	Err error
}

func (s StopError) Error() string { return s.Err.Error() }
func (s StopError) Unwrap() error { return s.Err }

// Stop wraps err so that WithRetry returns it immediately.
func Stop(err error) error {
	return StopError{Err: err}
}

func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}

// WithRetry calls fn up to MaxRetries+1 times.
func WithRetry(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-time.After(config.Delay(attempt)):
			}
		}

		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		var stopErr StopError
		if errors.As(err, &stopErr) {
			return stopErr.Err
		}
		lastErr = err
	}
	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}
