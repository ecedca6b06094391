// Package resilient wraps remote backends with retries and circuit
// breakers.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/migadu/postern/pkg/circuitbreaker"
	"github.com/migadu/postern/pkg/retry"
	"github.com/migadu/postern/storage"
)

// Blobs is the object store interface shared with the SQL mail store.
type Blobs interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// BlobStore retries transient object store failures and stops calling the
// store while it keeps failing. Each operation has its own breaker.
type BlobStore struct {
	blobs         Blobs
	getBreaker    *circuitbreaker.CircuitBreaker
	putBreaker    *circuitbreaker.CircuitBreaker
	deleteBreaker *circuitbreaker.CircuitBreaker

	getRetry    retry.BackoffConfig
	putRetry    retry.BackoffConfig
	deleteRetry retry.BackoffConfig
}

func NewBlobStore(blobs Blobs) *BlobStore {
	getSettings := circuitbreaker.DefaultSettings("s3_get")
	getSettings.ReadyToTrip = func(c circuitbreaker.Counts) bool {
		return c.Requests >= 5 && float64(c.TotalFailures)/float64(c.Requests) >= 0.6
	}
	putSettings := circuitbreaker.DefaultSettings("s3_put")
	deleteSettings := circuitbreaker.DefaultSettings("s3_delete")

	// A missing object is an answer, not an outage.
	notFoundOK := func(err error) bool { return err == nil || errors.Is(err, storage.ErrNotFound) }
	getSettings.IsSuccessful = notFoundOK
	deleteSettings.IsSuccessful = notFoundOK

	return &BlobStore{
		blobs:         blobs,
		getBreaker:    circuitbreaker.NewCircuitBreaker(getSettings),
		putBreaker:    circuitbreaker.NewCircuitBreaker(putSettings),
		deleteBreaker: circuitbreaker.NewCircuitBreaker(deleteSettings),
		getRetry: retry.BackoffConfig{
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Multiplier:      2.0,
			Jitter:          true,
			MaxRetries:      4,
		},
		putRetry: retry.BackoffConfig{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			Multiplier:      2.0,
			Jitter:          true,
			MaxRetries:      3,
		},
		deleteRetry: retry.BackoffConfig{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			Multiplier:      2.0,
			Jitter:          true,
			MaxRetries:      2,
		},
	}
}

func isRetryableError(err error) bool {
	if err == nil || errors.Is(err, storage.ErrNotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, retryable := range []string{
		"connection refused",
		"connection reset",
		"i/o timeout",
		"timeout",
		"network unreachable",
		"no such host",
		"temporary failure",
		"service unavailable",
		"internal server error",
		"bad gateway",
		"slowdown",
		"throttl",
		"rate limit",
	} {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}
	return false
}

func (b *BlobStore) call(ctx context.Context, cb *circuitbreaker.CircuitBreaker, cfg retry.BackoffConfig, fn func() error) error {
	return retry.WithRetry(ctx, func() error {
		err := cb.Execute(fn)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
			return retry.Stop(fmt.Errorf("%s: %w", cb.Name(), err))
		case isRetryableError(err):
			return err
		default:
			return retry.Stop(err)
		}
	}, cfg)
}

func (b *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.call(ctx, b.getBreaker, b.getRetry, func() error {
		var err error
		data, err = b.blobs.Get(ctx, key)
		return err
	})
	return data, err
}

func (b *BlobStore) Put(ctx context.Context, key string, data []byte) error {
	return b.call(ctx, b.putBreaker, b.putRetry, func() error {
		return b.blobs.Put(ctx, key, data)
	})
}

func (b *BlobStore) Delete(ctx context.Context, key string) error {
	return b.call(ctx, b.deleteBreaker, b.deleteRetry, func() error {
		return b.blobs.Delete(ctx, key)
	})
}

// BreakerStates reports the state of each operation's breaker.
func (b *BlobStore) BreakerStates() map[string]string {
	return map[string]string{
		"get":    b.getBreaker.State().String(),
		"put":    b.putBreaker.State().String(),
		"delete": b.deleteBreaker.State().String(),
	}
}
