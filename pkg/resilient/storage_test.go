package resilient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/migadu/postern/pkg/retry"
	"github.com/migadu/postern/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyBlobs struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failures int // remaining calls that fail
	failWith error
	calls    int
}

func newFlaky() *flakyBlobs {
	return &flakyBlobs{objects: make(map[string][]byte)}
}

func (f *flakyBlobs) fail() error {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return f.failWith
	}
	return nil
}

func (f *flakyBlobs) Put(_ context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *flakyBlobs) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return nil, err
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

func (f *flakyBlobs) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return err
	}
	delete(f.objects, key)
	return nil
}

func fastStore(blobs Blobs) *BlobStore {
	b := NewBlobStore(blobs)
	quick := retry.BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2, MaxRetries: 3}
	b.getRetry, b.putRetry, b.deleteRetry = quick, quick, quick
	return b
}

func TestRetriesTransientErrors(t *testing.T) {
	f := newFlaky()
	f.failures = 2
	f.failWith = errors.New("503 Service Unavailable")
	b := fastStore(f)

	require.NoError(t, b.Put(context.Background(), "k", []byte("body")))
	assert.Equal(t, 3, f.calls)

	data, err := b.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "body", string(data))
}

func TestDoesNotRetryPermanentErrors(t *testing.T) {
	f := newFlaky()
	f.failures = 5
	f.failWith = errors.New("AccessDenied")
	b := fastStore(f)

	err := b.Put(context.Background(), "k", []byte("x"))
	assert.EqualError(t, err, "AccessDenied")
	assert.Equal(t, 1, f.calls)
}

func TestNotFoundIsNotAFailure(t *testing.T) {
	f := newFlaky()
	b := fastStore(f)
	for i := 0; i < 10; i++ {
		_, err := b.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
	assert.Equal(t, 10, f.calls)
	assert.Equal(t, "CLOSED", b.BreakerStates()["get"])
}

func TestBreakerOpensAndFailsFast(t *testing.T) {
	f := newFlaky()
	f.failures = 100
	f.failWith = errors.New("connection refused")
	b := fastStore(f)

	err := b.Put(context.Background(), "k", []byte("x"))
	require.Error(t, err)
	assert.Equal(t, "OPEN", b.BreakerStates()["put"])

	calls := f.calls
	err = b.Put(context.Background(), "k", []byte("x"))
	assert.Contains(t, err.Error(), "circuit breaker is open")
	assert.Equal(t, calls, f.calls)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, isRetryableError(nil))
	assert.False(t, isRetryableError(storage.ErrNotFound))
	assert.False(t, isRetryableError(context.Canceled))
	assert.True(t, isRetryableError(context.DeadlineExceeded))
	assert.True(t, isRetryableError(errors.New("dial tcp: i/o timeout")))
	assert.True(t, isRetryableError(errors.New("SlowDown: reduce your request rate")))
	assert.False(t, isRetryableError(errors.New("NoSuchBucket")))
}
