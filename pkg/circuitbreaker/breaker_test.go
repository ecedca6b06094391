package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func tripAfter(n uint32, timeout time.Duration, changes *[]State) *CircuitBreaker {
	return NewCircuitBreaker(Settings{
		Name:        "test",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= n },
		OnStateChange: func(_ string, _, to State) {
			if changes != nil {
				*changes = append(*changes, to)
			}
		},
	})
}

func TestTripsAndRejects(t *testing.T) {
	var changes []State
	cb := tripAfter(3, time.Hour, &changes)
	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 3; i++ {
		assert.Equal(t, errBoom, cb.Execute(func() error { return errBoom }))
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.False(t, called)
	assert.Equal(t, []State{StateOpen}, changes)
}

func TestHalfOpenRecovery(t *testing.T) {
	var changes []State
	cb := tripAfter(1, 20*time.Millisecond, &changes)
	require.Error(t, cb.Execute(func() error { return errBoom }))
	require.Equal(t, StateOpen, cb.State())

	require.Eventually(t, func() bool { return cb.State() == StateHalfOpen }, time.Second, 5*time.Millisecond)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, changes)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := tripAfter(1, 20*time.Millisecond, nil)
	require.Error(t, cb.Execute(func() error { return errBoom }))
	require.Eventually(t, func() bool { return cb.State() == StateHalfOpen }, time.Second, 5*time.Millisecond)

	require.Error(t, cb.Execute(func() error { return errBoom }))
	assert.Equal(t, StateOpen, cb.State())
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	cb := tripAfter(2, time.Hour, nil)
	cb.Execute(func() error { return errBoom })
	cb.Execute(func() error { return nil })
	cb.Execute(func() error { return errBoom })
	assert.Equal(t, StateClosed, cb.State())
	c := cb.Counts()
	assert.Equal(t, uint32(3), c.Requests)
	assert.Equal(t, uint32(1), c.ConsecutiveFailures)
}

func TestIsSuccessfulIgnoresErrors(t *testing.T) {
	notFound := errors.New("not found")
	cb := NewCircuitBreaker(Settings{
		ReadyToTrip:  func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
		IsSuccessful: func(err error) bool { return err == nil || errors.Is(err, notFound) },
	})
	assert.Equal(t, notFound, cb.Execute(func() error { return notFound }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, "CircuitBreaker", cb.Name())
}

func TestDefaultSettings(t *testing.T) {
	st := DefaultSettings("s3_put")
	assert.False(t, st.ReadyToTrip(Counts{Requests: 2, TotalFailures: 2}))
	assert.True(t, st.ReadyToTrip(Counts{Requests: 5, TotalFailures: 3}))
}
