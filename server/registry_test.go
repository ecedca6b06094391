package server

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipeSession(t *testing.T) Session {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return newEchoSession(a, Endpoint{Name: EndpointPlain})
}

func TestRegistryNeverExceedsMax(t *testing.T) {
	reg := NewRegistry("TEST", 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		s := newPipeSession(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if reg.Admit(s) {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, admitted)
	assert.Equal(t, 5, reg.Len())
	assert.True(t, reg.Full())
	assert.EqualValues(t, 45, reg.Rejected())
	assert.EqualValues(t, 5, reg.Total())
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	reg := NewRegistry("TEST", 0)
	s := newPipeSession(t)
	require.True(t, reg.Admit(s))

	got, ok := reg.Get(s.ID())
	require.True(t, ok)
	assert.Equal(t, s.ID(), got.ID())

	assert.True(t, reg.Remove(s.ID()))
	assert.False(t, reg.Remove(s.ID()))
	assert.Equal(t, 0, reg.Len())
	assert.False(t, reg.Full())
}

func TestRegistryCloseAll(t *testing.T) {
	reg := NewRegistry("TEST", 10)
	for i := 0; i < 3; i++ {
		require.True(t, reg.Admit(newPipeSession(t)))
	}
	assert.Len(t, reg.Snapshot(), 3)
	assert.Equal(t, 3, reg.CloseAll())
	// Closing does not remove; the session worker does.
	assert.Equal(t, 3, reg.Len())
}
