package manager

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/migadu/postern/config"
	"github.com/migadu/postern/pkg/metrics"
	"github.com/migadu/postern/server"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	name     string
	startErr error
	block    bool // Stop waits for ctx

	running  atomic.Bool
	starts   atomic.Int32
	stops    atomic.Int32
	cleanups atomic.Int32
	active   atomic.Int32
}

func (f *fakeServer) Protocol() string { return f.name }

func (f *fakeServer) Start(context.Context) error {
	f.starts.Add(1)
	if f.startErr != nil {
		return f.startErr
	}
	f.running.Store(true)
	return nil
}

func (f *fakeServer) Stop(ctx context.Context) error {
	f.stops.Add(1)
	f.running.Store(false)
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeServer) Status() server.Status {
	return server.Status{
		Protocol:          f.name,
		Running:           f.running.Load(),
		ActiveConnections: int(f.active.Load()),
		MaxConnections:    10,
	}
}

func (f *fakeServer) Cleanup() { f.cleanups.Add(1) }

// quiet leaves tickers effectively idle.
func quiet() config.ManagerConfig {
	return config.ManagerConfig{
		MonitorInterval: "1h",
		RestartDelay:    "1ms",
		ReportInterval:  "1h",
		CleanupInterval: "1h",
		ShutdownTimeout: "1s",
	}
}

func TestNewRejectsDuplicates(t *testing.T) {
	_, err := New(quiet(), &fakeServer{name: "smtp"}, &fakeServer{name: "SMTP"})
	assert.Error(t, err)

	cfg := quiet()
	cfg.MonitorInterval = "soon"
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestStartContinuesPastFailures(t *testing.T) {
	good := &fakeServer{name: "smtp"}
	bad := &fakeServer{name: "imap", startErr: errors.New("address in use")}
	other := &fakeServer{name: "pop3"}

	m, err := New(quiet(), good, bad, other)
	require.NoError(t, err)

	err = m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "imap: address in use")
	assert.True(t, good.running.Load())
	assert.True(t, other.running.Load())
	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, m.Shutdown(context.Background()))
}

func TestMonitorRestartsStoppedServer(t *testing.T) {
	srv := &fakeServer{name: "pop3"}
	cfg := quiet()
	cfg.MonitorInterval = "10ms"

	m, err := New(cfg, srv)
	require.NoError(t, err)
	before := testutil.ToFloat64(metrics.ServerRestarts.WithLabelValues("pop3", "not_running"))

	require.NoError(t, m.Start(context.Background()))
	defer m.Shutdown(context.Background())

	srv.running.Store(false)
	require.Eventually(t, func() bool { return srv.starts.Load() >= 2 && srv.running.Load() }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, srv.stops.Load(), int32(1), "stopped before restarting")
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.ServerRestarts.WithLabelValues("pop3", "not_running")), before+1)
}

func TestCleanupTicker(t *testing.T) {
	srv := &fakeServer{name: "imap"}
	cfg := quiet()
	cfg.CleanupInterval = "10ms"

	m, err := New(cfg, srv)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	defer m.Shutdown(context.Background())

	require.Eventually(t, func() bool { return srv.cleanups.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestRestart(t *testing.T) {
	smtp := &fakeServer{name: "smtp"}
	imap := &fakeServer{name: "imap"}
	m, err := New(quiet(), smtp, imap)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	defer m.Shutdown(context.Background())

	require.NoError(t, m.Restart(context.Background(), "SMTP"))
	assert.Equal(t, int32(2), smtp.starts.Load())
	assert.Equal(t, int32(1), imap.starts.Load())

	assert.ErrorIs(t, m.Restart(context.Background(), "lmtp"), ErrUnknownProtocol)

	require.NoError(t, m.RestartAll(context.Background()))
	assert.Equal(t, int32(3), smtp.starts.Load())
	assert.Equal(t, int32(2), imap.starts.Load())
}

func TestStatusAndLookup(t *testing.T) {
	a := &fakeServer{name: "smtp"}
	b := &fakeServer{name: "imap"}
	m, err := New(quiet(), a, b)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	defer m.Shutdown(context.Background())

	a.active.Store(2)
	b.active.Store(9)
	st := m.Status()
	assert.True(t, st.Running)
	assert.False(t, st.StartedAt.IsZero())
	require.Len(t, st.Servers, 2)
	assert.Equal(t, "smtp", st.Servers[0].Protocol)
	assert.Equal(t, "imap", st.Servers[1].Protocol)
	assert.InDelta(t, 0.9, st.Servers[1].Utilization(), 0.001)
	assert.Equal(t, 11, st.TotalActive)
	assert.Equal(t, 20, st.TotalMax)
	assert.Equal(t, map[string]int64{"smtp": 0, "imap": 0}, st.Restarts)

	srv, ok := m.Server("IMAP")
	require.True(t, ok)
	assert.Same(t, b, srv)
	_, ok = m.Server("pop3")
	assert.False(t, ok)

	// High utilisation only warns.
	m.monitor(context.Background())
	assert.Equal(t, int32(1), b.starts.Load())

	require.NoError(t, m.Restart(context.Background(), "imap"))
	assert.Equal(t, int64(1), m.Status().Restarts["imap"])
}

func TestShutdownStopsEverything(t *testing.T) {
	a := &fakeServer{name: "smtp"}
	b := &fakeServer{name: "pop3"}
	m, err := New(quiet(), a, b)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))

	require.NoError(t, m.Shutdown(context.Background()))
	assert.False(t, a.running.Load())
	assert.False(t, b.running.Load())
	assert.False(t, m.Status().Running)

	// Second call is a no-op and restarts are refused.
	require.NoError(t, m.Shutdown(context.Background()))
	assert.ErrorIs(t, m.Restart(context.Background(), "smtp"), ErrShuttingDown)
}

func TestShutdownTimeoutAbandonsStuckServer(t *testing.T) {
	stuck := &fakeServer{name: "imap", block: true}
	fine := &fakeServer{name: "smtp"}
	cfg := quiet()
	cfg.ShutdownTimeout = "50ms"

	m, err := New(cfg, stuck, fine)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))

	start := time.Now()
	err = m.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "imap")
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, fine.running.Load())
}
