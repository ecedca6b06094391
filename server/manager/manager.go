// Package manager supervises the protocol servers of one Postern process.
//
// The manager knows nothing about SMTP, IMAP or POP3. It starts every
// registered Server concurrently, polls their status on a ticker and
// restarts any server that stopped running, logs periodic usage reports,
// lets servers that implement Cleaner prune stale state, and stops them all
// within a deadline on shutdown.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/postern/config"
	"github.com/migadu/postern/logger"
	"github.com/migadu/postern/pkg/metrics"
	"github.com/migadu/postern/server"
)

var (
	ErrUnknownProtocol = errors.New("unknown protocol")
	ErrShuttingDown    = errors.New("manager is shutting down")
	ErrAlreadyStarted  = errors.New("manager already started")
)

// Server is a supervised protocol server.
type Server interface {
	Protocol() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() server.Status
}

// Cleaner is implemented by servers that hold state needing periodic pruning.
type Cleaner interface {
	Cleanup()
}

// SessionLister is implemented by servers that can list their live sessions.
type SessionLister interface {
	Sessions() []server.SessionInfo
}

type supervised struct {
	srv Server
	// restartMu serializes restarts of one server.
	restartMu sync.Mutex
	restarts  atomic.Int64
}

// Status is a snapshot of the manager and every server it supervises.
type Status struct {
	Running     bool             `json:"running"`
	StartedAt   time.Time        `json:"started_at"`
	Servers     []server.Status  `json:"servers"`
	TotalActive int              `json:"total_active_connections"`
	TotalMax    int              `json:"total_max_connections"`
	Restarts    map[string]int64 `json:"restarts"`
}

type Manager struct {
	servers []*supervised
	byName  map[string]*supervised

	monitorInterval time.Duration
	restartDelay    time.Duration
	reportInterval  time.Duration
	cleanupInterval time.Duration
	shutdownTimeout time.Duration
	utilWarning     float64

	started      atomic.Bool
	shuttingDown atomic.Bool
	startedAt    atomic.Pointer[time.Time]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a manager for servers. Protocol names must be unique.
func New(cfg config.ManagerConfig, servers ...Server) (*Manager, error) {
	m := &Manager{
		byName:      make(map[string]*supervised),
		utilWarning: cfg.GetUtilizationWarning(),
	}

	var err error
	if m.monitorInterval, err = cfg.GetMonitorInterval(); err != nil {
		return nil, fmt.Errorf("invalid monitor_interval: %w", err)
	}
	if m.restartDelay, err = cfg.GetRestartDelay(); err != nil {
		return nil, fmt.Errorf("invalid restart_delay: %w", err)
	}
	if m.reportInterval, err = cfg.GetReportInterval(); err != nil {
		return nil, fmt.Errorf("invalid report_interval: %w", err)
	}
	if m.cleanupInterval, err = cfg.GetCleanupInterval(); err != nil {
		return nil, fmt.Errorf("invalid cleanup_interval: %w", err)
	}
	if m.shutdownTimeout, err = cfg.GetShutdownTimeout(); err != nil {
		return nil, fmt.Errorf("invalid shutdown_timeout: %w", err)
	}

	for _, srv := range servers {
		name := strings.ToLower(srv.Protocol())
		if _, dup := m.byName[name]; dup {
			return nil, fmt.Errorf("duplicate protocol server %q", name)
		}
		sup := &supervised{srv: srv}
		m.servers = append(m.servers, sup)
		m.byName[name] = sup
	}
	return m, nil
}

// Start starts every server concurrently and then the background tickers.
// A server that fails to start does not block the others; the monitor will
// keep trying to bring it up. The returned error joins every start failure.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	now := time.Now()
	m.startedAt.Store(&now)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, sup := range m.servers {
		wg.Add(1)
		go func(sup *supervised) {
			defer wg.Done()
			name := sup.srv.Protocol()
			if err := sup.srv.Start(ctx); err != nil {
				logger.Error("Manager: failed to start server", "protocol", name, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				return
			}
			logger.Info("Manager: server started", "protocol", name)
		}(sup)
	}
	wg.Wait()

	tickCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.every(tickCtx, m.monitorInterval, m.monitor)
	m.every(tickCtx, m.reportInterval, func(context.Context) { m.report() })
	m.every(tickCtx, m.cleanupInterval, func(context.Context) { m.cleanup() })

	logger.Info("Manager: started", "servers", len(m.servers), "failed", len(errs))
	return errors.Join(errs...)
}

func (m *Manager) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

func (m *Manager) monitor(ctx context.Context) {
	for _, sup := range m.servers {
		if ctx.Err() != nil || m.shuttingDown.Load() {
			return
		}
		st := sup.srv.Status()
		if !st.Running {
			logger.Warn("Manager: server not running, restarting", "protocol", sup.srv.Protocol())
			if err := m.restart(ctx, sup, "not_running"); err != nil {
				logger.Error("Manager: restart failed", "protocol", sup.srv.Protocol(), "error", err)
			}
			continue
		}
		if u := st.Utilization(); u > m.utilWarning {
			logger.Warn("Manager: connection utilization high",
				"protocol", sup.srv.Protocol(),
				"active", st.ActiveConnections,
				"max", st.MaxConnections,
				"utilization", fmt.Sprintf("%.0f%%", u*100))
		}
	}
}

func (m *Manager) report() {
	for _, sup := range m.servers {
		st := sup.srv.Status()
		logger.Info("Manager: server report",
			"protocol", st.Protocol,
			"running", st.Running,
			"active", st.ActiveConnections,
			"max", st.MaxConnections,
			"total", st.TotalConnections,
			"rejected", st.RejectedConnections)
	}
}

func (m *Manager) cleanup() {
	for _, sup := range m.servers {
		if c, ok := sup.srv.(Cleaner); ok {
			c.Cleanup()
		}
	}
}

// restart stops the server, waits the restart delay and starts it again.
func (m *Manager) restart(ctx context.Context, sup *supervised, reason string) error {
	sup.restartMu.Lock()
	defer sup.restartMu.Unlock()

	if m.shuttingDown.Load() {
		return ErrShuttingDown
	}

	name := sup.srv.Protocol()
	stopCtx, cancel := context.WithTimeout(ctx, m.shutdownTimeout)
	err := sup.srv.Stop(stopCtx)
	cancel()
	if err != nil {
		logger.Warn("Manager: error stopping server for restart", "protocol", name, "error", err)
	}

	select {
	case <-time.After(m.restartDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if m.shuttingDown.Load() {
		return ErrShuttingDown
	}

	sup.restarts.Add(1)
	metrics.ServerRestarts.WithLabelValues(name, reason).Inc()
	if err := sup.srv.Start(ctx); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	logger.Info("Manager: server restarted", "protocol", name, "reason", reason)
	return nil
}

// Restart restarts one server by protocol name.
func (m *Manager) Restart(ctx context.Context, protocol string) error {
	sup, ok := m.byName[strings.ToLower(protocol)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProtocol, protocol)
	}
	return m.restart(ctx, sup, "manual")
}

// RestartAll restarts every server concurrently and joins the failures.
func (m *Manager) RestartAll(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, sup := range m.servers {
		wg.Add(1)
		go func(sup *supervised) {
			defer wg.Done()
			if err := m.restart(ctx, sup, "manual"); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(sup)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Shutdown stops the tickers and then every server concurrently, waiting at
// most the configured shutdown timeout. Servers still stopping at the
// deadline are abandoned and reported in the returned error.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(ctx, m.shutdownTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		errs    []error
		pending = make(map[string]bool, len(m.servers))
	)
	for _, sup := range m.servers {
		pending[sup.srv.Protocol()] = true
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	for _, sup := range m.servers {
		wg.Add(1)
		go func(srv Server) {
			defer wg.Done()
			err := srv.Stop(ctx)
			mu.Lock()
			defer mu.Unlock()
			delete(pending, srv.Protocol())
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", srv.Protocol(), err))
			}
		}(sup.srv)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		mu.Lock()
		abandoned := make([]string, 0, len(pending))
		for name := range pending {
			abandoned = append(abandoned, name)
		}
		mu.Unlock()
		sort.Strings(abandoned)
		if len(abandoned) > 0 {
			logger.Warn("Manager: shutdown deadline reached, abandoning servers", "protocols", strings.Join(abandoned, ","))
			errs = append(errs, fmt.Errorf("shutdown timed out waiting for %s", strings.Join(abandoned, ", ")))
		}
	}

	mu.Lock()
	err := errors.Join(errs...)
	mu.Unlock()
	if err != nil {
		logger.Error("Manager: shutdown completed with errors", "error", err)
	} else {
		logger.Info("Manager: all servers stopped")
	}
	return err
}

// Status returns the manager snapshot with servers in registration order.
// Totals sum the servers' active and maximum connection counts.
func (m *Manager) Status() Status {
	st := Status{
		Running:  m.started.Load() && !m.shuttingDown.Load(),
		Servers:  make([]server.Status, 0, len(m.servers)),
		Restarts: make(map[string]int64, len(m.servers)),
	}
	if t := m.startedAt.Load(); t != nil {
		st.StartedAt = *t
	}
	for _, sup := range m.servers {
		ss := sup.srv.Status()
		st.Servers = append(st.Servers, ss)
		st.TotalActive += ss.ActiveConnections
		st.TotalMax += ss.MaxConnections
		st.Restarts[strings.ToLower(sup.srv.Protocol())] = sup.restarts.Load()
	}
	return st
}

// Server looks up a supervised server by protocol name, case-insensitively.
func (m *Manager) Server(protocol string) (Server, bool) {
	sup, ok := m.byName[strings.ToLower(protocol)]
	if !ok {
		return nil, false
	}
	return sup.srv, true
}

// StartedAt is when Start was called, or the zero time before that.
func (m *Manager) StartedAt() time.Time {
	if t := m.startedAt.Load(); t != nil {
		return *t
	}
	return time.Time{}
}
