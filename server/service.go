package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/postern/logger"
	"github.com/migadu/postern/pkg/metrics"
)

// ErrAlreadyRunning is returned by Start on a running service.
var ErrAlreadyRunning = errors.New("server is already running")

// Service owns the listeners, registry and limiter of one protocol server
// and implements its start/stop lifecycle. Protocol servers embed it and
// supply a SessionFactory. A stopped Service can be started again.
type Service struct {
	protocol  string
	endpoints []Endpoint
	factory   SessionFactory

	Registry *Registry
	Limiter  *ConnectionLimiter

	mu        sync.Mutex
	listeners []*Listener
	cancel    context.CancelFunc
	startedAt time.Time
	running   atomic.Bool
}

// NewService returns a stopped service. Endpoints with an empty Addr are
// skipped.
func NewService(protocol string, maxConnections, maxPerIP int, factory SessionFactory, endpoints ...Endpoint) *Service {
	var eps []Endpoint
	for _, ep := range endpoints {
		if ep.Addr != "" {
			eps = append(eps, ep)
		}
	}
	return &Service{
		protocol:  protocol,
		endpoints: eps,
		factory:   factory,
		Registry:  NewRegistry(protocol, maxConnections),
		Limiter:   NewConnectionLimiter(strings.ToLower(protocol), maxPerIP),
	}
}

func (s *Service) Protocol() string { return strings.ToLower(s.protocol) }

// Start binds every endpoint and starts their accept loops. If any bind
// fails the sockets already opened are closed and the error is returned.
// Sessions outlive ctx; they end on Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return ErrAlreadyRunning
	}
	if len(s.endpoints) == 0 {
		return fmt.Errorf("%s: no listen addresses configured", s.protocol)
	}

	listeners := make([]*Listener, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		l := NewListener(s.protocol, ep, s.Registry, s.Limiter, s.factory)
		if err := l.Bind(); err != nil {
			for _, bound := range listeners {
				bound.Close()
			}
			return err
		}
		listeners = append(listeners, l)
	}

	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.listeners = listeners
	s.cancel = cancel
	s.startedAt = time.Now()
	s.running.Store(true)
	metrics.ServerRunning.WithLabelValues(s.Protocol()).Set(1)

	for _, l := range listeners {
		logger.Info(s.protocol+": listening", "endpoint", l.Endpoint().Name, "addr", l.Addr().String(), "tls", l.Endpoint().TLS != nil)
		go s.acceptLoop(serveCtx, l)
	}
	return nil
}

func (s *Service) acceptLoop(ctx context.Context, l *Listener) {
	if err := l.Serve(ctx); err != nil {
		logger.Error(s.protocol+": listener failed", "endpoint", l.Endpoint().Name, "error", err)
		s.running.Store(false)
		metrics.ServerRunning.WithLabelValues(s.Protocol()).Set(0)
	}
}

// Stop closes the listeners, closes every live session and waits for the
// session workers until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	listeners := s.listeners
	cancel := s.cancel
	s.listeners = nil
	s.cancel = nil
	s.running.Store(false)
	s.mu.Unlock()

	metrics.ServerRunning.WithLabelValues(s.Protocol()).Set(0)
	if listeners == nil {
		return nil
	}

	var errs []error
	for _, l := range listeners {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	closed := s.Registry.CloseAll()
	if cancel != nil {
		cancel()
	}
	if closed > 0 {
		logger.Info(s.protocol+": closing active sessions", "count", closed)
	}

	done := make(chan struct{})
	go func() {
		for _, l := range listeners {
			l.wg.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		logger.Info(s.protocol + ": server stopped")
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("%s: %d sessions still running at shutdown deadline", s.protocol, s.Registry.Len()))
	}
	return errors.Join(errs...)
}

// Running reports whether every listener is accepting.
func (s *Service) Running() bool {
	return s.running.Load()
}

// Addr returns the bound address of the named endpoint, or "".
func (s *Service) Addr(endpoint string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		if l.Endpoint().Name == endpoint {
			if a := l.Addr(); a != nil {
				return a.String()
			}
		}
	}
	return ""
}

func (s *Service) configuredAddr(endpoint string) string {
	for _, ep := range s.endpoints {
		if ep.Name == endpoint {
			return ep.Addr
		}
	}
	return ""
}

// Sessions returns a snapshot of live sessions.
func (s *Service) Sessions() []SessionInfo {
	return s.Registry.Snapshot()
}

// Cleanup prunes idle per-IP limiter entries and closes sessions older
// than maxAge.
func (s *Service) Cleanup(maxAge time.Duration) {
	pruned := s.Limiter.Cleanup()
	expired := s.Registry.CloseExpired(maxAge)
	if pruned > 0 || expired > 0 {
		logger.Info(s.protocol+": cleanup", "limiter_entries", pruned, "expired_sessions", expired)
	}
}

// BaseStatus fills the protocol-independent part of Status. Ports are the
// bound addresses while running and the configured ones otherwise.
func (s *Service) BaseStatus() Status {
	addr := func(name string) string {
		if a := s.Addr(name); a != "" {
			return a
		}
		return s.configuredAddr(name)
	}

	s.mu.Lock()
	startedAt := s.startedAt
	s.mu.Unlock()

	st := Status{
		Protocol:            s.Protocol(),
		Running:             s.Running(),
		ActiveConnections:   s.Registry.Len(),
		MaxConnections:      s.Registry.Max(),
		Addr:                addr(EndpointPlain),
		TLSAddr:             addr(EndpointTLS),
		SubmissionAddr:      addr(EndpointSubmission),
		TotalConnections:    s.Registry.Total(),
		RejectedConnections: s.Registry.Rejected(),
	}
	if st.Running {
		st.StartedAt = startedAt
	}
	return st
}
