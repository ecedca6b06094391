package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/migadu/postern/logger"
	"github.com/migadu/postern/pkg/metrics"
)

// Endpoint names.
const (
	EndpointPlain      = "plain"
	EndpointTLS        = "tls"
	EndpointSubmission = "submission"
)

// Endpoint describes one listening socket of a protocol server.
type Endpoint struct {
	Name string
	Addr string
	// TLS enables implicit TLS on the socket.
	TLS *tls.Config
	// RequireAuth forces authentication before mail transactions (SMTP
	// submission).
	RequireAuth bool
}

// SessionFactory builds a session for an admitted connection. It must not
// write to conn.
type SessionFactory func(conn net.Conn, ep Endpoint) Session

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Listener runs the accept loop for one endpoint. Every accepted connection
// goes through admission control: the registry's overall cap first, then
// the per-IP limiter. Refused connections are closed without a greeting.
type Listener struct {
	protocol string
	endpoint Endpoint
	registry *Registry
	limiter  *ConnectionLimiter
	factory  SessionFactory

	mu      sync.Mutex
	ln      net.Listener
	closing atomic.Bool
	wg      sync.WaitGroup
}

// NewListener returns an unbound listener.
func NewListener(protocol string, ep Endpoint, reg *Registry, limiter *ConnectionLimiter, factory SessionFactory) *Listener {
	return &Listener{
		protocol: protocol,
		endpoint: ep,
		registry: reg,
		limiter:  limiter,
		factory:  factory,
	}
}

// Bind opens the listening socket.
func (l *Listener) Bind() error {
	ln, err := net.Listen("tcp", l.endpoint.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s (%s): %w", l.endpoint.Addr, l.endpoint.Name, err)
	}
	if l.endpoint.TLS != nil {
		ln = tls.NewListener(ln, l.endpoint.TLS)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Bind.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) Endpoint() Endpoint { return l.endpoint }

// Serve accepts connections until the listener is closed. It returns nil
// after Close and an error if the socket failed on its own.
func (l *Listener) Serve(ctx context.Context) error {
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	if ln == nil {
		return errors.New("listener is not bound")
	}

	label := strings.ToLower(l.protocol)
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.closing.Load() {
				return nil
			}
			if isTemporaryAcceptError(err) {
				if backoff == 0 {
					backoff = minAcceptBackoff
				} else {
					backoff = min(backoff*2, maxAcceptBackoff)
				}
				logger.Warn(l.protocol+": accept error, retrying", "endpoint", l.endpoint.Name, "error", err, "backoff", backoff)
				select {
				case <-time.After(backoff):
					continue
				case <-ctx.Done():
					return nil
				}
			}
			return fmt.Errorf("%s accept on %s: %w", l.protocol, l.endpoint.Addr, err)
		}
		backoff = 0

		if l.registry.Full() {
			l.registry.Reject()
			metrics.ConnectionsRejected.WithLabelValues(label, "capacity").Inc()
			logger.Info(l.protocol+": connection rejected, server at capacity", "remote", conn.RemoteAddr().String(), "max", l.registry.Max())
			conn.Close()
			continue
		}

		release, err := l.limiter.Accept(conn.RemoteAddr())
		if err != nil {
			l.registry.Reject()
			metrics.ConnectionsRejected.WithLabelValues(label, "per_ip").Inc()
			logger.Info(l.protocol+": connection rejected", "remote", conn.RemoteAddr().String(), "error", err)
			conn.Close()
			continue
		}

		session := l.factory(conn, l.endpoint)
		if !l.registry.Admit(session) {
			metrics.ConnectionsRejected.WithLabelValues(label, "capacity").Inc()
			logger.Info(l.protocol+": connection rejected, server at capacity", "remote", conn.RemoteAddr().String(), "max", l.registry.Max())
			session.Close()
			release()
			continue
		}

		l.wg.Add(1)
		go l.serveSession(ctx, session, release)
	}
}

func (l *Listener) serveSession(ctx context.Context, session Session, release func()) {
	defer l.wg.Done()
	defer release()
	defer l.registry.Remove(session.ID())
	defer session.Close()
	defer func() {
		if r := recover(); r != nil {
			logger.Error(l.protocol+": session panic", "session", session.ID(), "panic", r)
		}
	}()

	session.Serve(ctx)
}

// Close stops accepting. Sessions already running are not touched.
func (l *Listener) Close() error {
	l.closing.Store(true)
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Wait blocks until every session started by this listener has finished or
// timeout elapses. It reports whether all sessions finished.
func (l *Listener) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func isTemporaryAcceptError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.ENOMEM)
}
