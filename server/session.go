package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/postern/logger"
	"github.com/migadu/postern/mailstore"
	"github.com/migadu/postern/pkg/metrics"
	"github.com/migadu/postern/server/idgen"
)

// Session is one accepted connection driven by a protocol state machine.
type Session interface {
	ID() string
	// Serve runs the command loop until the client quits, the connection
	// fails or ctx is cancelled. It does not close the connection.
	Serve(ctx context.Context)
	// Close terminates the session. It is idempotent and safe to call from
	// another goroutine.
	Close() error
	Info() SessionInfo
}

// SessionInfo is a read-only snapshot of a session.
type SessionInfo struct {
	ID           string    `json:"id"`
	Protocol     string    `json:"protocol"`
	RemoteAddr   string    `json:"remote_addr"`
	Endpoint     string    `json:"endpoint"`
	User         string    `json:"user,omitempty"`
	TLS          bool      `json:"tls"`
	State        string    `json:"state"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
}

// BaseSession carries the identity, transport and auth state shared by all
// protocol sessions. Protocol sessions embed it and add Serve.
type BaseSession struct {
	Protocol string
	Endpoint Endpoint
	Conn     *TextConn

	id           string
	remoteIP     string
	startedAt    time.Time
	lastActivity atomic.Int64
	state        atomic.Value
	user         atomic.Pointer[mailstore.User]

	closeOnce sync.Once
	closeErr  error
}

// NewBaseSession wraps conn for protocol with the given idle timeout.
func NewBaseSession(protocol string, conn net.Conn, ep Endpoint, timeout time.Duration) *BaseSession {
	now := time.Now()
	s := &BaseSession{
		Protocol:  protocol,
		Endpoint:  ep,
		Conn:      NewTextConn(conn, timeout, DefaultMaxLineLength),
		id:        idgen.New(),
		remoteIP:  remoteIP(conn.RemoteAddr()),
		startedAt: now,
	}
	s.lastActivity.Store(now.UnixNano())
	s.state.Store("")
	return s
}

func (s *BaseSession) ID() string { return s.id }

func (s *BaseSession) RemoteIP() string { return s.remoteIP }

func (s *BaseSession) StartedAt() time.Time { return s.startedAt }

// Touch records client activity.
func (s *BaseSession) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// SetState records the protocol state name reported by Info.
func (s *BaseSession) SetState(state fmt.Stringer) {
	s.state.Store(state.String())
}

// SetUser marks the session authenticated. It takes effect once; later
// calls are ignored.
func (s *BaseSession) SetUser(u *mailstore.User) {
	if u == nil {
		return
	}
	if s.user.CompareAndSwap(nil, u) {
		metrics.AuthenticatedConnectionsCurrent.WithLabelValues(s.label()).Inc()
	}
}

// User returns the authenticated principal or nil.
func (s *BaseSession) User() *mailstore.User {
	return s.user.Load()
}

func (s *BaseSession) Authenticated() bool {
	return s.user.Load() != nil
}

func (s *BaseSession) Info() SessionInfo {
	info := SessionInfo{
		ID:           s.id,
		Protocol:     s.Protocol,
		RemoteAddr:   s.remoteIP,
		Endpoint:     s.Endpoint.Name,
		TLS:          s.Conn.IsTLS(),
		State:        s.state.Load().(string),
		StartedAt:    s.startedAt,
		LastActivity: time.Unix(0, s.lastActivity.Load()),
	}
	if u := s.user.Load(); u != nil {
		info.User = u.Username
	}
	return info
}

// Close closes the transport and records the session's lifetime.
func (s *BaseSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.Conn.Close()
		metrics.ConnectionDuration.WithLabelValues(s.label()).Observe(time.Since(s.startedAt).Seconds())
		if s.user.Load() != nil {
			metrics.AuthenticatedConnectionsCurrent.WithLabelValues(s.label()).Dec()
		}
	})
	return s.closeErr
}

func (s *BaseSession) label() string {
	return strings.ToLower(s.Protocol)
}

func (s *BaseSession) log(level slog.Level, format string, args ...any) {
	user := "none"
	if u := s.user.Load(); u != nil {
		user = fmt.Sprintf("%s/%d", u.Username, u.ID)
	}
	connInfo := fmt.Sprintf("remote=%s", s.remoteIP)
	if s.Endpoint.Name != "" {
		connInfo += " endpoint=" + s.Endpoint.Name
	}
	logger.Get().Log(context.Background(), level, "Session", "protocol", s.Protocol, "conn", connInfo, "user", user, "session", s.id, "msg", fmt.Sprintf(format, args...))
}

func (s *BaseSession) Log(format string, args ...any) {
	s.log(slog.LevelInfo, format, args...)
}

func (s *BaseSession) DebugLog(format string, args ...any) {
	s.log(slog.LevelDebug, format, args...)
}

func (s *BaseSession) WarnLog(format string, args ...any) {
	s.log(slog.LevelWarn, format, args...)
}

// TrackCommand records the outcome and latency of one protocol command.
func (s *BaseSession) TrackCommand(command string, start time.Time, ok bool) {
	status := "success"
	if !ok {
		status = "failure"
	}
	metrics.CommandsTotal.WithLabelValues(s.label(), command, status).Inc()
	metrics.CommandDuration.WithLabelValues(s.label(), command).Observe(time.Since(start).Seconds())
}

// TrackAuth records an authentication attempt.
func (s *BaseSession) TrackAuth(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	metrics.AuthenticationAttempts.WithLabelValues(s.label(), result).Inc()
}
