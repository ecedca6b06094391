// Package adminapi serves the administrative HTTP API: protocol server
// status, live sessions, restarts and the health overview. Every route
// requires a bearer API key and can be limited to a set of client hosts.
package adminapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/postern/logger"
	"github.com/migadu/postern/pkg/health"
	"github.com/migadu/postern/server"
	"github.com/migadu/postern/server/manager"
)

// Supervisor is the part of the protocol manager the API drives.
type Supervisor interface {
	Status() manager.Status
	Server(protocol string) (manager.Server, bool)
	Restart(ctx context.Context, protocol string) error
	RestartAll(ctx context.Context) error
}

// HealthReporter provides the health overview.
type HealthReporter interface {
	Overview() health.Overview
}

// Server represents the HTTP API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	hostname     string
	manager      Supervisor
	health       HealthReporter
	server       *http.Server
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	Hostname     string
	Manager      Supervisor
	Health       HealthReporter
}

// New creates a new HTTP API server
func New(options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if options.Manager == nil {
		return nil, fmt.Errorf("protocol manager is required for HTTP API server")
	}
	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		hostname:     options.Hostname,
		manager:      options.Manager,
		health:       options.Health,
	}, nil
}

// Start runs the HTTP API server until ctx is cancelled. Failures other
// than a clean shutdown are sent on errChan.
func Start(ctx context.Context, options ServerOptions, errChan chan error) {
	s, err := New(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	logger.Info("HTTP API: Starting server", "addr", options.Addr)
	if err := s.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("HTTP API: Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP API: Error shutting down server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)
	router.Use(s.authMiddleware)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, "Not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	const v1 = "/api/v1"
	router.HandleFunc(v1+"/protocol/restart-all", s.handleRestartAll).Methods("POST")
	router.HandleFunc(v1+"/protocol/status", s.handleStatus).Methods("GET")
	router.HandleFunc(v1+"/protocol/{protocol}/status", s.handleProtocolStatus).Methods("GET")
	router.HandleFunc(v1+"/protocol/{protocol}/sessions", s.handleProtocolSessions).Methods("GET")
	router.HandleFunc(v1+"/protocol/{protocol}/restart", s.handleRestart).Methods("POST")

	router.HandleFunc(v1+"/health", s.handleHealth).Methods("GET")

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API: Request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		if !hostAllowed(s.allowedHosts, getClientIP(r)) {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hostAllowed(allowed []string, clientIP string) bool {
	ip := net.ParseIP(clientIP)
	for _, host := range allowed {
		if host == clientIP {
			return true
		}
		if strings.Contains(host, "/") && ip != nil {
			if _, cidr, err := net.ParseCIDR(host); err == nil && cidr.Contains(ip) {
				return true
			}
		}
	}
	return false
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Utility functions

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		logger.Warn("HTTP API: Error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// Response types

type StatusResponse struct {
	Hostname string `json:"hostname,omitempty"`
	manager.Status
}

type SessionsResponse struct {
	Protocol string               `json:"protocol"`
	Count    int                  `json:"count"`
	Sessions []server.SessionInfo `json:"sessions"`
}

type RestartResponse struct {
	Restarted []string `json:"restarted"`
}

// Handler functions

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, StatusResponse{
		Hostname: s.hostname,
		Status:   s.manager.Status(),
	})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (manager.Server, bool) {
	protocol := mux.Vars(r)["protocol"]
	srv, ok := s.manager.Server(protocol)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown protocol: %s", protocol))
	}
	return srv, ok
}

func (s *Server) handleProtocolStatus(w http.ResponseWriter, r *http.Request) {
	srv, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, srv.Status())
}

func (s *Server) handleProtocolSessions(w http.ResponseWriter, r *http.Request) {
	srv, ok := s.lookup(w, r)
	if !ok {
		return
	}
	lister, ok := srv.(manager.SessionLister)
	if !ok {
		s.writeError(w, http.StatusNotImplemented, "Server does not expose sessions")
		return
	}
	sessions := lister.Sessions()
	if sessions == nil {
		sessions = []server.SessionInfo{}
	}
	s.writeJSON(w, http.StatusOK, SessionsResponse{
		Protocol: srv.Protocol(),
		Count:    len(sessions),
		Sessions: sessions,
	})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	srv, ok := s.lookup(w, r)
	if !ok {
		return
	}
	logger.Info("HTTP API: Restart requested", "protocol", srv.Protocol(), "remote", getClientIP(r))
	if err := s.manager.Restart(r.Context(), srv.Protocol()); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Restart failed: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, RestartResponse{Restarted: []string{srv.Protocol()}})
}

func (s *Server) handleRestartAll(w http.ResponseWriter, r *http.Request) {
	logger.Info("HTTP API: Restart of all servers requested", "remote", getClientIP(r))
	if err := s.manager.RestartAll(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Restart failed: %v", err))
		return
	}
	var names []string
	for _, st := range s.manager.Status().Servers {
		names = append(names, st.Protocol)
	}
	s.writeJSON(w, http.StatusOK, RestartResponse{Restarted: names})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Health monitoring not enabled")
		return
	}
	overview := s.health.Overview()
	status := http.StatusOK
	if overview.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, overview)
}
