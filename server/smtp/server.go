// Package smtp implements the inbound SMTP server: plaintext, implicit-TLS
// and submission listeners feeding a hand-written session state machine
// that hands accepted messages to the mail store.
package smtp

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/migadu/postern/config"
	"github.com/migadu/postern/mailstore"
	"github.com/migadu/postern/server"
)

// Protocol is the label used in logs, metrics and the manager.
const Protocol = "SMTP"

// Options configures a Server.
type Options struct {
	Hostname string
	Config   config.SMTPServerConfig
	// TLS enables the implicit-TLS listener and STARTTLS. Nil disables both.
	TLS      *tls.Config
	Identity mailstore.IdentityService
	Store    mailstore.MailStore
}

type Server struct {
	*server.Service

	hostname  string
	tlsConfig *tls.Config
	identity  mailstore.IdentityService
	store     mailstore.MailStore

	commandTimeout  time.Duration
	absoluteTimeout time.Duration
	maxMessageSize  int64
	maxRecipients   int
	enableAuth      bool
	requireTLS      bool
}

// New validates opts and returns a stopped server.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	commandTimeout, err := cfg.GetCommandTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP command_timeout: %w", err)
	}
	absoluteTimeout, err := cfg.GetAbsoluteSessionTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP absolute_session_timeout: %w", err)
	}
	maxMessageSize, err := cfg.GetMaxMessageSize()
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP max_message_size: %w", err)
	}
	if opts.Identity == nil || opts.Store == nil {
		return nil, fmt.Errorf("SMTP server requires an identity service and a mail store")
	}
	if cfg.RequireTLS && opts.TLS == nil {
		return nil, fmt.Errorf("SMTP require_tls is set but no TLS certificate is configured")
	}

	s := &Server{
		hostname:        opts.Hostname,
		tlsConfig:       opts.TLS,
		identity:        opts.Identity,
		store:           opts.Store,
		commandTimeout:  commandTimeout,
		absoluteTimeout: absoluteTimeout,
		maxMessageSize:  maxMessageSize,
		maxRecipients:   cfg.GetMaxRecipients(),
		enableAuth:      cfg.EnableAuth,
		requireTLS:      cfg.RequireTLS,
	}

	endpoints := []server.Endpoint{
		{Name: server.EndpointPlain, Addr: cfg.Addr},
		{Name: server.EndpointSubmission, Addr: cfg.SubmissionAddr, RequireAuth: true},
	}
	if opts.TLS != nil {
		endpoints = append(endpoints, server.Endpoint{Name: server.EndpointTLS, Addr: cfg.TLSAddr, TLS: opts.TLS})
	}
	s.Service = server.NewService(Protocol, cfg.MaxConnections, cfg.MaxConnectionsPerIP, s.newSession, endpoints...)
	return s, nil
}

func (s *Server) newSession(conn net.Conn, ep server.Endpoint) server.Session {
	return newSession(s, conn, ep)
}

// Status reports the server snapshot including SMTP flags.
func (s *Server) Status() server.Status {
	st := s.BaseStatus()
	st.Flags = map[string]any{
		"auth_enabled":     s.enableAuth,
		"require_tls":      s.requireTLS,
		"tls_available":    s.tlsConfig != nil,
		"max_message_size": s.maxMessageSize,
		"max_recipients":   s.maxRecipients,
	}
	return st
}

// Cleanup prunes idle limiter entries and ends sessions that exceeded the
// absolute session timeout.
func (s *Server) Cleanup() {
	s.Service.Cleanup(s.absoluteTimeout)
}
