// Package imap implements the IMAP4rev1 server: a plaintext and an
// implicit-TLS listener feeding a hand-written session state machine over
// the mail store.
package imap

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
const Protocol = "IMAP"

// Options configures a Server.
type Options struct {
	Hostname string
	Config   config.IMAPServerConfig
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
	enableIdle      bool
}

// New validates opts and returns a stopped server.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	commandTimeout, err := cfg.GetCommandTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid IMAP command_timeout: %w", err)
	}
	absoluteTimeout, err := cfg.GetAbsoluteSessionTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid IMAP absolute_session_timeout: %w", err)
	}
	if opts.Identity == nil || opts.Store == nil {
		return nil, fmt.Errorf("IMAP server requires an identity service and a mail store")
	}

	s := &Server{
		hostname:        opts.Hostname,
		tlsConfig:       opts.TLS,
		identity:        opts.Identity,
		store:           opts.Store,
		commandTimeout:  commandTimeout,
		absoluteTimeout: absoluteTimeout,
		enableIdle:      cfg.EnableIdle,
	}

	endpoints := []server.Endpoint{{Name: server.EndpointPlain, Addr: cfg.Addr}}
	if opts.TLS != nil {
		endpoints = append(endpoints, server.Endpoint{Name: server.EndpointTLS, Addr: cfg.TLSAddr, TLS: opts.TLS})
	}
	s.Service = server.NewService(Protocol, cfg.MaxConnections, cfg.MaxConnectionsPerIP, s.newSession, endpoints...)
	return s, nil
}

func (s *Server) newSession(conn net.Conn, ep server.Endpoint) server.Session {
	return newSession(s, conn, ep)
}

// Status reports the server snapshot including IMAP flags.
func (s *Server) Status() server.Status {
	st := s.BaseStatus()
	st.Flags = map[string]any{
		"idle_enabled":  s.enableIdle,
		"tls_available": s.tlsConfig != nil,
	}
	return st
}

// Cleanup prunes idle limiter entries and ends sessions that exceeded the
// absolute session timeout.
func (s *Server) Cleanup() {
	s.Service.Cleanup(s.absoluteTimeout)
}
