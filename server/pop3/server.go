package pop3

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
const Protocol = "POP3"

// Options configures a Server.
type Options struct {
	Hostname string
	Config   config.POP3ServerConfig
	// TLS enables the implicit-TLS listener and STLS. Nil disables both.
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

	commandTimeout   time.Duration
	absoluteTimeout  time.Duration
	deleteOnRetrieve bool
}

// New validates opts and returns a stopped server.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	commandTimeout, err := cfg.GetCommandTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid POP3 command_timeout: %w", err)
	}
	absoluteTimeout, err := cfg.GetAbsoluteSessionTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid POP3 absolute_session_timeout: %w", err)
	}
	if opts.Identity == nil || opts.Store == nil {
		return nil, fmt.Errorf("POP3 server requires an identity service and a mail store")
	}

	s := &Server{
		hostname:         opts.Hostname,
		tlsConfig:        opts.TLS,
		identity:         opts.Identity,
		store:            opts.Store,
		commandTimeout:   commandTimeout,
		absoluteTimeout:  absoluteTimeout,
		deleteOnRetrieve: cfg.DeleteOnRetrieve,
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

// Status reports the server snapshot including POP3 flags.
func (s *Server) Status() server.Status {
	st := s.BaseStatus()
	st.Flags = map[string]any{
		"delete_on_retrieve": s.deleteOnRetrieve,
		"tls_available":      s.tlsConfig != nil,
	}
	return st
}

// Cleanup prunes idle limiter entries and ends sessions that exceeded the
// absolute session timeout.
func (s *Server) Cleanup() {
	s.Service.Cleanup(s.absoluteTimeout)
}
