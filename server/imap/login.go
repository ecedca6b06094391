package imap

import (
	"context"
	"errors"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/postern/mailstore"
	"github.com/migadu/postern/server"
)

func (s *session) handleLogin(ctx context.Context, cmd *command) error {
	username, err := cmd.args.astring()
	if err != nil {
		return errBad("Syntax: LOGIN username password")
	}
	password, err := cmd.args.astring()
	if err != nil {
		return errBad("Syntax: LOGIN username password")
	}

	user, err := server.AuthenticateUser(ctx, s.server.identity, username, password)
	if err != nil {
		return s.authFailed(username, err)
	}
	s.authenticated(user)
	return nil
}

// authFailed maps an authentication error to its tagged NO.
func (s *session) authFailed(username string, err error) error {
	if errors.Is(err, server.ErrIdentityUnavailable) {
		s.WarnLog("authentication for %q failed: %v", username, err)
		return errNo(imap.ResponseCodeUnavailable, "Authentication service unavailable")
	}
	s.TrackAuth(false)
	s.Log("authentication failed for %q: %v", username, err)
	return errNo(imap.ResponseCodeAuthenticationFailed, "Authentication failed")
}

func (s *session) authenticated(user *mailstore.User) {
	s.SetUser(user)
	s.TrackAuth(true)
	s.setState(stateAuthenticated)
	s.Log("authenticated")
}

func (s *session) handleStartTLS(ctx context.Context, cmd *command) error {
	if s.Conn.IsTLS() || s.server.tlsConfig == nil {
		return errNo("", "STARTTLS not available")
	}
	cmd.okText = "Begin TLS negotiation now"
	cmd.after = func() error {
		if err := s.Conn.StartTLS(ctx, s.server.tlsConfig); err != nil {
			s.WarnLog("STARTTLS failed: %v", err)
			return fmt.Errorf("%w: %v", errCloseSession, err)
		}
		s.DebugLog("TLS established")
		return nil
	}
	return nil
}
