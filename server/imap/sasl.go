package imap

import (
	"context"
	"errors"

	"github.com/migadu/postern/mailstore"
	"github.com/migadu/postern/server"
)

// handleAuthenticate runs AUTHENTICATE <mechanism> [initial-response].
func (s *session) handleAuthenticate(ctx context.Context, cmd *command) error {
	mechanism, err := cmd.args.atom()
	if err != nil {
		return errBad("Syntax: AUTHENTICATE mechanism [initial-response]")
	}

	var (
		user     *mailstore.User
		username string
	)
	srv, err := server.NewSASLServer(mechanism, func(u, p string) error {
		username = u
		var authErr error
		user, authErr = server.AuthenticateUser(ctx, s.server.identity, u, p)
		return authErr
	})
	if err != nil {
		return errNo("", "Unsupported authentication mechanism")
	}

	var initial []byte
	if !cmd.args.done() {
		ir, err := cmd.args.astring()
		if err != nil {
			return errBad("Invalid initial response")
		}
		if initial, err = server.DecodeSASL(ir); err != nil {
			return errBad("Invalid base64 in initial response")
		}
	}

	err = server.RunSASL(s.Conn, srv, initial, "+ ")
	switch {
	case err == nil:
		s.authenticated(user)
		return nil
	case errors.Is(err, server.ErrAuthCancelled):
		return errBad("Authentication cancelled")
	case errors.Is(err, server.ErrMalformedSASL):
		return errBad("Invalid base64 in response")
	case errors.Is(err, server.ErrLineTooLong):
		return errBad("Response too long")
	case server.IsConnectionError(err):
		return err
	default:
		return s.authFailed(username, err)
	}
}
