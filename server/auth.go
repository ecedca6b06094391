package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/migadu/postern/mailstore"
)

// SASL exchange outcomes that are not credential failures.
var (
	ErrAuthCancelled        = errors.New("authentication cancelled by client")
	ErrMalformedSASL        = errors.New("malformed SASL response")
	ErrUnsupportedMechanism = errors.New("unsupported authentication mechanism")
	ErrEmailDisabled        = errors.New("email access is disabled for this account")
	ErrIdentityUnavailable  = errors.New("identity service unavailable")
)

// Mechanisms advertised by the servers.
var Mechanisms = []string{sasl.Plain, sasl.Login}

// AuthenticateUser checks credentials against the identity service. A user
// whose email access is disabled is refused with ErrEmailDisabled, which
// callers treat as a credential failure. Any other identity service error
// is wrapped in ErrIdentityUnavailable.
func AuthenticateUser(ctx context.Context, identity mailstore.IdentityService, username, password string) (*mailstore.User, error) {
	user, err := identity.Authenticate(ctx, username, password)
	if err != nil {
		if IsCredentialFailure(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	if !user.EmailEnabled {
		return nil, ErrEmailDisabled
	}
	return user, nil
}

// IsCredentialFailure reports whether err means "wrong user or password"
// rather than a failing identity service.
func IsCredentialFailure(err error) bool {
	return errors.Is(err, mailstore.ErrInvalidCredentials) ||
		errors.Is(err, mailstore.ErrUserNotFound) ||
		errors.Is(err, ErrEmailDisabled)
}

// NewSASLServer returns the server side of mechanism. authenticate receives
// the authentication identity and password.
func NewSASLServer(mechanism string, authenticate func(username, password string) error) (sasl.Server, error) {
	switch strings.ToUpper(mechanism) {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return mailstore.ErrInvalidCredentials
			}
			return authenticate(username, password)
		}), nil
	case sasl.Login:
		return &loginServer{authenticate: authenticate}, nil
	default:
		return nil, ErrUnsupportedMechanism
	}
}

// loginServer implements the LOGIN mechanism: a username prompt followed by
// a password prompt.
type loginServer struct {
	step         int
	username     string
	authenticate func(username, password string) error
}

func (a *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch a.step {
	case 0:
		a.step++
		if response == nil {
			return []byte("Username:"), false, nil
		}
		a.username = string(response)
		a.step++
		return []byte("Password:"), false, nil
	case 1:
		a.username = string(response)
		a.step++
		return []byte("Password:"), false, nil
	case 2:
		a.step++
		return nil, true, a.authenticate(a.username, string(response))
	default:
		return nil, false, sasl.ErrUnexpectedClientResponse
	}
}

// RunSASL drives a SASL exchange over conn. initial is the client's
// initial response (nil when absent). Challenges are written as prefix
// followed by base64; the client answers with a base64 line or "*" to
// cancel.
func RunSASL(conn *TextConn, srv sasl.Server, initial []byte, prefix string) error {
	response := initial
	for {
		challenge, done, err := srv.Next(response)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if err := conn.WriteLine(prefix + base64.StdEncoding.EncodeToString(challenge)); err != nil {
			return err
		}
		line, err := conn.ReadLine()
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "*" {
			return ErrAuthCancelled
		}
		response, err = DecodeSASL(line)
		if err != nil {
			return err
		}
	}
}

// DecodeSASL decodes a base64 SASL response. "=" stands for an empty
// response.
func DecodeSASL(s string) ([]byte, error) {
	if s == "=" {
		return []byte{}, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSASL, err)
	}
	return b, nil
}
