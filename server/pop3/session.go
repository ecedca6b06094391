package pop3

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/migadu/postern/mailstore"
	"github.com/migadu/postern/pkg/metrics"
	"github.com/migadu/postern/server"
)

type state int

const (
	stateAuthorization state = iota
	stateUserProvided
	stateTransaction
	stateUpdate
)

func (st state) String() string {
	switch st {
	case stateAuthorization:
		return "AUTHORIZATION"
	case stateUserProvided:
		return "USER_PROVIDED"
	case stateTransaction:
		return "TRANSACTION"
	case stateUpdate:
		return "UPDATE"
	}
	return "UNKNOWN"
}

// States a command may run in.
const (
	allowAuthorization = 1 << stateAuthorization
	allowUserProvided  = 1 << stateUserProvided
	allowTransaction   = 1 << stateTransaction

	allowAny     = allowAuthorization | allowUserProvided | allowTransaction
	allowPreAuth = allowAuthorization | allowUserProvided
)

// popError is a negative response. The session stays open.
type popError struct {
	text string
}

func (e *popError) Error() string { return e.text }

func errResp(format string, args ...any) *popError {
	return &popError{text: fmt.Sprintf(format, args...)}
}

var (
	errWrongState     = errResp("Command not valid in this state")
	errInvalidMessage = errResp("Invalid message number")
	errMessageDeleted = errResp("Message deleted")
)

type session struct {
	*server.BaseSession
	server *Server

	state    state
	username string

	// messages is the inbox snapshot taken at PASS; deleted holds the
	// deletion mark of each snapshot entry.
	messages []mailstore.Message
	deleted  []bool
}

type handlerFunc func(s *session, ctx context.Context, arg string) error

type handler struct {
	fn     handlerFunc
	states int
}

var handlers map[string]handler

func init() {
	handlers = map[string]handler{
		"CAPA": {(*session).handleCapa, allowAny},
		"USER": {(*session).handleUser, allowPreAuth},
		"PASS": {(*session).handlePass, allowUserProvided},
		"APOP": {(*session).handleApop, allowAny},
		"STLS": {(*session).handleStls, allowAuthorization},
		"STAT": {(*session).handleStat, allowTransaction},
		"LIST": {(*session).handleList, allowTransaction},
		"RETR": {(*session).handleRetr, allowTransaction},
		"DELE": {(*session).handleDele, allowTransaction},
		"RSET": {(*session).handleRset, allowTransaction},
		"TOP":  {(*session).handleTop, allowTransaction},
		"UIDL": {(*session).handleUidl, allowTransaction},
		"NOOP": {(*session).handleNoop, allowAny},
		"QUIT": {(*session).handleQuit, allowAny},
	}
}

func newSession(srv *Server, conn net.Conn, ep server.Endpoint) *session {
	s := &session{
		BaseSession: server.NewBaseSession(Protocol, conn, ep, srv.commandTimeout),
		server:      srv,
	}
	s.setState(stateAuthorization)
	return s
}

func (s *session) setState(st state) {
	s.state = st
	s.SetState(st)
}

func (s *session) Serve(ctx context.Context) {
	s.DebugLog("connected")
	if err := s.Conn.WriteLine("+OK POP3 server ready"); err != nil {
		s.DebugLog("failed to send greeting: %v", err)
		return
	}

	for s.state != stateUpdate {
		if ctx.Err() != nil {
			s.Conn.WriteLine("-ERR Server shutting down")
			return
		}

		line, err := s.Conn.ReadLine()
		if err != nil {
			if errors.Is(err, server.ErrLineTooLong) {
				if s.Conn.WriteLine("-ERR Line too long") != nil {
					return
				}
				continue
			}
			s.readFailed(err)
			return
		}
		s.Touch()

		if err := s.dispatch(ctx, line); err != nil {
			if !server.IsConnectionError(err) {
				s.WarnLog("session ended: %v", err)
			}
			return
		}
	}
}

func (s *session) readFailed(err error) {
	switch {
	case server.IsTimeout(err):
		s.Log("idle timeout")
		s.Conn.WriteLine("-ERR Connection timed out due to inactivity")
	case server.IsConnectionError(err):
		// Marks are dropped; nothing is deleted without QUIT.
		s.DebugLog("connection closed: %v", err)
	default:
		s.WarnLog("read error: %v", err)
	}
}

// dispatch runs one command. A returned error ends the session; negative
// responses are written here.
func (s *session) dispatch(ctx context.Context, line string) error {
	verb, arg, _ := strings.Cut(strings.TrimLeft(line, " "), " ")
	command := strings.ToUpper(verb)
	start := time.Now()

	h, ok := handlers[command]
	if !ok {
		s.TrackCommand("UNKNOWN", start, false)
		s.DebugLog("unknown command %q", verb)
		return s.Conn.WriteLine("-ERR Unknown command")
	}
	if command == "PASS" {
		s.DebugLog("command PASS")
	} else {
		s.DebugLog("command %s", line)
	}

	var err error
	if h.states&(1<<s.state) == 0 {
		err = errWrongState
	} else {
		err = h.fn(s, ctx, arg)
	}

	var pe *popError
	if errors.As(err, &pe) {
		s.TrackCommand(command, start, false)
		return s.Conn.WriteLine("-ERR " + pe.text)
	}
	s.TrackCommand(command, start, err == nil)
	return err
}

// messageNumber resolves a message number argument to a snapshot index.
// Marked messages are rejected.
func (s *session) messageNumber(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(s.messages) {
		return 0, errInvalidMessage
	}
	if s.deleted[n-1] {
		return 0, errMessageDeleted
	}
	return n - 1, nil
}

func (s *session) handleCapa(ctx context.Context, arg string) error {
	c := s.Conn
	c.Printf("+OK Capability list follows")
	c.Printf("USER")
	c.Printf("RESP-CODES")
	c.Printf("LOGIN-DELAY 900")
	c.Printf("PIPELINING")
	c.Printf("EXPIRE 60")
	c.Printf("UIDL")
	c.Printf("TOP")
	if !c.IsTLS() && s.server.tlsConfig != nil {
		c.Printf("STLS")
	}
	c.Printf("IMPLEMENTATION Postern")
	c.Printf(".")
	return c.Flush()
}

func (s *session) handleUser(ctx context.Context, arg string) error {
	args := strings.Fields(arg)
	if len(args) == 0 {
		return errResp("Username required")
	}
	s.username = strings.Join(args, " ")
	s.setState(stateUserProvided)
	return s.Conn.WriteLine("+OK User name accepted, password please")
}

// handlePass authenticates the name given to USER. The password is the
// rest of the line and may contain spaces.
func (s *session) handlePass(ctx context.Context, arg string) error {
	password := strings.TrimRight(arg, "\r\n")
	if password == "" {
		return errResp("Password required")
	}

	user, err := server.AuthenticateUser(ctx, s.server.identity, s.username, password)
	if err != nil {
		s.username = ""
		s.setState(stateAuthorization)
		if errors.Is(err, server.ErrIdentityUnavailable) {
			s.WarnLog("authentication backend error: %v", err)
			return errResp("[SYS/TEMP] Authentication service unavailable")
		}
		s.TrackAuth(false)
		s.Log("authentication failed: %v", err)
		return errResp("[AUTH] Authentication failed")
	}

	messages, err := s.server.store.ListInboxMessagesForUser(ctx, user.ID)
	if err != nil {
		s.username = ""
		s.setState(stateAuthorization)
		s.WarnLog("failed to load inbox: %v", err)
		return errResp("[SYS/TEMP] Unable to open mailbox")
	}
	for i := range messages {
		if messages[i].Size <= 0 {
			messages[i].Size = int64(len(messages[i].Render()))
		}
	}

	s.SetUser(user)
	s.TrackAuth(true)
	s.messages = messages
	s.deleted = make([]bool, len(messages))
	s.setState(stateTransaction)
	s.Log("authenticated, %d messages", len(messages))
	return s.Conn.WriteLine(fmt.Sprintf("+OK Mailbox open, %d messages", len(messages)))
}

func (s *session) handleApop(ctx context.Context, arg string) error {
	return errResp("APOP not supported")
}

func (s *session) handleStls(ctx context.Context, arg string) error {
	switch {
	case s.Conn.IsTLS():
		return errResp("TLS already active")
	case s.server.tlsConfig == nil:
		return errResp("TLS not available")
	}
	if err := s.Conn.WriteLine("+OK Begin TLS negotiation"); err != nil {
		return err
	}
	if err := s.Conn.StartTLS(ctx, s.server.tlsConfig); err != nil {
		return err
	}
	s.username = ""
	s.setState(stateAuthorization)
	s.DebugLog("TLS established")
	return nil
}

func (s *session) handleStat(ctx context.Context, arg string) error {
	count, size := maildropStats(s.messages, s.deleted)
	return s.Conn.WriteLine(fmt.Sprintf("+OK %d %d", count, size))
}

func (s *session) handleList(ctx context.Context, arg string) error {
	args := strings.Fields(arg)
	if len(args) > 0 {
		idx, err := s.messageNumber(args[0])
		if err != nil {
			return err
		}
		return s.Conn.WriteLine(fmt.Sprintf("+OK %d %d", idx+1, s.messages[idx].Size))
	}

	count, size := maildropStats(s.messages, s.deleted)
	s.Conn.Printf("+OK %d messages (%d octets)", count, size)
	for _, line := range buildListResponseLines(s.messages, s.deleted) {
		s.Conn.Printf("%s", line)
	}
	s.Conn.Printf(".")
	return s.Conn.Flush()
}

func (s *session) handleRetr(ctx context.Context, arg string) error {
	args := strings.Fields(arg)
	if len(args) == 0 {
		return errInvalidMessage
	}
	idx, err := s.messageNumber(args[0])
	if err != nil {
		return err
	}
	msg := &s.messages[idx]

	if err := s.writeMultiline(fmt.Sprintf("+OK %d octets", msg.Size), string(msg.Render())); err != nil {
		return err
	}
	s.DebugLog("retrieved message %d", msg.ID)

	if s.server.deleteOnRetrieve {
		s.deleted[idx] = true
		s.DebugLog("marked message %d for deletion on retrieve", msg.ID)
	}
	return nil
}

// writeMultiline sends status, the dot-stuffed body and the terminator.
func (s *session) writeMultiline(status, body string) error {
	c := s.Conn
	c.Printf("%s", status)
	c.WriteString(dotStuff(body))
	if body != "" && !strings.HasSuffix(body, "\n") {
		c.WriteString("\r\n")
	}
	c.Printf(".")
	return c.Flush()
}

func (s *session) handleDele(ctx context.Context, arg string) error {
	args := strings.Fields(arg)
	if len(args) == 0 {
		return errInvalidMessage
	}
	idx, err := s.messageNumber(args[0])
	if errors.Is(err, errMessageDeleted) {
		return errResp("Message already deleted")
	} else if err != nil {
		return err
	}
	s.deleted[idx] = true
	s.DebugLog("marked message %d for deletion", s.messages[idx].ID)
	return s.Conn.WriteLine(fmt.Sprintf("+OK Message %d deleted", idx+1))
}

func (s *session) handleRset(ctx context.Context, arg string) error {
	for i := range s.deleted {
		s.deleted[i] = false
	}
	count, size := maildropStats(s.messages, s.deleted)
	return s.Conn.WriteLine(fmt.Sprintf("+OK maildrop has %d messages (%d octets)", count, size))
}

func (s *session) handleTop(ctx context.Context, arg string) error {
	args := strings.Fields(arg)
	if len(args) < 2 {
		return errResp("TOP requires message number and line count")
	}
	idx, err := s.messageNumber(args[0])
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n < 0 {
		return errResp("Invalid arguments")
	}
	return s.writeMultiline("+OK", topLines(s.messages[idx].Render(), n))
}

func (s *session) handleUidl(ctx context.Context, arg string) error {
	args := strings.Fields(arg)
	if len(args) > 0 {
		idx, err := s.messageNumber(args[0])
		if err != nil {
			return err
		}
		return s.Conn.WriteLine(fmt.Sprintf("+OK %d %s", idx+1, messageUID(&s.messages[idx])))
	}

	s.Conn.Printf("+OK")
	for _, line := range buildUIDLResponseLines(s.messages, s.deleted) {
		s.Conn.Printf("%s", line)
	}
	s.Conn.Printf(".")
	return s.Conn.Flush()
}

func (s *session) handleNoop(ctx context.Context, arg string) error {
	return s.Conn.WriteLine("+OK")
}

// handleQuit deletes the marked messages when leaving TRANSACTION. A
// failed deletion is logged and counted; the rest of the batch continues.
func (s *session) handleQuit(ctx context.Context, arg string) error {
	if s.state != stateTransaction {
		s.setState(stateUpdate)
		return s.Conn.WriteLine("+OK POP3 server signing off")
	}

	s.setState(stateUpdate)
	deleted := 0
	for i, marked := range s.deleted {
		if !marked {
			continue
		}
		msg := s.messages[i]
		if err := s.server.store.DeleteMessage(ctx, msg.ID); err != nil && !errors.Is(err, mailstore.ErrMessageNotFound) {
			metrics.POP3Deletions.WithLabelValues("failure").Inc()
			s.WarnLog("failed to delete message %d: %v", msg.ID, err)
			continue
		}
		metrics.POP3Deletions.WithLabelValues("success").Inc()
		deleted++
	}
	if deleted > 0 {
		s.Log("deleted %d messages", deleted)
	}
	return s.Conn.WriteLine(fmt.Sprintf("+OK POP3 server signing off (%d messages deleted)", deleted))
}
