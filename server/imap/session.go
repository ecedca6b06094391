package imap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/postern/server"
)

type state int

const (
	stateNotAuthenticated state = iota
	stateAuthenticated
	stateSelected
	stateLogout
)

func (st state) String() string {
	switch st {
	case stateNotAuthenticated:
		return "NOT_AUTHENTICATED"
	case stateAuthenticated:
		return "AUTHENTICATED"
	case stateSelected:
		return "SELECTED"
	case stateLogout:
		return "LOGOUT"
	}
	return "UNKNOWN"
}

// States a command may run in.
const (
	allowNotAuthenticated = 1 << stateNotAuthenticated
	allowAuthenticated    = 1 << stateAuthenticated
	allowSelected         = 1 << stateSelected

	allowAny       = allowNotAuthenticated | allowAuthenticated | allowSelected
	allowLoggedIn  = allowAuthenticated | allowSelected
	allowAnonymous = allowNotAuthenticated
)

// maxLiteralSize bounds the literals of a single command.
const maxLiteralSize = 64 * 1024

// errCloseSession ends the command loop without a tagged completion.
var errCloseSession = errors.New("close session")

type session struct {
	*server.BaseSession
	server *Server

	state    state
	selected *selectedMailbox
}

// command is one tagged client request. Handlers may set okCode and okText
// to shape the tagged OK, and after to run once it has been sent.
type command struct {
	tag  string
	name string
	uid  bool
	args *argReader

	okCode imap.ResponseCode
	okText string
	after  func() error
}

func (c *command) label() string {
	if c.uid {
		return "UID " + c.name
	}
	return c.name
}

type handlerFunc func(s *session, ctx context.Context, cmd *command) error

type handler struct {
	fn     handlerFunc
	states int
}

var handlers map[string]handler

// uidCommands may follow UID.
var uidCommands = map[string]bool{
	"FETCH":   true,
	"STORE":   true,
	"COPY":    true,
	"SEARCH":  true,
	"EXPUNGE": true,
}

func init() {
	handlers = map[string]handler{
		"CAPABILITY":   {(*session).handleCapability, allowAny},
		"NOOP":         {(*session).handleNoop, allowAny},
		"LOGOUT":       {(*session).handleLogout, allowAny},
		"ID":           {(*session).handleID, allowAny},
		"STARTTLS":     {(*session).handleStartTLS, allowAnonymous},
		"LOGIN":        {(*session).handleLogin, allowAnonymous},
		"AUTHENTICATE": {(*session).handleAuthenticate, allowAnonymous},
		"SELECT":       {(*session).handleSelect, allowLoggedIn},
		"EXAMINE":      {(*session).handleSelect, allowLoggedIn},
		"LIST":         {(*session).handleList, allowLoggedIn},
		"LSUB":         {(*session).handleList, allowLoggedIn},
		"STATUS":       {(*session).handleStatus, allowLoggedIn},
		"CREATE":       {(*session).handleCreate, allowLoggedIn},
		"DELETE":       {(*session).handleDelete, allowLoggedIn},
		"RENAME":       {(*session).handleRename, allowLoggedIn},
		"SUBSCRIBE":    {(*session).handleSubscribe, allowLoggedIn},
		"UNSUBSCRIBE":  {(*session).handleSubscribe, allowLoggedIn},
		"NAMESPACE":    {(*session).handleNamespace, allowLoggedIn},
		"GETQUOTAROOT": {(*session).handleGetQuotaRoot, allowLoggedIn},
		"GETQUOTA":     {(*session).handleGetQuota, allowLoggedIn},
		"CHECK":        {(*session).handleNoop, allowSelected},
		"FETCH":        {(*session).handleFetch, allowSelected},
		"STORE":        {(*session).handleStore, allowSelected},
		"COPY":         {(*session).handleCopy, allowSelected},
		"SEARCH":       {(*session).handleSearch, allowSelected},
		"EXPUNGE":      {(*session).handleExpunge, allowSelected},
		"CLOSE":        {(*session).handleClose, allowSelected},
		"IDLE":         {(*session).handleIdle, allowSelected},
	}
}

func newSession(srv *Server, conn net.Conn, ep server.Endpoint) *session {
	s := &session{
		BaseSession: server.NewBaseSession(Protocol, conn, ep, srv.commandTimeout),
		server:      srv,
	}
	s.setState(stateNotAuthenticated)
	return s
}

func (s *session) setState(st state) {
	s.state = st
	s.SetState(st)
}

func (s *session) Serve(ctx context.Context) {
	s.DebugLog("connected")
	if err := s.Conn.WriteLine(fmt.Sprintf("* OK [CAPABILITY %s] IMAP server ready", s.capabilities())); err != nil {
		s.DebugLog("failed to send greeting: %v", err)
		return
	}

	for s.state != stateLogout {
		if ctx.Err() != nil {
			s.Conn.WriteLine("* BYE Server shutting down")
			return
		}

		line, err := s.readCommand()
		if err != nil {
			switch {
			case errors.Is(err, server.ErrLineTooLong):
				if s.Conn.WriteLine("* BAD Command line too long") != nil {
					return
				}
				continue
			case errors.Is(err, errSkipCommand):
				continue
			case errors.Is(err, errCloseSession):
				return
			}
			s.readFailed(err)
			return
		}
		s.Touch()

		if err := s.dispatch(ctx, line); err != nil {
			if !server.IsConnectionError(err) && !errors.Is(err, errCloseSession) {
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
		s.Conn.WriteLine("* BYE Timeout")
	case server.IsConnectionError(err):
		s.DebugLog("connection closed: %v", err)
	default:
		s.WarnLog("read error: %v", err)
	}
}

// errSkipCommand means the command was answered while it was being read.
var errSkipCommand = errors.New("command already answered")

// readCommand reads one command line including any literals, which are
// kept inline in wire form for parseArgs.
func (s *session) readCommand() (string, error) {
	line, err := s.Conn.ReadLine()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(line)
	total := 0
	for {
		n, sync, ok := literalSize(line)
		if !ok {
			return b.String(), nil
		}
		total += n
		if total > maxLiteralSize {
			tag, _, _ := strings.Cut(b.String(), " ")
			if sync {
				s.Conn.WriteLine(tag + " BAD Literal too large")
				return "", errSkipCommand
			}
			s.Conn.WriteLine("* BYE Literal too large")
			return "", errCloseSession
		}
		if sync {
			if err := s.Conn.WriteLine("+ Ready for literal data"); err != nil {
				return "", err
			}
		}
		data, err := s.Conn.ReadFull(n)
		if err != nil {
			return "", err
		}
		b.WriteString("\r\n")
		b.Write(data)

		line, err = s.Conn.ReadLine()
		if err != nil {
			return "", err
		}
		b.WriteString(line)
	}
}

func validTag(tag string) bool {
	return tag != "" && tag != "*" && !strings.ContainsAny(tag, "+(){%\"\\")
}

// dispatch parses and runs one command. A returned error ends the session.
func (s *session) dispatch(ctx context.Context, line string) error {
	tag, rest, _ := strings.Cut(strings.TrimLeft(line, " "), " ")
	if !validTag(tag) {
		return s.Conn.WriteLine("* BAD Invalid tag")
	}
	name, argLine, _ := strings.Cut(strings.TrimLeft(rest, " "), " ")
	if name == "" {
		return s.tagged(tag, imap.StatusResponseTypeBad, "", "Missing command")
	}
	start := time.Now()

	toks, err := parseArgs(argLine)
	if err != nil {
		return s.tagged(tag, imap.StatusResponseTypeBad, "", "Invalid arguments: "+err.Error())
	}
	cmd := &command{tag: tag, name: strings.ToUpper(name), args: &argReader{toks: toks}}

	if cmd.name == "UID" {
		sub, err := cmd.args.atom()
		if err != nil || !uidCommands[strings.ToUpper(sub)] {
			return s.tagged(tag, imap.StatusResponseTypeBad, "", "Unknown UID command")
		}
		cmd.name = strings.ToUpper(sub)
		cmd.uid = true
	}

	h, ok := handlers[cmd.name]
	if !ok {
		s.TrackCommand("UNKNOWN", start, false)
		s.DebugLog("unknown command %q", name)
		return s.tagged(tag, imap.StatusResponseTypeBad, "", "Unknown command")
	}
	switch cmd.name {
	case "LOGIN", "AUTHENTICATE":
		s.DebugLog("command %s", cmd.name)
	default:
		s.DebugLog("command %s", line)
	}

	if err := s.checkState(h); err != nil {
		s.TrackCommand(cmd.label(), start, false)
		return s.tagged(tag, err.Type, err.Code, err.Text)
	}
	return s.complete(cmd, start, h.fn(s, ctx, cmd))
}

func (s *session) checkState(h handler) *imap.Error {
	if h.states&(1<<s.state) != 0 {
		return nil
	}
	switch {
	case h.states == allowAnonymous:
		return errBad("Already authenticated")
	case s.state == stateNotAuthenticated:
		return errNo("", "Not authenticated")
	case h.states == allowSelected:
		return errNo("", "Must select a folder first")
	}
	return errNo("", "Command not valid in this state")
}

// complete writes the tagged response for a finished handler.
func (s *session) complete(cmd *command, start time.Time, err error) error {
	label := cmd.label()
	var imapErr *imap.Error
	switch {
	case err == nil:
		s.TrackCommand(label, start, true)
		text := cmd.okText
		if text == "" {
			text = label + " completed"
		}
		if err := s.tagged(cmd.tag, imap.StatusResponseTypeOK, cmd.okCode, text); err != nil {
			return err
		}
		if cmd.after != nil {
			return cmd.after()
		}
		return nil
	case errors.As(err, &imapErr):
		s.TrackCommand(label, start, false)
		return s.tagged(cmd.tag, imapErr.Type, imapErr.Code, imapErr.Text)
	case errors.Is(err, errMissingArgs):
		s.TrackCommand(label, start, false)
		return s.tagged(cmd.tag, imap.StatusResponseTypeBad, "", "Missing arguments")
	case errors.Is(err, errCloseSession), server.IsConnectionError(err):
		s.TrackCommand(label, start, false)
		return err
	default:
		s.TrackCommand(label, start, false)
		s.WarnLog("%s failed: %v", label, err)
		return s.tagged(cmd.tag, imap.StatusResponseTypeBad, "", "Internal server error")
	}
}

// untagged buffers a "* " response line; the tagged completion flushes it.
func (s *session) untagged(format string, args ...any) {
	s.Conn.Printf("* "+format, args...)
}

func (s *session) tagged(tag string, typ imap.StatusResponseType, code imap.ResponseCode, text string) error {
	if code != "" {
		return s.Conn.WriteLine(fmt.Sprintf("%s %s [%s] %s", tag, typ, code, text))
	}
	return s.Conn.WriteLine(fmt.Sprintf("%s %s %s", tag, typ, text))
}

func errNo(code imap.ResponseCode, format string, args ...any) *imap.Error {
	return &imap.Error{Type: imap.StatusResponseTypeNo, Code: code, Text: fmt.Sprintf(format, args...)}
}

func errBad(format string, args ...any) *imap.Error {
	return &imap.Error{Type: imap.StatusResponseTypeBad, Text: fmt.Sprintf(format, args...)}
}

func (s *session) capabilities() string {
	caps := []imap.Cap{imap.CapIMAP4rev1}
	if !s.Conn.IsTLS() && s.server.tlsConfig != nil {
		caps = append(caps, imap.CapStartTLS)
	}
	for _, mech := range server.Mechanisms {
		caps = append(caps, imap.AuthCap(mech))
	}
	caps = append(caps, imap.CapSASLIR)
	if s.server.enableIdle {
		caps = append(caps, imap.CapIdle)
	}
	caps = append(caps, imap.CapNamespace, imap.CapQuota, imap.CapUIDPlus, imap.CapID)

	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = string(c)
	}
	return strings.Join(parts, " ")
}

func (s *session) handleCapability(ctx context.Context, cmd *command) error {
	s.untagged("CAPABILITY %s", s.capabilities())
	return nil
}

func (s *session) handleNoop(ctx context.Context, cmd *command) error {
	return s.refresh(ctx)
}

func (s *session) handleLogout(ctx context.Context, cmd *command) error {
	s.untagged("BYE %s IMAP server logging out", s.server.hostname)
	s.selected = nil
	s.setState(stateLogout)
	return nil
}

func (s *session) handleID(ctx context.Context, cmd *command) error {
	s.untagged(`ID ("name" "Postern")`)
	return nil
}
