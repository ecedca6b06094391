package smtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/migadu/postern/mailstore"
	"github.com/migadu/postern/pkg/metrics"
	"github.com/migadu/postern/server"
)

type state int

const (
	stateInitial state = iota
	stateHelo
	stateMail
	stateRcpt
	stateQuit
)

func (st state) String() string {
	switch st {
	case stateInitial:
		return "INITIAL"
	case stateHelo:
		return "HELO"
	case stateMail:
		return "MAIL"
	case stateRcpt:
		return "RCPT"
	case stateQuit:
		return "QUIT"
	}
	return "UNKNOWN"
}

// maxDataLine bounds one line of message content.
const maxDataLine = 64 * 1024

type session struct {
	*server.BaseSession
	server *Server

	state    state
	heloHost string
	mailFrom string
	rcptTo   []string
}

type handlerFunc func(s *session, ctx context.Context, arg string) error

var handlers map[string]handlerFunc

func init() {
	handlers = map[string]handlerFunc{
		"EHLO":     (*session).handleEhlo,
		"HELO":     (*session).handleHelo,
		"AUTH":     (*session).handleAuth,
		"STARTTLS": (*session).handleStartTLS,
		"MAIL":     (*session).handleMail,
		"RCPT":     (*session).handleRcpt,
		"DATA":     (*session).handleData,
		"RSET":     (*session).handleRset,
		"NOOP":     (*session).handleNoop,
		"VRFY":     (*session).handleVrfy,
		"HELP":     (*session).handleHelp,
		"QUIT":     (*session).handleQuit,
	}
}

func newSession(srv *Server, conn net.Conn, ep server.Endpoint) *session {
	s := &session{
		BaseSession: server.NewBaseSession(Protocol, conn, ep, srv.commandTimeout),
		server:      srv,
	}
	s.setState(stateInitial)
	return s
}

func (s *session) setState(st state) {
	s.state = st
	s.SetState(st)
}

func (s *session) Serve(ctx context.Context) {
	s.DebugLog("connected")
	if err := s.Conn.WriteLine(fmt.Sprintf("220 %s ESMTP Ready", s.server.hostname)); err != nil {
		s.DebugLog("failed to send greeting: %v", err)
		return
	}

	for s.state != stateQuit {
		if ctx.Err() != nil {
			s.writeReply(reply(421, smtp.EnhancedCode{4, 3, 2}, "%s Service shutting down", s.server.hostname))
			return
		}

		line, err := s.Conn.ReadLine()
		if err != nil {
			if errors.Is(err, server.ErrLineTooLong) {
				if s.writeReply(replyLineTooLong) != nil {
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
		s.Conn.WriteLine(fmt.Sprintf("421 4.4.2 %s Error: timeout exceeded", s.server.hostname))
	case server.IsConnectionError(err):
		s.DebugLog("connection closed: %v", err)
	default:
		s.WarnLog("read error: %v", err)
	}
}

// dispatch runs one command. A returned error ends the session; protocol
// replies are written here.
func (s *session) dispatch(ctx context.Context, line string) error {
	verb, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	command := strings.ToUpper(verb)
	start := time.Now()

	h, ok := handlers[command]
	if !ok {
		s.TrackCommand("UNKNOWN", start, false)
		s.DebugLog("unknown command %q", verb)
		return s.writeReply(replyUnknownCommand)
	}
	if command == "AUTH" {
		s.DebugLog("command AUTH")
	} else {
		s.DebugLog("command %s", line)
	}

	err := h(s, ctx, strings.TrimSpace(arg))
	var r *smtp.SMTPError
	if errors.As(err, &r) {
		s.TrackCommand(command, start, r.Code < 400)
		return s.writeReply(r)
	}
	s.TrackCommand(command, start, err == nil)
	return err
}

func (s *session) writeReply(r *smtp.SMTPError) error {
	return s.Conn.WriteLine(formatReply(r))
}

func (s *session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil
	if s.state != stateInitial {
		s.setState(stateHelo)
	}
}

func (s *session) handleEhlo(ctx context.Context, arg string) error {
	if arg == "" {
		return reply(501, smtp.EnhancedCode{5, 5, 4}, "Syntax: EHLO hostname")
	}
	s.heloHost = arg
	s.setState(stateHelo)
	s.resetTransaction()

	c := s.Conn
	c.Printf("250-%s Hello %s", s.server.hostname, arg)
	c.Printf("250-SIZE %d", s.server.maxMessageSize)
	c.Printf("250-8BITMIME")
	c.Printf("250-PIPELINING")
	if s.server.enableAuth && !s.Authenticated() {
		c.Printf("250-AUTH %s", strings.Join(server.Mechanisms, " "))
	}
	if !c.IsTLS() && s.server.tlsConfig != nil && !s.server.requireTLS {
		c.Printf("250-STARTTLS")
	}
	c.Printf("250 HELP")
	return c.Flush()
}

func (s *session) handleHelo(ctx context.Context, arg string) error {
	if arg == "" {
		return reply(501, smtp.EnhancedCode{5, 5, 4}, "Syntax: HELO hostname")
	}
	s.heloHost = arg
	s.setState(stateHelo)
	s.resetTransaction()
	return reply(250, smtp.NoEnhancedCode, "%s", s.server.hostname)
}

func (s *session) handleAuth(ctx context.Context, arg string) error {
	switch {
	case !s.server.enableAuth:
		return reply(502, smtp.EnhancedCode{5, 5, 1}, "Authentication not supported")
	case s.state == stateInitial:
		return replyNeedHelo
	case s.Authenticated():
		return reply(503, smtp.EnhancedCode{5, 5, 1}, "Already authenticated")
	case s.state == stateMail || s.state == stateRcpt:
		return reply(503, smtp.EnhancedCode{5, 5, 1}, "AUTH not permitted during a mail transaction")
	}

	mechanism, initialArg, _ := strings.Cut(arg, " ")
	if mechanism == "" {
		return reply(501, smtp.EnhancedCode{5, 5, 4}, "Syntax: AUTH mechanism [initial-response]")
	}

	var user *mailstore.User
	sasl, err := server.NewSASLServer(mechanism, func(username, password string) error {
		u, err := server.AuthenticateUser(ctx, s.server.identity, username, password)
		if err != nil {
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		return reply(504, smtp.EnhancedCode{5, 5, 4}, "Authentication mechanism not supported")
	}

	var initial []byte
	if initialArg = strings.TrimSpace(initialArg); initialArg != "" {
		if initial, err = server.DecodeSASL(initialArg); err != nil {
			return reply(501, smtp.EnhancedCode{5, 5, 2}, "Invalid base64 data")
		}
	}

	err = server.RunSASL(s.Conn, sasl, initial, "334 ")
	switch {
	case err == nil && user != nil:
		s.SetUser(user)
		s.TrackAuth(true)
		s.Log("authenticated via %s", strings.ToUpper(mechanism))
		return reply(235, smtp.EnhancedCode{2, 7, 0}, "Authentication successful")
	case errors.Is(err, server.ErrAuthCancelled):
		return reply(501, smtp.EnhancedCode{5, 0, 0}, "Authentication cancelled")
	case errors.Is(err, server.ErrMalformedSASL), errors.Is(err, server.ErrLineTooLong):
		return reply(501, smtp.EnhancedCode{5, 5, 2}, "Invalid base64 data")
	case errors.Is(err, server.ErrIdentityUnavailable):
		s.WarnLog("authentication backend error: %v", err)
		return reply(454, smtp.EnhancedCode{4, 7, 0}, "Temporary authentication failure")
	case err != nil && server.IsConnectionError(err):
		return err
	default:
		s.TrackAuth(false)
		s.Log("authentication failed: %v", err)
		return reply(535, smtp.EnhancedCode{5, 7, 8}, "Authentication credentials invalid")
	}
}

func (s *session) handleStartTLS(ctx context.Context, arg string) error {
	switch {
	case s.Conn.IsTLS():
		return reply(503, smtp.EnhancedCode{5, 5, 1}, "TLS already active")
	case s.server.tlsConfig == nil:
		return reply(454, smtp.EnhancedCode{4, 7, 0}, "TLS not available")
	case s.Authenticated():
		return reply(503, smtp.EnhancedCode{5, 5, 1}, "Already authenticated")
	}

	if err := s.writeReply(reply(220, smtp.EnhancedCode{2, 0, 0}, "Ready to start TLS")); err != nil {
		return err
	}
	if err := s.Conn.StartTLS(ctx, s.server.tlsConfig); err != nil {
		return err
	}
	s.heloHost = ""
	s.mailFrom = ""
	s.rcptTo = nil
	s.setState(stateInitial)
	s.DebugLog("TLS established")
	return nil
}

func (s *session) handleMail(ctx context.Context, arg string) error {
	switch {
	case s.state == stateInitial:
		return replyNeedHelo
	case s.state == stateMail || s.state == stateRcpt:
		return reply(503, smtp.EnhancedCode{5, 5, 1}, "Sender already specified")
	case s.server.requireTLS && !s.Conn.IsTLS():
		return replyTLSRequired
	case (s.server.enableAuth || s.Endpoint.RequireAuth) && !s.Authenticated():
		return replyAuthRequired
	}

	from, params, err := parsePath(arg, "FROM:")
	if err != nil {
		return reply(501, smtp.EnhancedCode{5, 5, 4}, "Syntax: MAIL FROM:<address>")
	}
	if v, ok := params["SIZE"]; ok {
		size, err := parseSizeParam(v)
		if err != nil {
			return reply(501, smtp.EnhancedCode{5, 5, 4}, "Invalid SIZE parameter")
		}
		if size > s.server.maxMessageSize {
			return replyTooBig
		}
	}

	if user := s.User(); user != nil && from != "" {
		ok, err := s.server.store.CanUserSendFrom(ctx, user.Username, from)
		if err != nil {
			s.WarnLog("sender check failed: %v", err)
			return replyLocalError
		}
		if !ok {
			s.Log("sender %s rejected for user", from)
			return reply(550, smtp.EnhancedCode{5, 7, 1}, "Sender address rejected: not owned by user")
		}
	}

	s.mailFrom = from
	s.rcptTo = nil
	s.setState(stateMail)
	return reply(250, smtp.EnhancedCode{2, 1, 0}, "OK")
}

func (s *session) handleRcpt(ctx context.Context, arg string) error {
	if s.state != stateMail && s.state != stateRcpt {
		return replyBadSequence
	}

	to, _, err := parsePath(arg, "TO:")
	if err != nil || to == "" {
		return reply(501, smtp.EnhancedCode{5, 5, 4}, "Syntax: RCPT TO:<address>")
	}
	if len(s.rcptTo) >= s.server.maxRecipients {
		return reply(452, smtp.EnhancedCode{4, 5, 3}, "Too many recipients")
	}

	ok, err := s.server.store.IsValidRecipientAddress(ctx, to)
	if err != nil {
		s.WarnLog("recipient check failed: %v", err)
		return replyLocalError
	}
	if !ok {
		return reply(550, smtp.EnhancedCode{5, 1, 1}, "Recipient address rejected: user unknown")
	}

	s.rcptTo = append(s.rcptTo, to)
	s.setState(stateRcpt)
	return reply(250, smtp.EnhancedCode{2, 1, 5}, "OK")
}

func (s *session) handleData(ctx context.Context, arg string) error {
	switch s.state {
	case stateRcpt:
	case stateMail:
		return reply(554, smtp.EnhancedCode{5, 5, 1}, "No valid recipients")
	default:
		return replyBadSequence
	}

	if err := s.Conn.WriteLine("354 Start mail input; end with <CRLF>.<CRLF>"); err != nil {
		return err
	}

	raw, verdict, err := s.readData()
	from, rcpts := s.mailFrom, s.rcptTo
	s.resetTransaction()
	if err != nil {
		return err
	}
	switch verdict {
	case dataTooBig:
		metrics.MessagesReceived.WithLabelValues("too_large").Inc()
		s.Log("message from %s rejected: exceeds %d bytes", from, s.server.maxMessageSize)
		return replyTooBig
	case dataLineTooLong:
		metrics.MessagesReceived.WithLabelValues("line_too_long").Inc()
		s.Log("message from %s rejected: line longer than %d bytes", from, maxDataLine)
		return replyLineTooLong
	}

	msg, err := mailstore.ParseMessage(raw)
	if err != nil {
		metrics.MessagesReceived.WithLabelValues("parse_error").Inc()
		s.Log("message from %s could not be parsed: %v", from, err)
		return reply(554, smtp.EnhancedCode{5, 6, 0}, "Transaction failed: message could not be parsed")
	}
	msg.From = from
	msg.To = rcpts
	msg.ReceivedAt = time.Now()

	if err := s.server.store.SaveIncomingMessage(ctx, msg); err != nil {
		metrics.MessagesReceived.WithLabelValues("store_error").Inc()
		s.WarnLog("failed to store message from %s: %v", from, err)
		return reply(451, smtp.EnhancedCode{4, 3, 0}, "Requested action aborted: error in processing")
	}

	metrics.MessagesReceived.WithLabelValues("accepted").Inc()
	metrics.MessageSizeBytes.Observe(float64(len(raw)))

	queueID := s.ID()
	if msg.ID > 0 {
		queueID = strconv.FormatInt(msg.ID, 10)
	}
	s.Log("message accepted from=%s rcpts=%d size=%d id=%s", from, len(rcpts), len(raw), queueID)
	return reply(250, smtp.EnhancedCode{2, 0, 0}, "OK: queued as %s", queueID)
}

type dataVerdict int

const (
	dataOK dataVerdict = iota
	dataTooBig
	dataLineTooLong
)

// readData reads message content up to the lone "." line, undoing dot
// stuffing. Once the message is rejected the rest of it is drained and
// discarded so the session stays in sync. The size limit takes precedence
// over an overlong line in the verdict.
func (s *session) readData() (raw []byte, verdict dataVerdict, err error) {
	var buf []byte
	var size int64
	for {
		line, err := s.Conn.ReadLineLimit(maxDataLine)
		if errors.Is(err, server.ErrLineTooLong) {
			size += maxDataLine
			if size > s.server.maxMessageSize {
				verdict = dataTooBig
			} else if verdict == dataOK {
				verdict = dataLineTooLong
			}
			buf = nil
			continue
		}
		if err != nil {
			return nil, dataOK, err
		}
		if line == "." {
			break
		}
		line = strings.TrimPrefix(line, ".")

		size += int64(len(line)) + 2
		if size > s.server.maxMessageSize {
			verdict = dataTooBig
		}
		if verdict == dataOK {
			buf = append(buf, line...)
			buf = append(buf, '\r', '\n')
		} else {
			buf = nil
		}
	}
	s.Touch()
	return buf, verdict, nil
}

func (s *session) handleRset(ctx context.Context, arg string) error {
	s.resetTransaction()
	return replyOK
}

func (s *session) handleNoop(ctx context.Context, arg string) error {
	return replyOK
}

func (s *session) handleVrfy(ctx context.Context, arg string) error {
	return reply(252, smtp.EnhancedCode{2, 5, 0}, "Cannot VRFY user, but will accept message and attempt delivery")
}

func (s *session) handleHelp(ctx context.Context, arg string) error {
	return reply(214, smtp.EnhancedCode{2, 0, 0}, "Commands: EHLO HELO AUTH STARTTLS MAIL RCPT DATA RSET NOOP VRFY HELP QUIT")
}

func (s *session) handleQuit(ctx context.Context, arg string) error {
	s.setState(stateQuit)
	return reply(221, smtp.EnhancedCode{2, 0, 0}, "%s closing connection", s.server.hostname)
}
