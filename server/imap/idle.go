package imap

import (
	"context"
	"errors"
	"strings"

	"github.com/migadu/postern/server"
)

// handleIdle holds the session until the client sends DONE. Mailbox
// changes are not pushed while idling; the client sees them on its next
// NOOP or SELECT.
func (s *session) handleIdle(ctx context.Context, cmd *command) error {
	if !s.server.enableIdle {
		return errBad("IDLE is not enabled")
	}
	if err := s.Conn.WriteLine("+ idling"); err != nil {
		return err
	}
	s.DebugLog("idling")

	for {
		line, err := s.Conn.ReadLine()
		if err != nil {
			if errors.Is(err, server.ErrLineTooLong) {
				continue
			}
			if server.IsTimeout(err) {
				s.readFailed(err)
				return errCloseSession
			}
			return err
		}
		s.Touch()
		if strings.EqualFold(strings.TrimSpace(line), "DONE") {
			break
		}
	}

	cmd.okText = "IDLE terminated"
	return nil
}
