package imap

import (
	"context"
)

// handleClose silently expunges a read-write mailbox and deselects it.
func (s *session) handleClose(ctx context.Context, cmd *command) error {
	if !s.selected.readOnly {
		if err := s.expunge(ctx, nil, true); err != nil {
			return err
		}
	}
	s.selected = nil
	s.setState(stateAuthenticated)
	return nil
}
