package imap

import (
	"context"
)

// handleSubscribe serves SUBSCRIBE and UNSUBSCRIBE.
func (s *session) handleSubscribe(ctx context.Context, cmd *command) error {
	name, err := cmd.args.astring()
	if err != nil {
		return errBad("Syntax: %s mailbox", cmd.name)
	}
	subscribe := cmd.name == "SUBSCRIBE"
	if err := s.server.store.SetSubscribed(ctx, s.User().ID, name, subscribe); err != nil {
		return folderError(err)
	}
	return nil
}
