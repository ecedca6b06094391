package imap

import (
	"context"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/postern/mailstore"
)

func (s *session) handleDelete(ctx context.Context, cmd *command) error {
	name, err := cmd.args.astring()
	if err != nil {
		return errBad("Syntax: DELETE mailbox")
	}
	name = mailstore.CanonicalFolderName(name)
	if name == mailstore.InboxName {
		return errNo(imap.ResponseCodeCannot, "Cannot delete INBOX")
	}

	if err := s.server.store.DeleteFolder(ctx, s.User().ID, name); err != nil {
		return folderError(err)
	}
	if s.selected != nil && s.selected.name() == name {
		s.selected = nil
		s.setState(stateAuthenticated)
	}
	s.DebugLog("deleted mailbox %s", name)
	return nil
}
