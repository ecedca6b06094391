package imap

import (
	"context"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/postern/mailstore"
)

func (s *session) handleCreate(ctx context.Context, cmd *command) error {
	name, err := cmd.args.astring()
	if err != nil {
		return errBad("Syntax: CREATE mailbox")
	}
	name = strings.TrimSuffix(name, Delimiter)
	if name == "" {
		return errBad("Invalid mailbox name")
	}
	if mailstore.CanonicalFolderName(name) == mailstore.InboxName {
		return errNo(imap.ResponseCodeAlreadyExists, "Mailbox already exists")
	}

	if err := s.server.store.CreateFolder(ctx, s.User().ID, name); err != nil {
		return folderError(err)
	}
	s.DebugLog("created mailbox %s", name)
	return nil
}
