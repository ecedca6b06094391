package imap

import (
	"context"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/postern/mailstore"
)

func (s *session) handleRename(ctx context.Context, cmd *command) error {
	oldName, err := cmd.args.astring()
	if err != nil {
		return errBad("Syntax: RENAME existing new")
	}
	newName, err := cmd.args.astring()
	if err != nil {
		return errBad("Syntax: RENAME existing new")
	}
	oldName = mailstore.CanonicalFolderName(oldName)
	newName = strings.TrimSuffix(newName, Delimiter)
	if newName == "" {
		return errBad("Invalid mailbox name")
	}
	if mailstore.CanonicalFolderName(newName) == mailstore.InboxName {
		return errNo(imap.ResponseCodeAlreadyExists, "Mailbox already exists")
	}

	if err := s.server.store.RenameFolder(ctx, s.User().ID, oldName, newName); err != nil {
		return folderError(err)
	}
	if s.selected != nil && s.selected.name() == oldName {
		s.selected.folder.Name = newName
	}
	s.DebugLog("renamed mailbox %s to %s", oldName, newName)
	return nil
}
