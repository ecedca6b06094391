package imap

import (
	"context"
	"errors"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/postern/mailstore"
)

// handleSelect serves SELECT and EXAMINE.
func (s *session) handleSelect(ctx context.Context, cmd *command) error {
	name, err := cmd.args.astring()
	if err != nil {
		return errBad("Syntax: %s mailbox", cmd.name)
	}
	readOnly := cmd.name == "EXAMINE"

	// A failed lookup keeps the current state and selection.
	userID := s.User().ID
	folder, err := s.server.store.GetFolderByName(ctx, userID, name)
	if err != nil {
		return folderError(err)
	}
	messages, err := s.server.store.ListMessagesInFolder(ctx, userID, folder.Name)
	if err != nil {
		return folderError(err)
	}

	mbox := &selectedMailbox{folder: *folder, readOnly: readOnly, messages: messages}
	s.untagged("%d EXISTS", len(messages))
	s.untagged("%d RECENT", recentCount(messages))
	if first := mbox.firstUnseen(); first > 0 {
		s.untagged("OK [UNSEEN %d] Message %d is first unseen", first, first)
	}
	s.untagged("OK [UIDVALIDITY %d] UIDs valid", folder.ID)
	s.untagged("OK [UIDNEXT %d] Predicted next UID", uidNext(messages))
	s.untagged("FLAGS %s", formatFlags(systemFlags))
	if readOnly {
		s.untagged("OK [PERMANENTFLAGS ()] No permanent flags permitted")
	} else {
		s.untagged("OK [PERMANENTFLAGS %s] Limited", formatFlags(systemFlags))
	}

	s.selected = mbox
	s.setState(stateSelected)
	if readOnly {
		cmd.okCode = imap.ResponseCode("READ-ONLY")
	} else {
		cmd.okCode = imap.ResponseCode("READ-WRITE")
	}
	s.DebugLog("selected %s (%d messages)", folder.Name, len(messages))
	return nil
}

// folderError maps store errors for folder operations to NO responses.
// Other errors are returned unchanged.
func folderError(err error) error {
	switch {
	case errors.Is(err, mailstore.ErrFolderNotFound):
		return errNo(imap.ResponseCodeNonExistent, "Mailbox does not exist")
	case errors.Is(err, mailstore.ErrFolderExists):
		return errNo(imap.ResponseCodeAlreadyExists, "Mailbox already exists")
	case errors.Is(err, mailstore.ErrProtectedFolder):
		return errNo(imap.ResponseCodeCannot, "Mailbox cannot be modified")
	}
	return err
}
