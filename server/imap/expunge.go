package imap

import (
	"context"
	"errors"
	"fmt"

	"github.com/migadu/postern/mailstore"
)

// handleExpunge serves EXPUNGE and UID EXPUNGE <set>.
func (s *session) handleExpunge(ctx context.Context, cmd *command) error {
	var uidSet seqSet
	if cmd.uid {
		setArg, err := cmd.args.atom()
		if err != nil {
			return errBad("Syntax: UID EXPUNGE sequence-set")
		}
		if uidSet, err = parseSeqSet(setArg); err != nil {
			return errBad("Invalid sequence set: %v", err)
		}
	}
	if s.selected.readOnly {
		return errNo("", "Mailbox is read-only")
	}

	if err := s.expunge(ctx, uidSet, false); err != nil {
		return err
	}
	return s.refresh(ctx)
}

// expunge deletes messages flagged \Deleted, limited to uidSet when it is
// not nil. Unless silent, each removal is reported with its sequence number
// at the time it is sent, walking from the highest number down so earlier
// notices do not renumber later ones.
func (s *session) expunge(ctx context.Context, uidSet seqSet, silent bool) error {
	mbox := s.selected
	maxUID := mbox.maxUID()
	removed := 0
	for i := len(mbox.messages) - 1; i >= 0; i-- {
		msg := mbox.messages[i]
		if !msg.Flags.Deleted {
			continue
		}
		if uidSet != nil && !uidSet.contains(uint32(msg.ID), maxUID) {
			continue
		}
		if err := s.server.store.DeleteMessage(ctx, msg.ID); err != nil && !errors.Is(err, mailstore.ErrMessageNotFound) {
			return fmt.Errorf("failed to delete message %d: %w", msg.ID, err)
		}
		mbox.messages = append(mbox.messages[:i], mbox.messages[i+1:]...)
		removed++
		if !silent {
			s.untagged("%d EXPUNGE", i+1)
		}
	}
	if removed > 0 {
		s.DebugLog("expunged %d messages from %s", removed, mbox.name())
	}
	return nil
}
