package imap

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/postern/mailstore"
)

func (s *session) handleCopy(ctx context.Context, cmd *command) error {
	setArg, err := cmd.args.atom()
	if err != nil {
		return errBad("Syntax: COPY sequence-set mailbox")
	}
	set, err := parseSeqSet(setArg)
	if err != nil {
		return errBad("Invalid sequence set: %v", err)
	}
	dest, err := cmd.args.astring()
	if err != nil {
		return errBad("Syntax: COPY sequence-set mailbox")
	}

	userID := s.User().ID
	folder, err := s.server.store.GetFolderByName(ctx, userID, dest)
	if errors.Is(err, mailstore.ErrFolderNotFound) {
		return errNo(imap.ResponseCodeTryCreate, "Mailbox does not exist")
	} else if err != nil {
		return err
	}

	mbox := s.selected
	var srcUIDs, dstUIDs []int64
	for _, idx := range mbox.resolve(set, cmd.uid) {
		msg := mbox.messages[idx]
		newID, err := s.server.store.CopyMessage(ctx, msg.ID, userID, folder.Name)
		if err != nil {
			if errors.Is(err, mailstore.ErrMessageNotFound) {
				continue
			}
			return fmt.Errorf("failed to copy message %d: %w", msg.ID, err)
		}
		srcUIDs = append(srcUIDs, msg.ID)
		dstUIDs = append(dstUIDs, newID)
	}

	if len(srcUIDs) > 0 {
		cmd.okCode = imap.ResponseCode(fmt.Sprintf("COPYUID %d %s %s", folder.ID, formatUIDSet(srcUIDs), formatUIDSet(dstUIDs)))
	}
	s.DebugLog("copied %d messages to %s", len(srcUIDs), folder.Name)
	return nil
}

// formatUIDSet renders UIDs in the given order, collapsing ascending runs
// into ranges.
func formatUIDSet(uids []int64) string {
	var parts []string
	for i := 0; i < len(uids); {
		j := i
		for j+1 < len(uids) && uids[j+1] == uids[j]+1 {
			j++
		}
		if j == i {
			parts = append(parts, strconv.FormatInt(uids[i], 10))
		} else {
			parts = append(parts, fmt.Sprintf("%d:%d", uids[i], uids[j]))
		}
		i = j + 1
	}
	return strings.Join(parts, ",")
}
