package imap

import (
	"context"
	"fmt"
	"strings"

	"github.com/migadu/postern/server"
)

func (s *session) handleStatus(ctx context.Context, cmd *command) error {
	name, err := cmd.args.astring()
	if err != nil {
		return errBad("Syntax: STATUS mailbox (items)")
	}
	items, err := cmd.args.listOrAtom()
	if err != nil || len(items) == 0 {
		return errBad("Syntax: STATUS mailbox (items)")
	}

	userID := s.User().ID
	folder, err := s.server.store.GetFolderByName(ctx, userID, name)
	if err != nil {
		return folderError(err)
	}
	messages, err := s.server.store.ListMessagesInFolder(ctx, userID, folder.Name)
	if err != nil {
		return folderError(err)
	}

	parts := make([]string, 0, len(items))
	for _, item := range items {
		switch key := strings.ToUpper(item.value); key {
		case "MESSAGES":
			parts = append(parts, fmt.Sprintf("MESSAGES %d", len(messages)))
		case "RECENT":
			parts = append(parts, fmt.Sprintf("RECENT %d", recentCount(messages)))
		case "UIDNEXT":
			parts = append(parts, fmt.Sprintf("UIDNEXT %d", uidNext(messages)))
		case "UIDVALIDITY":
			parts = append(parts, fmt.Sprintf("UIDVALIDITY %d", folder.ID))
		case "UNSEEN":
			parts = append(parts, fmt.Sprintf("UNSEEN %d", countUnseen(messages)))
		default:
			return errBad("Unknown STATUS item %s", item)
		}
	}
	s.untagged("STATUS %s (%s)", server.QuoteString(folder.Name), strings.Join(parts, " "))
	return nil
}
