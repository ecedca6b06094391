package imap

import (
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/postern/mailstore"
)

// Delimiter is the hierarchy separator for folder names.
const Delimiter = "/"

// systemFlags lists the flags the store can persist.
var systemFlags = []imap.Flag{
	imap.FlagAnswered,
	imap.FlagFlagged,
	imap.FlagDeleted,
	imap.FlagSeen,
	imap.FlagDraft,
}

// selectedMailbox is the folder a session has selected together with the
// message list sequence numbers refer to. The list is a snapshot; it is
// refreshed by NOOP, CHECK and EXPUNGE.
type selectedMailbox struct {
	folder   mailstore.Folder
	readOnly bool
	messages []mailstore.Message
}

func (m *selectedMailbox) name() string {
	return m.folder.Name
}

// count returns the number of messages, which is also the largest
// sequence number.
func (m *selectedMailbox) count() uint32 {
	return uint32(len(m.messages))
}

func (m *selectedMailbox) maxUID() uint32 {
	if len(m.messages) == 0 {
		return 0
	}
	return uint32(m.messages[len(m.messages)-1].ID)
}

// resolve returns the indexes of the messages set selects, in ascending
// order. With uid set, numbers are UIDs.
func (m *selectedMailbox) resolve(set seqSet, uid bool) []int {
	var out []int
	if uid {
		max := m.maxUID()
		for i, msg := range m.messages {
			if set.contains(uint32(msg.ID), max) {
				out = append(out, i)
			}
		}
		return out
	}
	max := m.count()
	for i := range m.messages {
		if set.contains(uint32(i+1), max) {
			out = append(out, i)
		}
	}
	return out
}

func (m *selectedMailbox) firstUnseen() uint32 {
	for i, msg := range m.messages {
		if !msg.Flags.Seen {
			return uint32(i + 1)
		}
	}
	return 0
}

// uidNext is one past the highest UID the folder has handed out. Message
// IDs are allocated by the store in ascending order.
func uidNext(messages []mailstore.Message) uint32 {
	var max int64
	for _, msg := range messages {
		if msg.ID > max {
			max = msg.ID
		}
	}
	return uint32(max) + 1
}

func countUnseen(messages []mailstore.Message) int {
	n := 0
	for _, msg := range messages {
		if !msg.Flags.Seen {
			n++
		}
	}
	return n
}

// recentCount reports messages that have never been seen. The store has no
// per-session \Recent bookkeeping, so unseen messages stand in for it.
func recentCount(messages []mailstore.Message) int {
	return countUnseen(messages)
}

// refresh reloads the snapshot and writes the untagged updates a client
// needs to bring its view in line: EXPUNGE for vanished messages, highest
// sequence number first, then EXISTS when the count changed.
func (s *session) refresh(ctx context.Context) error {
	mbox := s.selected
	if mbox == nil {
		return nil
	}
	current, err := s.server.store.ListMessagesInFolder(ctx, s.User().ID, mbox.name())
	if err != nil {
		return fmt.Errorf("failed to reload %s: %w", mbox.name(), err)
	}

	present := make(map[int64]struct{}, len(current))
	for _, msg := range current {
		present[msg.ID] = struct{}{}
	}
	kept := make([]mailstore.Message, 0, len(mbox.messages))
	for i := len(mbox.messages) - 1; i >= 0; i-- {
		if _, ok := present[mbox.messages[i].ID]; !ok {
			s.untagged("%d EXPUNGE", i+1)
		}
	}
	for _, msg := range mbox.messages {
		if _, ok := present[msg.ID]; ok {
			kept = append(kept, msg)
		}
	}

	if len(current) != len(kept) {
		s.untagged("%d EXISTS", len(current))
	}
	mbox.messages = current
	return nil
}

func flagList(f mailstore.Flags) []imap.Flag {
	var out []imap.Flag
	if f.Seen {
		out = append(out, imap.FlagSeen)
	}
	if f.Answered {
		out = append(out, imap.FlagAnswered)
	}
	if f.Flagged {
		out = append(out, imap.FlagFlagged)
	}
	if f.Deleted {
		out = append(out, imap.FlagDeleted)
	}
	if f.Draft {
		out = append(out, imap.FlagDraft)
	}
	return out
}

func formatFlags(flags []imap.Flag) string {
	parts := make([]string, len(flags))
	for i, f := range flags {
		parts[i] = string(f)
	}
	return "(" + strings.Join(parts, " ") + ")"
}

// applyFlag sets or clears a system flag by name. Keywords the store cannot
// persist are reported as unknown.
func applyFlag(f *mailstore.Flags, name string, value bool) bool {
	switch imap.Flag(canonicalFlag(name)) {
	case imap.FlagSeen:
		f.Seen = value
	case imap.FlagAnswered:
		f.Answered = value
	case imap.FlagFlagged:
		f.Flagged = value
	case imap.FlagDeleted:
		f.Deleted = value
	case imap.FlagDraft:
		f.Draft = value
	default:
		return false
	}
	return true
}

func canonicalFlag(name string) string {
	for _, f := range systemFlags {
		if strings.EqualFold(string(f), name) {
			return string(f)
		}
	}
	return name
}
