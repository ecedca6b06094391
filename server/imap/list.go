package imap

import (
	"context"
	"sort"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/postern/mailstore"
	"github.com/migadu/postern/server"
)

// handleList serves LIST and LSUB.
func (s *session) handleList(ctx context.Context, cmd *command) error {
	ref, err := cmd.args.astring()
	if err != nil {
		return errBad("Syntax: %s reference pattern", cmd.name)
	}
	pattern, err := cmd.args.astring()
	if err != nil {
		return errBad("Syntax: %s reference pattern", cmd.name)
	}

	if pattern == "" {
		s.untagged(`%s (\Noselect) %s ""`, cmd.name, server.QuoteString(Delimiter))
		return nil
	}
	if ref != "" && !strings.HasSuffix(ref, Delimiter) && !strings.HasPrefix(pattern, Delimiter) {
		ref += Delimiter
	}
	pattern = ref + pattern

	folders, err := s.server.store.ListFoldersForUser(ctx, s.User().ID)
	if err != nil {
		return err
	}
	sort.Slice(folders, func(i, j int) bool { return folders[i].Name < folders[j].Name })

	lsub := cmd.name == "LSUB"
	for _, f := range folders {
		if lsub && !f.Subscribed {
			continue
		}
		if !matchFolder(pattern, f.Name) {
			continue
		}
		s.untagged("%s %s %s %s", cmd.name, formatAttrs(folderAttrs(f, folders)), server.QuoteString(Delimiter), server.QuoteString(f.Name))
	}
	return nil
}

func folderAttrs(f mailstore.Folder, all []mailstore.Folder) []imap.MailboxAttr {
	attrs := []imap.MailboxAttr{imap.MailboxAttrHasNoChildren}
	prefix := f.Name + Delimiter
	for _, other := range all {
		if strings.HasPrefix(other.Name, prefix) {
			attrs[0] = imap.MailboxAttrHasChildren
			break
		}
	}
	switch f.Type {
	case mailstore.FolderTypeSent:
		attrs = append(attrs, imap.MailboxAttrSent)
	case mailstore.FolderTypeDrafts:
		attrs = append(attrs, imap.MailboxAttrDrafts)
	case mailstore.FolderTypeTrash:
		attrs = append(attrs, imap.MailboxAttrTrash)
	}
	return attrs
}

func formatAttrs(attrs []imap.MailboxAttr) string {
	parts := make([]string, len(attrs))
	for i, a := range attrs {
		parts[i] = string(a)
	}
	return "(" + strings.Join(parts, " ") + ")"
}

// matchFolder matches a LIST pattern against a folder name. INBOX matches
// case-insensitively.
func matchFolder(pattern, name string) bool {
	if matchPattern(pattern, name) {
		return true
	}
	return name == mailstore.InboxName && matchPattern(strings.ToUpper(pattern), name)
}

// matchPattern implements LIST wildcards: "*" matches anything and "%"
// matches anything but the hierarchy delimiter.
func matchPattern(pattern, name string) bool {
	for pattern != "" {
		switch pattern[0] {
		case '*':
			for i := 0; i <= len(name); i++ {
				if matchPattern(pattern[1:], name[i:]) {
					return true
				}
			}
			return false
		case '%':
			for i := 0; i <= len(name); i++ {
				if matchPattern(pattern[1:], name[i:]) {
					return true
				}
				if i < len(name) && name[i] == Delimiter[0] {
					break
				}
			}
			return false
		default:
			if name == "" || name[0] != pattern[0] {
				return false
			}
			pattern, name = pattern[1:], name[1:]
		}
	}
	return name == ""
}
