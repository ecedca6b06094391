package imap

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"github.com/migadu/postern/mailstore"
)

type storeMode int

const (
	storeReplace storeMode = iota
	storeAdd
	storeRemove
)

// handleStore runs STORE <set> [+|-]FLAGS[.SILENT] (flags).
func (s *session) handleStore(ctx context.Context, cmd *command) error {
	setArg, err := cmd.args.atom()
	if err != nil {
		return errBad("Syntax: STORE sequence-set item flags")
	}
	set, err := parseSeqSet(setArg)
	if err != nil {
		return errBad("Invalid sequence set: %v", err)
	}
	item, err := cmd.args.atom()
	if err != nil {
		return errBad("Syntax: STORE sequence-set item flags")
	}
	flagToks, err := cmd.args.listOrAtom()
	if err != nil {
		return errBad("Syntax: STORE sequence-set item flags")
	}

	item = strings.ToUpper(item)
	mode := storeReplace
	switch {
	case strings.HasPrefix(item, "+"):
		mode = storeAdd
		item = item[1:]
	case strings.HasPrefix(item, "-"):
		mode = storeRemove
		item = item[1:]
	}
	silent := false
	switch item {
	case "FLAGS":
	case "FLAGS.SILENT":
		silent = true
	default:
		return errBad("Unknown STORE item %s", item)
	}

	var names []string
	for _, t := range flagToks {
		if t.kind != tokenAtom {
			return errBad("Invalid flag %s", t)
		}
		names = append(names, t.value)
	}

	mbox := s.selected
	if mbox.readOnly {
		return errNo("", "Mailbox is read-only")
	}

	var buf bytes.Buffer
	for _, idx := range mbox.resolve(set, cmd.uid) {
		msg := &mbox.messages[idx]
		flags := msg.Flags
		if mode == storeReplace {
			flags = mailstore.Flags{}
		}
		for _, name := range names {
			if !applyFlag(&flags, name, mode != storeRemove) {
				s.DebugLog("ignoring keyword %s", name)
			}
		}

		if flags != msg.Flags {
			if err := s.server.store.UpdateFlags(ctx, msg.ID, flags); err != nil {
				if errors.Is(err, mailstore.ErrMessageNotFound) {
					continue
				}
				return err
			}
			msg.Flags = flags
		}
		if silent {
			continue
		}

		items := []fetchItem{{name: "FLAGS"}}
		if cmd.uid {
			items = []fetchItem{{name: "UID"}, {name: "FLAGS"}}
		}
		buf.Reset()
		writeFetch(&buf, uint32(idx+1), msg, items)
		if _, err := s.Conn.Write(buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}
