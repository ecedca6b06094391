package imap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/migadu/postern/mailstore"
)

// internalDateLayout is the INTERNALDATE date-time format.
const internalDateLayout = "02-Jan-2006 15:04:05 -0700"

type fetchItem struct {
	name    string
	section *bodySection
}

// marksSeen reports whether fetching the item sets \Seen.
func (it fetchItem) marksSeen() bool {
	switch it.name {
	case "RFC822", "RFC822.TEXT":
		return true
	case "BODY[]":
		return !it.section.peek
	}
	return false
}

var fetchMacros = map[string][]string{
	"ALL":  {"FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE"},
	"FAST": {"FLAGS", "INTERNALDATE", "RFC822.SIZE"},
	"FULL": {"FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE", "BODY"},
}

var simpleFetchItems = map[string]bool{
	"UID":           true,
	"FLAGS":         true,
	"INTERNALDATE":  true,
	"ENVELOPE":      true,
	"RFC822.SIZE":   true,
	"RFC822":        true,
	"RFC822.HEADER": true,
	"RFC822.TEXT":   true,
	"BODY":          true,
	"BODYSTRUCTURE": true,
}

// parseFetchItems parses the item list of FETCH. UID FETCH always returns
// the UID first.
func parseFetchItems(toks []token, uid bool) ([]fetchItem, error) {
	if len(toks) == 1 && toks[0].kind == tokenAtom {
		if names, ok := fetchMacros[strings.ToUpper(toks[0].value)]; ok {
			toks = make([]token, len(names))
			for i, n := range names {
				toks[i] = token{kind: tokenAtom, value: n}
			}
		}
	}
	if len(toks) == 0 {
		return nil, errors.New("no fetch items")
	}

	var items []fetchItem
	if uid {
		items = append(items, fetchItem{name: "UID"})
	}
	for _, t := range toks {
		if t.kind != tokenAtom {
			return nil, fmt.Errorf("invalid fetch item %s", t)
		}
		upper := strings.ToUpper(t.value)
		if strings.HasPrefix(upper, "BODY[") || strings.HasPrefix(upper, "BODY.PEEK[") {
			sec, err := parseBodySection(t.value)
			if err != nil {
				return nil, err
			}
			items = append(items, fetchItem{name: "BODY[]", section: sec})
			continue
		}
		if !simpleFetchItems[upper] {
			return nil, fmt.Errorf("unknown fetch item %s", t.value)
		}
		if upper == "UID" && uid {
			continue
		}
		items = append(items, fetchItem{name: upper})
	}
	return items, nil
}

func (s *session) handleFetch(ctx context.Context, cmd *command) error {
	setArg, err := cmd.args.atom()
	if err != nil {
		return errBad("Syntax: FETCH sequence-set items")
	}
	set, err := parseSeqSet(setArg)
	if err != nil {
		return errBad("Invalid sequence set: %v", err)
	}
	toks, err := cmd.args.listOrAtom()
	if err != nil {
		return errBad("Syntax: FETCH sequence-set items")
	}
	items, err := parseFetchItems(toks, cmd.uid)
	if err != nil {
		return errBad("%v", err)
	}

	mbox := s.selected
	markSeen := false
	hasFlags := false
	for _, it := range items {
		markSeen = markSeen || it.marksSeen()
		hasFlags = hasFlags || it.name == "FLAGS"
	}
	markSeen = markSeen && !mbox.readOnly

	var buf bytes.Buffer
	for _, idx := range mbox.resolve(set, cmd.uid) {
		msg := &mbox.messages[idx]
		msgItems := items
		if markSeen && !msg.Flags.Seen {
			flags := msg.Flags
			flags.Seen = true
			if err := s.server.store.UpdateFlags(ctx, msg.ID, flags); err != nil && !errors.Is(err, mailstore.ErrMessageNotFound) {
				return err
			}
			msg.Flags = flags
			if !hasFlags {
				msgItems = append(msgItems[:len(msgItems):len(msgItems)], fetchItem{name: "FLAGS"})
			}
		}

		buf.Reset()
		writeFetch(&buf, uint32(idx+1), msg, msgItems)
		if _, err := s.Conn.Write(buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// writeFetch renders one untagged FETCH response including its CRLF.
func writeFetch(buf *bytes.Buffer, seqNum uint32, msg *mailstore.Message, items []fetchItem) {
	var raw []byte
	rendered := func() []byte {
		if raw == nil {
			raw = msg.Render()
		}
		return raw
	}

	fmt.Fprintf(buf, "* %d FETCH (", seqNum)
	for i, it := range items {
		if i > 0 {
			buf.WriteByte(' ')
		}
		switch it.name {
		case "UID":
			fmt.Fprintf(buf, "UID %d", msg.ID)
		case "FLAGS":
			fmt.Fprintf(buf, "FLAGS %s", formatFlags(flagList(msg.Flags)))
		case "INTERNALDATE":
			fmt.Fprintf(buf, "INTERNALDATE \"%s\"", internalDate(msg).Format(internalDateLayout))
		case "RFC822.SIZE":
			fmt.Fprintf(buf, "RFC822.SIZE %d", len(rendered()))
		case "ENVELOPE":
			buf.WriteString("ENVELOPE ")
			writeEnvelope(buf, rendered())
		case "BODY", "BODYSTRUCTURE":
			buf.WriteString(it.name)
			buf.WriteByte(' ')
			writeBodyStructure(buf, rendered())
		case "RFC822":
			buf.WriteString("RFC822 ")
			writeLiteral(buf, rendered())
		case "RFC822.HEADER":
			buf.WriteString("RFC822.HEADER ")
			writeLiteral(buf, extractSection(rendered(), &bodySection{specifier: "HEADER"}))
		case "RFC822.TEXT":
			buf.WriteString("RFC822.TEXT ")
			writeLiteral(buf, extractSection(rendered(), &bodySection{specifier: "TEXT"}))
		case "BODY[]":
			buf.WriteString(it.section.responseLabel())
			buf.WriteByte(' ')
			writeLiteral(buf, extractSection(rendered(), it.section))
		}
	}
	buf.WriteString(")\r\n")
}

func internalDate(msg *mailstore.Message) time.Time {
	if !msg.ReceivedAt.IsZero() {
		return msg.ReceivedAt
	}
	if !msg.SentAt.IsZero() {
		return msg.SentAt
	}
	return time.Now()
}

func writeLiteral(buf *bytes.Buffer, data []byte) {
	buf.WriteString("{")
	buf.WriteString(strconv.Itoa(len(data)))
	buf.WriteString("}\r\n")
	buf.Write(data)
}
