package imap

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/migadu/postern/mailstore"
)

// searchDateLayout is the date format of SEARCH date criteria.
const searchDateLayout = "2-Jan-2006"

// candidate is a message under evaluation. The rendered form and header
// are parsed at most once.
type candidate struct {
	seqNum uint32
	msg    *mailstore.Message

	raw    []byte
	header *textproto.Header
}

func (c *candidate) rendered() []byte {
	if c.raw == nil {
		c.raw = c.msg.Render()
	}
	return c.raw
}

func (c *candidate) headerValues(key string) string {
	if c.header == nil {
		h, _, err := readHeader(c.rendered())
		if err != nil {
			h = textproto.Header{}
		}
		c.header = &h
	}
	return strings.Join(c.header.Values(key), " ")
}

func (c *candidate) body() []byte {
	_, body := mailstore.SplitRaw(c.rendered())
	return body
}

type matcher func(c *candidate) bool

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// searchParser turns SEARCH criteria into a matcher. Top-level criteria
// are ANDed.
type searchParser struct {
	args *argReader
	mbox *selectedMailbox
}

func (p *searchParser) parseAll() (matcher, error) {
	var ms []matcher
	for !p.args.done() {
		m, err := p.parseKey()
		if err != nil {
			return nil, err
		}
		ms = append(ms, m)
	}
	return and(ms), nil
}

func and(ms []matcher) matcher {
	return func(c *candidate) bool {
		for _, m := range ms {
			if !m(c) {
				return false
			}
		}
		return true
	}
}

func flagMatcher(get func(mailstore.Flags) bool, want bool) matcher {
	return func(c *candidate) bool { return get(c.msg.Flags) == want }
}

func (p *searchParser) str() (string, error) {
	v, err := p.args.astring()
	if err != nil {
		return "", errMissingArgs
	}
	return v, nil
}

func (p *searchParser) date() (time.Time, error) {
	v, err := p.str()
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(searchDateLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", v)
	}
	return t, nil
}

func (p *searchParser) number() (int64, error) {
	v, err := p.str()
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid number %q", v)
	}
	return n, nil
}

func (p *searchParser) parseKey() (matcher, error) {
	t, err := p.args.next()
	if err != nil {
		return nil, err
	}
	if t.kind == tokenList {
		sub := &searchParser{args: &argReader{toks: t.list}, mbox: p.mbox}
		return sub.parseAll()
	}

	key := strings.ToUpper(t.value)
	if t.kind == tokenAtom && isSeqSet(t.value) {
		set, err := parseSeqSet(t.value)
		if err != nil {
			return nil, err
		}
		max := p.mbox.count()
		return func(c *candidate) bool { return set.contains(c.seqNum, max) }, nil
	}

	switch key {
	case "ALL":
		return func(*candidate) bool { return true }, nil
	case "SEEN":
		return flagMatcher(func(f mailstore.Flags) bool { return f.Seen }, true), nil
	case "UNSEEN", "NEW", "RECENT":
		return flagMatcher(func(f mailstore.Flags) bool { return f.Seen }, false), nil
	case "OLD":
		return flagMatcher(func(f mailstore.Flags) bool { return f.Seen }, true), nil
	case "FLAGGED":
		return flagMatcher(func(f mailstore.Flags) bool { return f.Flagged }, true), nil
	case "UNFLAGGED":
		return flagMatcher(func(f mailstore.Flags) bool { return f.Flagged }, false), nil
	case "DELETED":
		return flagMatcher(func(f mailstore.Flags) bool { return f.Deleted }, true), nil
	case "UNDELETED":
		return flagMatcher(func(f mailstore.Flags) bool { return f.Deleted }, false), nil
	case "ANSWERED":
		return flagMatcher(func(f mailstore.Flags) bool { return f.Answered }, true), nil
	case "UNANSWERED":
		return flagMatcher(func(f mailstore.Flags) bool { return f.Answered }, false), nil
	case "DRAFT":
		return flagMatcher(func(f mailstore.Flags) bool { return f.Draft }, true), nil
	case "UNDRAFT":
		return flagMatcher(func(f mailstore.Flags) bool { return f.Draft }, false), nil

	case "FROM":
		v, err := p.str()
		if err != nil {
			return nil, err
		}
		return func(c *candidate) bool {
			return containsFold(c.headerValues("From"), v) || containsFold(c.msg.From, v)
		}, nil
	case "TO", "CC", "BCC":
		v, err := p.str()
		if err != nil {
			return nil, err
		}
		return func(c *candidate) bool {
			var stored []string
			switch key {
			case "TO":
				stored = c.msg.To
			case "CC":
				stored = c.msg.Cc
			case "BCC":
				stored = c.msg.Bcc
			}
			return containsFold(c.headerValues(key), v) || containsFold(strings.Join(stored, " "), v)
		}, nil
	case "SUBJECT":
		v, err := p.str()
		if err != nil {
			return nil, err
		}
		return func(c *candidate) bool {
			return containsFold(c.headerValues("Subject"), v) || containsFold(c.msg.Subject, v)
		}, nil
	case "HEADER":
		field, err := p.str()
		if err != nil {
			return nil, err
		}
		v, err := p.str()
		if err != nil {
			return nil, err
		}
		return func(c *candidate) bool {
			values := c.headerValues(field)
			return values != "" && containsFold(values, v)
		}, nil
	case "BODY":
		v, err := p.str()
		if err != nil {
			return nil, err
		}
		return func(c *candidate) bool {
			return containsFold(c.msg.BodyText, v) || bytes.Contains(bytes.ToLower(c.body()), []byte(strings.ToLower(v)))
		}, nil
	case "TEXT":
		v, err := p.str()
		if err != nil {
			return nil, err
		}
		return func(c *candidate) bool {
			return containsFold(c.msg.BodyText, v) || bytes.Contains(bytes.ToLower(c.rendered()), []byte(strings.ToLower(v)))
		}, nil

	case "LARGER", "SMALLER":
		n, err := p.number()
		if err != nil {
			return nil, err
		}
		larger := key == "LARGER"
		return func(c *candidate) bool {
			size := int64(len(c.rendered()))
			if larger {
				return size > n
			}
			return size < n
		}, nil

	case "BEFORE", "ON", "SINCE", "SENTBEFORE", "SENTON", "SENTSINCE":
		day, err := p.date()
		if err != nil {
			return nil, err
		}
		sent := strings.HasPrefix(key, "SENT")
		cmp := strings.TrimPrefix(key, "SENT")
		return func(c *candidate) bool {
			t := internalDate(c.msg)
			if sent && !c.msg.SentAt.IsZero() {
				t = c.msg.SentAt
			}
			d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			switch cmp {
			case "BEFORE":
				return d.Before(day)
			case "ON":
				return d.Equal(day)
			default:
				return !d.Before(day)
			}
		}, nil

	case "UID":
		v, err := p.str()
		if err != nil {
			return nil, err
		}
		set, err := parseSeqSet(v)
		if err != nil {
			return nil, err
		}
		max := p.mbox.maxUID()
		return func(c *candidate) bool { return set.contains(uint32(c.msg.ID), max) }, nil

	case "NOT":
		m, err := p.parseKey()
		if err != nil {
			return nil, err
		}
		return func(c *candidate) bool { return !m(c) }, nil
	case "OR":
		a, err := p.parseKey()
		if err != nil {
			return nil, err
		}
		b, err := p.parseKey()
		if err != nil {
			return nil, err
		}
		return func(c *candidate) bool { return a(c) || b(c) }, nil
	}
	return nil, fmt.Errorf("unknown search key %s", t.value)
}

func (s *session) handleSearch(ctx context.Context, cmd *command) error {
	// Only US-ASCII and UTF-8 are understood; both match byte-wise.
	if !cmd.args.done() && strings.EqualFold(cmd.args.toks[cmd.args.pos].value, "CHARSET") {
		cmd.args.pos++
		charset, err := cmd.args.astring()
		if err != nil {
			return errBad("Syntax: SEARCH [CHARSET charset] criteria")
		}
		if !strings.EqualFold(charset, "UTF-8") && !strings.EqualFold(charset, "US-ASCII") {
			return errNo("BADCHARSET (US-ASCII UTF-8)", "Unsupported charset")
		}
	}
	if cmd.args.done() {
		return errBad("Missing search criteria")
	}

	p := &searchParser{args: cmd.args, mbox: s.selected}
	match, err := p.parseAll()
	if err != nil {
		return errBad("Invalid search criteria: %v", err)
	}

	var b strings.Builder
	b.WriteString("SEARCH")
	for i := range s.selected.messages {
		msg := &s.selected.messages[i]
		if !match(&candidate{seqNum: uint32(i + 1), msg: msg}) {
			continue
		}
		if cmd.uid {
			fmt.Fprintf(&b, " %d", msg.ID)
		} else {
			fmt.Fprintf(&b, " %d", i+1)
		}
	}
	s.untagged("%s", b.String())
	return nil
}
