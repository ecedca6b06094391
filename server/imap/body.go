package imap

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/migadu/postern/server"
)

// bodySection is a parsed BODY[...] or BODY.PEEK[...] fetch item.
type bodySection struct {
	peek      bool
	path      []int
	specifier string // "", HEADER, HEADER.FIELDS, HEADER.FIELDS.NOT, TEXT or MIME
	fields    []string
	partial   *sectionPartial
	label     string
}

type sectionPartial struct {
	offset, size int64
}

func parseBodySection(v string) (*bodySection, error) {
	upper := strings.ToUpper(v)
	sec := &bodySection{peek: strings.HasPrefix(upper, "BODY.PEEK[")}

	open := strings.IndexByte(v, '[')
	end := strings.LastIndexByte(v, ']')
	if open < 0 || end < open {
		return nil, fmt.Errorf("invalid body section %s", v)
	}
	inner := v[open+1 : end]
	sec.label = inner

	if tail := v[end+1:]; tail != "" {
		p, err := parsePartial(tail)
		if err != nil {
			return nil, err
		}
		sec.partial = p
	}

	rest := inner
	for rest != "" {
		num, after, _ := strings.Cut(rest, ".")
		n, err := strconv.Atoi(num)
		if err != nil {
			break
		}
		if n <= 0 {
			return nil, fmt.Errorf("invalid part number in %s", v)
		}
		sec.path = append(sec.path, n)
		rest = after
	}

	specifier, fieldList, _ := strings.Cut(rest, " ")
	sec.specifier = strings.ToUpper(specifier)
	switch sec.specifier {
	case "", "HEADER", "TEXT":
		if fieldList != "" {
			return nil, fmt.Errorf("invalid body section %s", v)
		}
	case "MIME":
		if len(sec.path) == 0 {
			return nil, fmt.Errorf("MIME requires a part number")
		}
	case "HEADER.FIELDS", "HEADER.FIELDS.NOT":
		toks, err := parseArgs(fieldList)
		if err != nil || len(toks) != 1 || toks[0].kind != tokenList || len(toks[0].list) == 0 {
			return nil, fmt.Errorf("invalid header field list in %s", v)
		}
		for _, t := range toks[0].list {
			sec.fields = append(sec.fields, t.value)
		}
	default:
		return nil, fmt.Errorf("invalid body section %s", v)
	}
	return sec, nil
}

// parsePartial parses "<offset.size>".
func parsePartial(v string) (*sectionPartial, error) {
	if !strings.HasPrefix(v, "<") || !strings.HasSuffix(v, ">") {
		return nil, fmt.Errorf("invalid partial %s", v)
	}
	offset, size, ok := strings.Cut(v[1:len(v)-1], ".")
	if !ok {
		return nil, fmt.Errorf("invalid partial %s", v)
	}
	o, err := strconv.ParseInt(offset, 10, 64)
	if err != nil || o < 0 {
		return nil, fmt.Errorf("invalid partial offset %s", v)
	}
	n, err := strconv.ParseInt(size, 10, 64)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("invalid partial size %s", v)
	}
	return &sectionPartial{offset: o, size: n}, nil
}

// responseLabel is the item name echoed in the FETCH response. PEEK is
// never echoed and a partial fetch reports only its origin.
func (sec *bodySection) responseLabel() string {
	label := "BODY[" + sec.label + "]"
	if sec.partial != nil {
		label += fmt.Sprintf("<%d>", sec.partial.offset)
	}
	return label
}

func contentType(h textproto.Header) (string, map[string]string) {
	mh := message.Header{Header: h}
	mediaType, params, err := mh.ContentType()
	if err != nil || mediaType == "" {
		return "text/plain", map[string]string{"charset": "us-ascii"}
	}
	return mediaType, params
}

// openMessagePart descends into an embedded message/rfc822 part.
func openMessagePart(header textproto.Header, body io.Reader, parentMediaType string) (textproto.Header, io.Reader) {
	mediaType, _ := contentType(header)
	if !header.Has("Content-Type") && parentMediaType == "multipart/digest" {
		mediaType = "message/rfc822"
	}
	if mediaType == "message/rfc822" || mediaType == "message/global" {
		br := bufio.NewReader(body)
		h, _ := textproto.ReadHeader(br)
		return h, br
	}
	return header, body
}

// extractSection returns the bytes a body section addresses, or nil when
// the section does not exist.
func extractSection(raw []byte, sec *bodySection) []byte {
	br := bufio.NewReader(bytes.NewReader(raw))
	header, err := textproto.ReadHeader(br)
	if err != nil {
		return nil
	}
	var body io.Reader = br

	// Part 1 of a single-part message is the message body itself.
	path := sec.path
	if mediaType, _ := contentType(header); !strings.HasPrefix(mediaType, "multipart/") && len(path) > 0 && path[0] == 1 {
		path = path[1:]
	}

	var parentMediaType string
	for _, num := range path {
		header, body = openMessagePart(header, body, parentMediaType)

		mediaType, params := contentType(header)
		if !strings.HasPrefix(mediaType, "multipart/") {
			if num != 1 {
				return nil
			}
			continue
		}

		mr := textproto.NewMultipartReader(body, params["boundary"])
		found := false
		for j := 1; j <= num; j++ {
			p, err := mr.NextPart()
			if err != nil {
				return nil
			}
			if j == num {
				parentMediaType = mediaType
				header = p.Header
				body = p
				found = true
			}
		}
		if !found {
			return nil
		}
	}

	if len(sec.path) > 0 {
		switch sec.specifier {
		case "HEADER", "HEADER.FIELDS", "HEADER.FIELDS.NOT", "TEXT":
			header, body = openMessagePart(header, body, parentMediaType)
		}
	}

	switch sec.specifier {
	case "HEADER.FIELDS":
		keep := make(map[string]struct{}, len(sec.fields))
		for _, k := range sec.fields {
			keep[strings.ToLower(k)] = struct{}{}
		}
		for field := header.Fields(); field.Next(); {
			if _, ok := keep[strings.ToLower(field.Key())]; !ok {
				field.Del()
			}
		}
	case "HEADER.FIELDS.NOT":
		for _, k := range sec.fields {
			header.Del(k)
		}
	}

	var buf bytes.Buffer
	writeHeader := true
	switch sec.specifier {
	case "":
		writeHeader = len(sec.path) == 0
	case "TEXT":
		writeHeader = false
	}
	if writeHeader {
		if err := textproto.WriteHeader(&buf, header); err != nil {
			return nil
		}
	}
	switch sec.specifier {
	case "", "TEXT":
		if _, err := io.Copy(&buf, body); err != nil {
			return nil
		}
	}

	b := buf.Bytes()
	if p := sec.partial; p != nil {
		if p.offset >= int64(len(b)) {
			return []byte{}
		}
		end := p.offset + p.size
		if end > int64(len(b)) {
			end = int64(len(b))
		}
		b = b[p.offset:end]
	}
	return b
}

var unfolder = strings.NewReplacer("\r\n", "", "\n", "", "\r", "")

func writeNString(buf *bytes.Buffer, s string) {
	s = unfolder.Replace(s)
	if s == "" {
		buf.WriteString("NIL")
		return
	}
	buf.WriteString(server.QuoteString(s))
}

func readHeader(raw []byte) (textproto.Header, io.Reader, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	return h, br, err
}

// writeEnvelope renders the ENVELOPE structure of a message.
func writeEnvelope(buf *bytes.Buffer, raw []byte) {
	h, _, err := readHeader(raw)
	if err != nil {
		buf.WriteString("(NIL NIL NIL NIL NIL NIL NIL NIL NIL NIL)")
		return
	}

	from := h.Get("From")
	sender := h.Get("Sender")
	if sender == "" {
		sender = from
	}
	replyTo := h.Get("Reply-To")
	if replyTo == "" {
		replyTo = from
	}

	buf.WriteByte('(')
	writeNString(buf, h.Get("Date"))
	buf.WriteByte(' ')
	writeNString(buf, h.Get("Subject"))
	for _, v := range []string{from, sender, replyTo, h.Get("To"), h.Get("Cc"), h.Get("Bcc")} {
		buf.WriteByte(' ')
		writeAddressList(buf, v)
	}
	buf.WriteByte(' ')
	writeNString(buf, h.Get("In-Reply-To"))
	buf.WriteByte(' ')
	writeNString(buf, h.Get("Message-Id"))
	buf.WriteByte(')')
}

func writeAddressList(buf *bytes.Buffer, value string) {
	if value == "" {
		buf.WriteString("NIL")
		return
	}
	addrs, _ := mail.ParseAddressList(value)
	n := 0
	for _, addr := range addrs {
		mailbox, host, ok := strings.Cut(addr.Address, "@")
		if !ok {
			continue
		}
		if n == 0 {
			buf.WriteByte('(')
		}
		n++
		buf.WriteByte('(')
		writeNString(buf, mime.QEncoding.Encode("utf-8", addr.Name))
		buf.WriteString(" NIL ")
		writeNString(buf, mailbox)
		buf.WriteByte(' ')
		writeNString(buf, host)
		buf.WriteByte(')')
	}
	if n == 0 {
		buf.WriteString("NIL")
		return
	}
	buf.WriteByte(')')
}

// writeBodyStructure renders the non-extensible BODY structure, which is
// also what BODYSTRUCTURE returns.
func writeBodyStructure(buf *bytes.Buffer, raw []byte) {
	h, body, err := readHeader(raw)
	if err != nil {
		fmt.Fprintf(buf, `("TEXT" "PLAIN" ("CHARSET" "us-ascii") NIL NIL "7BIT" %d %d)`, len(raw), bytes.Count(raw, []byte("\n")))
		return
	}
	writeBodyPart(buf, h, body)
}

func writeBodyPart(buf *bytes.Buffer, h textproto.Header, body io.Reader) {
	mediaType, params := contentType(h)
	typ, sub, _ := strings.Cut(mediaType, "/")

	buf.WriteByte('(')
	if typ == "multipart" {
		mr := textproto.NewMultipartReader(body, params["boundary"])
		children := 0
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			writeBodyPart(buf, part.Header, part)
			children++
		}
		if children == 0 {
			buf.WriteString(`("TEXT" "PLAIN" ("CHARSET" "us-ascii") NIL NIL "7BIT" 0 0)`)
		}
		buf.WriteByte(' ')
		buf.WriteString(server.QuoteString(strings.ToUpper(sub)))
		buf.WriteByte(')')
		return
	}

	data, _ := io.ReadAll(body)
	encoding := strings.ToUpper(strings.TrimSpace(h.Get("Content-Transfer-Encoding")))
	if encoding == "" {
		encoding = "7BIT"
	}
	fmt.Fprintf(buf, "%s %s ", server.QuoteString(strings.ToUpper(typ)), server.QuoteString(strings.ToUpper(sub)))
	writeParams(buf, params)
	buf.WriteByte(' ')
	writeNString(buf, h.Get("Content-Id"))
	buf.WriteByte(' ')
	writeNString(buf, h.Get("Content-Description"))
	fmt.Fprintf(buf, " %s %d", server.QuoteString(encoding), len(data))

	lines := bytes.Count(data, []byte("\n"))
	switch {
	case mediaType == "message/rfc822" || mediaType == "message/global":
		buf.WriteByte(' ')
		writeEnvelope(buf, data)
		buf.WriteByte(' ')
		writeBodyStructure(buf, data)
		fmt.Fprintf(buf, " %d", lines)
	case typ == "text":
		fmt.Fprintf(buf, " %d", lines)
	}
	buf.WriteByte(')')
}

func writeParams(buf *bytes.Buffer, params map[string]string) {
	if len(params) == 0 {
		buf.WriteString("NIL")
		return
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('(')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(' ')
		}
		fmt.Fprintf(buf, "%s %s", server.QuoteString(strings.ToUpper(k)), server.QuoteString(params[k]))
	}
	buf.WriteByte(')')
}
