package mailstore

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"
	"github.com/migadu/postern/logger"
)

// maxPartSize bounds how much of a single MIME part is decoded into memory.
const maxPartSize = 32 * 1024 * 1024

// ParseMessage parses raw RFC 5322 bytes into a Message. Envelope fields
// (sender, recipients) are left to the caller; header-derived fields such as
// Subject, Message-ID, Date, Cc and Reply-To are filled in here. When the
// message carries only an HTML body, BodyText is derived from it.
func ParseMessage(raw []byte) (*Message, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if message.IsUnknownCharset(err) {
		logger.Debug("Unknown charset in message", "error", err)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	h := mail.Header{Header: entity.Header}
	msg := &Message{
		Raw:        raw,
		Size:       int64(len(raw)),
		ReceivedAt: time.Now(),
	}
	msg.Subject, _ = h.Subject()
	msg.MessageID, _ = h.MessageID()
	if sent, err := h.Date(); err == nil {
		msg.SentAt = sent
	}
	if list, err := h.AddressList("Cc"); err == nil {
		msg.Cc = addressStrings(list)
	}
	if list, err := h.AddressList("Reply-To"); err == nil && len(list) > 0 {
		msg.ReplyTo = list[0].Address
	}

	text, html, err := extractBodies(entity)
	if err != nil {
		return nil, err
	}
	if text == "" && html != "" {
		text = html2text.HTML2Text(html)
	}
	msg.BodyText = text
	msg.BodyHTML = html
	return msg, nil
}

func extractBodies(entity *message.Entity) (text, html string, err error) {
	if mr := entity.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if message.IsUnknownCharset(err) {
				logger.Debug("Unknown charset in message part", "error", err)
			} else if err != nil {
				return text, html, fmt.Errorf("failed to read message part: %w", err)
			}
			t, h, err := extractBodies(part)
			if err != nil {
				return text, html, err
			}
			if text == "" {
				text = t
			}
			if html == "" {
				html = h
			}
		}
		return text, html, nil
	}

	mediaType, _, _ := entity.Header.ContentType()
	if mediaType == "" {
		mediaType = "text/plain"
	}
	if mediaType != "text/plain" && mediaType != "text/html" {
		return "", "", nil
	}
	if disp, _, _ := entity.Header.ContentDisposition(); disp == "attachment" {
		return "", "", nil
	}

	body, err := io.ReadAll(io.LimitReader(entity.Body, maxPartSize))
	if err != nil {
		return "", "", fmt.Errorf("failed to read message body: %w", err)
	}
	if mediaType == "text/html" {
		return "", string(body), nil
	}
	return string(body), "", nil
}

func addressStrings(list []*mail.Address) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}

// SplitRaw splits raw message bytes into the header block (including the
// terminating blank line) and the body.
func SplitRaw(raw []byte) (header, body []byte) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i+4], raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i+2], raw[i+2:]
	}
	return raw, nil
}

// Render returns the RFC 5322 form of a message. The original bytes are used
// when the store kept them; otherwise a minimal text/plain message is
// synthesized from the stored fields.
func (m *Message) Render() []byte {
	if len(m.Raw) > 0 {
		return m.Raw
	}

	var b strings.Builder
	writeHeader := func(k, v string) {
		if v != "" {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	date := m.SentAt
	if date.IsZero() {
		date = m.ReceivedAt
	}
	if m.MessageID != "" {
		writeHeader("Message-ID", "<"+m.MessageID+">")
	}
	writeHeader("From", m.From)
	writeHeader("To", strings.Join(m.To, ", "))
	writeHeader("Cc", strings.Join(m.Cc, ", "))
	writeHeader("Reply-To", m.ReplyTo)
	writeHeader("Subject", m.Subject)
	if !date.IsZero() {
		writeHeader("Date", date.Format(time.RFC1123Z))
	}
	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", "text/plain; charset=utf-8")
	writeHeader("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")

	body := strings.ReplaceAll(m.BodyText, "\r\n", "\n")
	for _, line := range strings.Split(body, "\n") {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}
