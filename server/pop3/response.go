package pop3

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/migadu/postern/mailstore"
	"lukechampine.com/blake3"
)

// uidLength is the length of a UIDL identifier in hex characters.
const uidLength = 32

// messageUID derives the UIDL identifier of a message from its store id and
// Message-ID.
func messageUID(msg *mailstore.Message) string {
	sum := blake3.Sum256([]byte(strconv.FormatInt(msg.ID, 10) + "\x00" + msg.MessageID))
	return hex.EncodeToString(sum[:])[:uidLength]
}

// buildListResponseLines builds the body of a multi-line LIST response.
// Marked messages are skipped and the rest keep their original numbers.
func buildListResponseLines(messages []mailstore.Message, deleted []bool) []string {
	var lines []string
	for i, msg := range messages {
		if !deleted[i] {
			lines = append(lines, fmt.Sprintf("%d %d", i+1, msg.Size))
		}
	}
	return lines
}

// buildUIDLResponseLines builds the body of a multi-line UIDL response.
func buildUIDLResponseLines(messages []mailstore.Message, deleted []bool) []string {
	var lines []string
	for i := range messages {
		if !deleted[i] {
			lines = append(lines, fmt.Sprintf("%d %s", i+1, messageUID(&messages[i])))
		}
	}
	return lines
}

// maildropStats returns the count and total size of unmarked messages.
func maildropStats(messages []mailstore.Message, deleted []bool) (count int, size int64) {
	for i, msg := range messages {
		if !deleted[i] {
			count++
			size += msg.Size
		}
	}
	return count, size
}

// dotStuff doubles a leading "." on every line of s.
func dotStuff(s string) string {
	if !strings.HasPrefix(s, ".") && !strings.Contains(s, "\n.") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 16)
	atLineStart := true
	for i := 0; i < len(s); i++ {
		c := s[i]
		if atLineStart && c == '.' {
			b.WriteByte('.')
		}
		b.WriteByte(c)
		atLineStart = c == '\n'
	}
	return b.String()
}

// topLines returns the header block of raw followed by at most n body
// lines. The result always ends with CRLF.
func topLines(raw []byte, n int) string {
	header, body := mailstore.SplitRaw(raw)
	var b strings.Builder
	b.Write(header)
	if body == nil {
		// No blank line: the whole message is header.
		if len(header) > 0 && header[len(header)-1] != '\n' {
			b.WriteString("\r\n")
		}
		b.WriteString("\r\n")
	}
	if n > 0 && len(body) > 0 {
		lines := strings.SplitAfter(string(body), "\n")
		if lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
		if n < len(lines) {
			lines = lines[:n]
		}
		for _, line := range lines {
			b.WriteString(line)
		}
	}
	out := b.String()
	if !strings.HasSuffix(out, "\n") {
		out += "\r\n"
	}
	return out
}
