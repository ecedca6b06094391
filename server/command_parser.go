package server

import (
	"strconv"
	"strings"
)

// QuoteString renders s as an IMAP string (RFC 3501). Backslash and double
// quote are escaped inside a quoted string; values containing CR, LF, NUL
// or 8-bit bytes cannot be quoted and are sent as a synchronizing literal.
func QuoteString(s string) string {
	if needsLiteral(s) {
		return "{" + strconv.Itoa(len(s)) + "}\r\n" + s
	}

	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}

func needsLiteral(s string) bool {
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\r', c == '\n', c == 0, c >= 0x80:
			return true
		}
	}
	return false
}
