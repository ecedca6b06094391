package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuoteString(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: `""`},
		{name: "atom", in: "INBOX", want: `"INBOX"`},
		{name: "space", in: "Sent Items", want: `"Sent Items"`},
		{name: "delimiter", in: "/", want: `"/"`},
		{name: "double quote", in: `say "hi"`, want: `"say \"hi\""`},
		{name: "backslash", in: `a\b`, want: `"a\\b"`},
		{name: "crlf", in: "a\r\nb", want: "{4}\r\na\r\nb"},
		{name: "bare lf", in: "a\nb", want: "{3}\r\na\nb"},
		{name: "8-bit", in: "Entwürfe", want: "{9}\r\nEntwürfe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, QuoteString(tt.in))
		})
	}
}
