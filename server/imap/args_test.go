package imap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	toks, err := parseArgs(`INBOX "a \"quoted\" name" (FLAGS (\Seen \Deleted)) BODY[HEADER.FIELDS (To From)]<0.10> {3}` + "\r\nabc NIL")
	require.NoError(t, err)
	require.Len(t, toks, 6)

	assert.Equal(t, token{kind: tokenAtom, value: "INBOX"}, toks[0])
	assert.Equal(t, token{kind: tokenString, value: `a "quoted" name`}, toks[1])
	assert.Equal(t, tokenList, toks[2].kind)
	assert.Equal(t, `(FLAGS (\Seen \Deleted))`, toks[2].String())
	assert.Equal(t, "BODY[HEADER.FIELDS (To From)]<0.10>", toks[3].value)
	assert.Equal(t, token{kind: tokenString, value: "abc"}, toks[4])
	assert.Equal(t, "NIL", toks[5].value)
}

func TestParseArgsErrors(t *testing.T) {
	for _, in := range []string{
		`"unterminated`,
		`(a b`,
		`a)`,
		"{5}\r\nab",
		"{x}\r\nab",
	} {
		_, err := parseArgs(in)
		assert.Error(t, err, in)
	}
}

func TestLiteralSize(t *testing.T) {
	n, sync, ok := literalSize("a LOGIN {12}")
	assert.True(t, ok)
	assert.True(t, sync)
	assert.Equal(t, 12, n)

	n, sync, ok = literalSize("a LOGIN {7+}")
	assert.True(t, ok)
	assert.False(t, sync)
	assert.Equal(t, 7, n)

	_, _, ok = literalSize("a LOGIN user pass")
	assert.False(t, ok)
	_, _, ok = literalSize("a LOGIN {abc}")
	assert.False(t, ok)
}

func TestSeqSet(t *testing.T) {
	set, err := parseSeqSet("1,3:4,7:*")
	require.NoError(t, err)

	var got []uint32
	for n := uint32(1); n <= 9; n++ {
		if set.contains(n, 9) {
			got = append(got, n)
		}
	}
	assert.Equal(t, []uint32{1, 3, 4, 7, 8, 9}, got)

	reversed, err := parseSeqSet("5:2")
	require.NoError(t, err)
	forward, err := parseSeqSet("2:5")
	require.NoError(t, err)
	assert.Equal(t, forward, reversed)

	// "*:3" with a max below 3 still covers the range between.
	star, err := parseSeqSet("*:3")
	require.NoError(t, err)
	assert.True(t, star.contains(2, 2))
	assert.False(t, star.contains(1, 2))

	for _, bad := range []string{"", "0", "1:x", "a", "1,,2"} {
		_, err := parseSeqSet(bad)
		assert.Error(t, err, bad)
	}

	assert.True(t, isSeqSet("1:*"))
	assert.False(t, isSeqSet("ALL"))
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern, name string
		want          bool
	}{
		{"*", "Work/Reports", true},
		{"%", "Work", true},
		{"%", "Work/Reports", false},
		{"Work/%", "Work/Reports", true},
		{"Work/%", "Work/Reports/2024", false},
		{"Work/*", "Work/Reports/2024", true},
		{"W*s", "Work/Reports", true},
		{"Sent", "Sent", true},
		{"Sent", "sent", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, matchPattern(tc.pattern, tc.name), "%s ~ %s", tc.pattern, tc.name)
	}
	assert.True(t, matchFolder("inbox", "INBOX"))
	assert.False(t, matchFolder("archive", "Archive"))
}

func TestParseBodySection(t *testing.T) {
	sec, err := parseBodySection("BODY.PEEK[1.2.HEADER.FIELDS (From Subject)]<10.20>")
	require.NoError(t, err)
	assert.True(t, sec.peek)
	assert.Equal(t, []int{1, 2}, sec.path)
	assert.Equal(t, "HEADER.FIELDS", sec.specifier)
	assert.Equal(t, []string{"From", "Subject"}, sec.fields)
	require.NotNil(t, sec.partial)
	assert.Equal(t, int64(10), sec.partial.offset)
	assert.Equal(t, int64(20), sec.partial.size)
	assert.Equal(t, "BODY[1.2.HEADER.FIELDS (From Subject)]<10>", sec.responseLabel())

	sec, err = parseBodySection("BODY[]")
	require.NoError(t, err)
	assert.False(t, sec.peek)
	assert.Empty(t, sec.path)
	assert.Equal(t, "", sec.specifier)

	for _, bad := range []string{"BODY[FOO]", "BODY[MIME]", "BODY[0]", "BODY[]<5>", "BODY[HEADER.FIELDS ()]"} {
		_, err := parseBodySection(bad)
		assert.Error(t, err, bad)
	}
}

func TestExtractSection(t *testing.T) {
	raw := []byte("From: a@x\r\n" +
		"Content-Type: multipart/mixed; boundary=b\r\n" +
		"\r\n" +
		"--b\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"first\r\n" +
		"--b\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<p>second</p>\r\n" +
		"--b--\r\n")

	sec, err := parseBodySection("BODY[2]")
	require.NoError(t, err)
	assert.Equal(t, "<p>second</p>", string(extractSection(raw, sec)))

	sec, err = parseBodySection("BODY[1.MIME]")
	require.NoError(t, err)
	assert.Equal(t, "Content-Type: text/plain\r\n\r\n", string(extractSection(raw, sec)))

	sec, err = parseBodySection("BODY[HEADER.FIELDS.NOT (Content-Type)]")
	require.NoError(t, err)
	assert.Equal(t, "From: a@x\r\n\r\n", string(extractSection(raw, sec)))

	sec, err = parseBodySection("BODY[3]")
	require.NoError(t, err)
	assert.Nil(t, extractSection(raw, sec))
}

func TestFormatUIDSet(t *testing.T) {
	assert.Equal(t, "1:3,7,9:10", formatUIDSet([]int64{1, 2, 3, 7, 9, 10}))
	assert.Equal(t, "5", formatUIDSet([]int64{5}))
	assert.Equal(t, "", formatUIDSet(nil))
}
