package pop3

import (
	"testing"

	"github.com/migadu/postern/mailstore"
	"github.com/stretchr/testify/assert"
)

func TestListResponsePreservesMessageNumbers(t *testing.T) {
	messages := []mailstore.Message{
		{ID: 1, Size: 100},
		{ID: 2, Size: 200},
		{ID: 3, Size: 300},
	}
	tests := []struct {
		name     string
		deleted  []bool
		expected []string
	}{
		{"no deletions", []bool{false, false, false}, []string{"1 100", "2 200", "3 300"}},
		{"middle message deleted", []bool{false, true, false}, []string{"1 100", "3 300"}},
		{"first message deleted", []bool{true, false, false}, []string{"2 200", "3 300"}},
		{"all deleted", []bool{true, true, true}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, buildListResponseLines(messages, tt.deleted))
		})
	}
}

func TestMaildropStats(t *testing.T) {
	messages := []mailstore.Message{{Size: 100}, {Size: 200}, {Size: 300}}
	count, size := maildropStats(messages, []bool{false, true, false})
	assert.Equal(t, 2, count)
	assert.Equal(t, int64(400), size)
}

func TestMessageUID(t *testing.T) {
	a := &mailstore.Message{ID: 7, MessageID: "abc@x"}
	uid := messageUID(a)
	assert.Len(t, uid, uidLength)
	assert.Regexp(t, "^[0-9a-f]+$", uid)
	assert.Equal(t, uid, messageUID(&mailstore.Message{ID: 7, MessageID: "abc@x", Subject: "changed"}))
	assert.NotEqual(t, uid, messageUID(&mailstore.Message{ID: 8, MessageID: "abc@x"}))
	assert.NotEqual(t, uid, messageUID(&mailstore.Message{ID: 7, MessageID: "other@x"}))

	lines := buildUIDLResponseLines([]mailstore.Message{*a, {ID: 9}}, []bool{true, false})
	assert.Equal(t, []string{"2 " + messageUID(&mailstore.Message{ID: 9})}, lines)
}

func TestDotStuff(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"no dots", "Line 1\r\nLine 2", "Line 1\r\nLine 2"},
		{"dot at start of line", ".Line 1\r\nLine 2\r\n.Line 3", "..Line 1\r\nLine 2\r\n..Line 3"},
		{"dot terminator in body", "Line 1\r\n.\r\nLine 2", "Line 1\r\n..\r\nLine 2"},
		{"already doubled", "..x", "...x"},
		{"dot in middle of line", "a . b\r\n", "a . b\r\n"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, dotStuff(tt.input))
		})
	}
}

func TestTopLines(t *testing.T) {
	raw := []byte("Subject: hi\r\nFrom: a@x\r\n\r\none\r\ntwo\r\nthree\r\n")
	assert.Equal(t, "Subject: hi\r\nFrom: a@x\r\n\r\n", topLines(raw, 0))
	assert.Equal(t, "Subject: hi\r\nFrom: a@x\r\n\r\none\r\ntwo\r\n", topLines(raw, 2))
	assert.Equal(t, string(raw), topLines(raw, 10))

	assert.Equal(t, "Subject: hi\r\n\r\n", topLines([]byte("Subject: hi"), 3))
	assert.Equal(t, "Subject: hi\r\n\r\nno newline\r\n", topLines([]byte("Subject: hi\r\n\r\nno newline"), 3))
}
