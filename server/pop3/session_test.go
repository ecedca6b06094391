package pop3

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/migadu/postern/config"
	"github.com/migadu/postern/mailstore"
	"github.com/migadu/postern/mailstore/memstore"
	"github.com/migadu/postern/pkg/metrics"
	"github.com/migadu/postern/server"
	"github.com/migadu/postern/server/servertest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	srv   *Server
	store *memstore.Store
	user  *mailstore.User
	addr  string
	raws  [][]byte
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()

	store := memstore.New()
	user, err := store.AddUser("bob", "bob@x", "secret")
	require.NoError(t, err)

	f := &fixture{store: store, user: user}
	for i := 1; i <= 3; i++ {
		raw := []byte(fmt.Sprintf("Subject: note %d\r\nMessage-ID: <n%d@x>\r\n\r\nline one\r\n.hidden dot\r\nline three\r\n", i, i))
		_, err := store.AppendMessage(user.ID, mailstore.InboxName, mailstore.Message{
			MessageID: fmt.Sprintf("n%d@x", i),
			Raw:       raw,
		})
		require.NoError(t, err)
		f.raws = append(f.raws, raw)
	}

	opts := Options{
		Hostname: "pop.test",
		Config: config.POP3ServerConfig{
			Addr:           "127.0.0.1:0",
			TLSAddr:        "127.0.0.1:0",
			MaxConnections: 10,
		},
		Identity: store,
		Store:    store,
	}
	if mutate != nil {
		mutate(&opts)
	}

	srv, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	f.srv = srv
	f.addr = srv.Addr(server.EndpointPlain)
	return f
}

func (f *fixture) login(t *testing.T) *servertest.Conn {
	c := servertest.Dial(t, f.addr)
	c.Expect("+OK POP3 server ready")
	c.Cmd("USER bob", "+OK")
	c.Cmd("PASS secret", "+OK Mailbox open, 3 messages")
	return c
}

func (f *fixture) totalSize() int {
	n := 0
	for _, raw := range f.raws {
		n += len(raw)
	}
	return n
}

func (f *fixture) inboxLen(t *testing.T) int {
	msgs, err := f.store.ListInboxMessagesForUser(context.Background(), f.user.ID)
	require.NoError(t, err)
	return len(msgs)
}

func TestAuthorization(t *testing.T) {
	f := newFixture(t, nil)
	c := servertest.Dial(t, f.addr)
	c.Expect("+OK POP3 server ready")

	c.Cmd("PASS secret", "-ERR Command not valid in this state")
	c.Cmd("USER bob", "+OK User name accepted, password please")
	c.Cmd("PASS wrong", "-ERR [AUTH] Authentication failed")
	// Back in AUTHORIZATION.
	c.Cmd("STAT", "-ERR Command not valid in this state")
	c.Cmd("PASS secret", "-ERR Command not valid in this state")
	c.Cmd("USER nobody", "+OK")
	c.Cmd("USER bob", "+OK")
	c.Cmd("PASS secret", "+OK Mailbox open, 3 messages")
	c.Cmd("USER bob", "-ERR Command not valid in this state")
	c.Cmd("APOP bob 0123", "-ERR APOP not supported")
	c.Cmd("XYZZY", "-ERR Unknown command")
}

func TestDisabledEmail(t *testing.T) {
	f := newFixture(t, nil)
	f.store.SetEmailEnabled(f.user.ID, false)
	c := servertest.Dial(t, f.addr)
	c.Expect("+OK")
	c.Cmd("USER bob", "+OK")
	c.Cmd("PASS secret", "-ERR [AUTH] Authentication failed")
}

func TestCapa(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.TLS = servertest.TLSConfig(t) })
	c := servertest.Dial(t, f.addr)
	c.Expect("+OK")

	c.Send("CAPA")
	lines := c.ReadUntilLine(".")
	assert.Equal(t, []string{
		"+OK Capability list follows",
		"USER",
		"RESP-CODES",
		"LOGIN-DELAY 900",
		"PIPELINING",
		"EXPIRE 60",
		"UIDL",
		"TOP",
		"STLS",
		"IMPLEMENTATION Postern",
		".",
	}, lines)

	c.Cmd("STLS", "+OK Begin TLS negotiation")
	c.StartTLS()
	c.Send("CAPA")
	lines = c.ReadUntilLine(".")
	assert.NotContains(t, lines, "STLS")
	c.Cmd("STLS", "-ERR TLS already active")
	c.Cmd("USER bob", "+OK")
	c.Cmd("PASS secret", "+OK")
}

func TestStlsUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	c := servertest.Dial(t, f.addr)
	c.Expect("+OK")
	c.Cmd("STLS", "-ERR TLS not available")
}

func TestStatListAndRset(t *testing.T) {
	f := newFixture(t, nil)
	c := f.login(t)

	c.Cmd("STAT", fmt.Sprintf("+OK 3 %d", f.totalSize()))

	c.Send("LIST")
	lines := c.ReadUntilLine(".")
	assert.Equal(t, []string{
		fmt.Sprintf("+OK 3 messages (%d octets)", f.totalSize()),
		fmt.Sprintf("1 %d", len(f.raws[0])),
		fmt.Sprintf("2 %d", len(f.raws[1])),
		fmt.Sprintf("3 %d", len(f.raws[2])),
		".",
	}, lines)

	c.Cmd("DELE 2", "+OK Message 2 deleted")
	c.Cmd("DELE 2", "-ERR Message already deleted")
	c.Cmd("STAT", fmt.Sprintf("+OK 2 %d", len(f.raws[0])+len(f.raws[2])))
	c.Cmd("LIST 2", "-ERR Message deleted")
	c.Cmd("LIST 3", fmt.Sprintf("+OK 3 %d", len(f.raws[2])))
	c.Cmd("LIST 4", "-ERR Invalid message number")
	c.Cmd("LIST x", "-ERR Invalid message number")

	c.Send("LIST")
	lines = c.ReadUntilLine(".")
	assert.Len(t, lines, 4)
	assert.Equal(t, fmt.Sprintf("3 %d", len(f.raws[2])), lines[2])

	c.Cmd("RSET", fmt.Sprintf("+OK maildrop has 3 messages (%d octets)", f.totalSize()))
	c.Cmd("STAT", fmt.Sprintf("+OK 3 %d", f.totalSize()))
	c.Cmd("QUIT", "+OK POP3 server signing off (0 messages deleted)")
	c.ExpectClosed()
	assert.Equal(t, 3, f.inboxLen(t))
}

func TestRetrDotStuffing(t *testing.T) {
	f := newFixture(t, nil)
	c := f.login(t)

	c.Send("RETR 1")
	lines := c.ReadUntilLine(".")
	assert.Equal(t, []string{
		fmt.Sprintf("+OK %d octets", len(f.raws[0])),
		"Subject: note 1",
		"Message-ID: <n1@x>",
		"",
		"line one",
		"..hidden dot",
		"line three",
		".",
	}, lines)

	c.Cmd("RETR 9", "-ERR Invalid message number")
	c.Cmd("RETR", "-ERR Invalid message number")
}

func TestTop(t *testing.T) {
	f := newFixture(t, nil)
	c := f.login(t)

	c.Send("TOP 2 1")
	lines := c.ReadUntilLine(".")
	assert.Equal(t, []string{"+OK", "Subject: note 2", "Message-ID: <n2@x>", "", "line one", "."}, lines)

	c.Send("TOP 2 0")
	lines = c.ReadUntilLine(".")
	assert.Equal(t, []string{"+OK", "Subject: note 2", "Message-ID: <n2@x>", "", "."}, lines)

	c.Cmd("TOP 2", "-ERR TOP requires message number and line count")
	c.Cmd("TOP 2 x", "-ERR Invalid arguments")
}

func TestUidl(t *testing.T) {
	f := newFixture(t, nil)
	c := f.login(t)

	c.Send("UIDL")
	lines := c.ReadUntilLine(".")
	require.Len(t, lines, 5)
	assert.Equal(t, "+OK", lines[0])

	single := c.Cmd("UIDL 1", "+OK 1 ")
	assert.Equal(t, "+OK "+lines[1], single)
	assert.Len(t, lines[1], len("1 ")+uidLength)

	// The same message gets the same id in a later session.
	c.Cmd("QUIT", "+OK")
	c = f.login(t)
	assert.Equal(t, single, c.Cmd("UIDL 1", "+OK"))
}

func TestQuitDeletesMarkedMessages(t *testing.T) {
	f := newFixture(t, nil)
	before := testutil.ToFloat64(metrics.POP3Deletions.WithLabelValues("success"))

	c := f.login(t)
	c.Cmd("DELE 1", "+OK")
	c.Cmd("DELE 3", "+OK")
	assert.Equal(t, 3, f.inboxLen(t), "DELE only marks")
	c.Cmd("QUIT", "+OK POP3 server signing off (2 messages deleted)")
	c.ExpectClosed()

	assert.Equal(t, 1, f.inboxLen(t))
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.POP3Deletions.WithLabelValues("success")))
}

func TestDisconnectWithoutQuitKeepsMessages(t *testing.T) {
	f := newFixture(t, nil)
	c := f.login(t)
	c.Cmd("DELE 1", "+OK")
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool { return f.srv.Status().ActiveConnections == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, f.inboxLen(t))
}

func TestDeleteOnRetrieve(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Config.DeleteOnRetrieve = true })
	c := f.login(t)

	c.Send("RETR 1")
	c.ReadUntilLine(".")
	c.Cmd("RETR 1", "-ERR Message deleted")
	c.Cmd("QUIT", "+OK POP3 server signing off (1 messages deleted)")
	assert.Equal(t, 2, f.inboxLen(t))
}

func TestQuitBeforeLogin(t *testing.T) {
	f := newFixture(t, nil)
	c := servertest.Dial(t, f.addr)
	c.Expect("+OK")
	c.Cmd("NOOP", "+OK")
	c.Cmd("QUIT", "+OK POP3 server signing off")
	c.ExpectClosed()
}

func TestIdleTimeout(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Config.CommandTimeout = "100ms" })
	c := servertest.Dial(t, f.addr)
	c.Expect("+OK")
	c.Expect("-ERR Connection timed out due to inactivity")
	c.ExpectClosed()
}

func TestServerStatus(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Config.DeleteOnRetrieve = true })
	st := f.srv.Status()
	assert.Equal(t, "pop3", st.Protocol)
	assert.True(t, st.Running)
	assert.Equal(t, true, st.Flags["delete_on_retrieve"])
	assert.Equal(t, false, st.Flags["tls_available"])
}
