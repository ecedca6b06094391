package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/migadu/postern/mailstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBlobs struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (b *memBlobs) Put(_ context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = append([]byte(nil), data...)
	return nil
}

func (b *memBlobs) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.data[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return d, nil
}

func (b *memBlobs) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

func openTestStore(t *testing.T, blobs BlobStore) (*Store, *mailstore.User) {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, Options{
		Driver:      DriverSQLite,
		DSN:         filepath.Join(t.TempDir(), "postern.db"),
		AutoMigrate: true,
		Blobs:       blobs,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	u, err := s.AddUser(ctx, "bob", "bob@example.com", "secret", "robert@example.com")
	require.NoError(t, err)
	return s, u
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	lite := &Store{driver: DriverSQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "oracle"})
	assert.Error(t, err)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s, _ := openTestStore(t, nil)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestAuthenticate(t *testing.T) {
	s, u := openTestStore(t, nil)
	ctx := context.Background()

	got, err := s.Authenticate(ctx, "BOB", "secret")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.True(t, got.EmailEnabled)

	got, err = s.Authenticate(ctx, "bob@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = s.Authenticate(ctx, "bob", "nope")
	assert.ErrorIs(t, err, mailstore.ErrInvalidCredentials)
	_, err = s.Authenticate(ctx, "ghost", "secret")
	assert.ErrorIs(t, err, mailstore.ErrInvalidCredentials)

	ok, err := s.HasUser(ctx, "Bob")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.HasUser(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeliveryAndListing(t *testing.T) {
	s, u := openTestStore(t, nil)
	ctx := context.Background()

	raw := []byte("Subject: stored\r\nMessage-ID: <m1@x>\r\n\r\nhello\r\n")
	msg, err := mailstore.ParseMessage(raw)
	require.NoError(t, err)
	msg.From = "alice@remote.org"
	msg.To = []string{"robert@example.com", "bob@example.com"}

	require.NoError(t, s.SaveIncomingMessage(ctx, msg))
	assert.NotZero(t, msg.ID)

	inbox, err := s.ListInboxMessagesForUser(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "stored", inbox[0].Subject)
	assert.Equal(t, "m1@x", inbox[0].MessageID)
	assert.Equal(t, raw, inbox[0].Raw)
	assert.Equal(t, []string{"robert@example.com", "bob@example.com"}, inbox[0].To)
	assert.Equal(t, int64(len(raw)), inbox[0].Size)

	f, err := s.GetFolderByName(ctx, u.ID, "inbox")
	require.NoError(t, err)
	assert.Equal(t, 1, f.MessageCount)
	assert.Equal(t, 1, f.UnreadCount)
}

func TestBlobOffload(t *testing.T) {
	blobs := &memBlobs{data: map[string][]byte{}}
	s, u := openTestStore(t, blobs)
	ctx := context.Background()

	raw := []byte("Subject: big\r\n\r\nbody\r\n")
	require.NoError(t, s.SaveIncomingMessage(ctx, &mailstore.Message{
		To: []string{"bob@example.com"}, Raw: raw, Subject: "big",
	}))
	require.Len(t, blobs.data, 1)

	msgs, err := s.ListInboxMessagesForUser(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, raw, msgs[0].Raw)

	require.NoError(t, s.DeleteMessage(ctx, msgs[0].ID))
	assert.Empty(t, blobs.data)
}

func TestFolderLifecycle(t *testing.T) {
	s, u := openTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.CreateFolder(ctx, u.ID, "Archive"))
	assert.ErrorIs(t, s.CreateFolder(ctx, u.ID, "Archive"), mailstore.ErrFolderExists)
	require.NoError(t, s.RenameFolder(ctx, u.ID, "Archive", "Old"))
	assert.ErrorIs(t, s.RenameFolder(ctx, u.ID, "Missing", "Other"), mailstore.ErrFolderNotFound)
	assert.ErrorIs(t, s.RenameFolder(ctx, u.ID, "INBOX", "Other"), mailstore.ErrProtectedFolder)

	require.NoError(t, s.SetSubscribed(ctx, u.ID, "Old", false))
	f, err := s.GetFolderByName(ctx, u.ID, "Old")
	require.NoError(t, err)
	assert.False(t, f.Subscribed)

	assert.ErrorIs(t, s.DeleteFolder(ctx, u.ID, "INBOX"), mailstore.ErrProtectedFolder)
	require.NoError(t, s.DeleteFolder(ctx, u.ID, "Old"))

	folders, err := s.ListFoldersForUser(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, mailstore.InboxName, folders[0].Name)
}

func TestFlagsAndCopy(t *testing.T) {
	s, u := openTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.SaveIncomingMessage(ctx, &mailstore.Message{
		To: []string{"bob@example.com"}, Subject: "flag me", BodyText: "x",
	}))
	msgs, err := s.ListInboxMessagesForUser(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	id := msgs[0].ID

	require.NoError(t, s.UpdateFlags(ctx, id, mailstore.Flags{Seen: true, Flagged: true}))
	assert.ErrorIs(t, s.UpdateFlags(ctx, 9999, mailstore.Flags{}), mailstore.ErrMessageNotFound)

	require.NoError(t, s.CreateFolder(ctx, u.ID, "Copies"))
	newID, err := s.CopyMessage(ctx, id, u.ID, "Copies")
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)

	copies, err := s.ListMessagesInFolder(ctx, u.ID, "Copies")
	require.NoError(t, err)
	require.Len(t, copies, 1)
	assert.True(t, copies[0].Flags.Seen)
	assert.True(t, copies[0].Flags.Flagged)
	assert.Equal(t, "flag me", copies[0].Subject)

	_, err = s.CopyMessage(ctx, 9999, u.ID, "Copies")
	assert.ErrorIs(t, err, mailstore.ErrMessageNotFound)
}

func TestAddressChecks(t *testing.T) {
	s, u := openTestStore(t, nil)
	ctx := context.Background()

	ok, err := s.CanUserSendFrom(ctx, "bob", "<robert@example.com>")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CanUserSendFrom(ctx, "bob", "eve@example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.IsValidRecipientAddress(ctx, "Bob@Example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.SetEmailEnabled(ctx, u.ID, false))
	ok, err = s.IsValidRecipientAddress(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.False(t, ok)
}
