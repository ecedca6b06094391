// Package sqlstore implements the mailstore contracts on top of database/sql.
//
// Two drivers are supported:
//   - "postgres": PostgreSQL through pgx (github.com/jackc/pgx/v5/stdlib)
//   - "sqlite":   SQLite through modernc.org/sqlite (pure Go, used by tests)
//
// Queries are written with "?" placeholders and rebound to "$n" for
// PostgreSQL. The schema is embedded and applied with golang-migrate.
//
// Message bodies can optionally be offloaded to a BlobStore (for example the
// S3 storage package). Offloaded bodies are keyed by the BLAKE3 hash of their
// content so identical deliveries share one object.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/migadu/postern/logger"
	"github.com/migadu/postern/mailstore"
	"github.com/migadu/postern/pkg/metrics"
	"lukechampine.com/blake3"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// BlobStore keeps message bodies outside the database.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Options configure Open.
type Options struct {
	Driver       string
	DSN          string
	AutoMigrate  bool
	MaxOpenConns int
	Blobs        BlobStore
}

// Store is a SQL-backed mail store and identity service.
type Store struct {
	db     *sql.DB
	driver string
	dsn    string
	blobs  BlobStore
}

var (
	_ mailstore.MailStore       = (*Store)(nil)
	_ mailstore.IdentityService = (*Store)(nil)
	_ mailstore.Pinger          = (*Store)(nil)
)

// Open connects to the database and optionally applies migrations.
func Open(ctx context.Context, opts Options) (*Store, error) {
	driverName, err := sqlDriverName(opts.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.Driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	s := &Store{db: db, driver: opts.Driver, dsn: opts.DSN, blobs: opts.Blobs}
	if opts.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	logger.Info("STORE: connected", "driver", opts.Driver)
	return s, nil
}

func sqlDriverName(driver string) (string, error) {
	switch driver {
	case DriverPostgres:
		return "pgx", nil
	case DriverSQLite:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported store driver %q", driver)
	}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind converts "?" placeholders to "$n" for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, q sqlExecer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, q sqlExecer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.rebind(query), args...)
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.StoreOperationsTotal.WithLabelValues(op, status).Inc()
	metrics.StoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// AddUser creates a user with an INBOX and optional aliases.
func (s *Store) AddUser(ctx context.Context, username, email, password string, aliases ...string) (user *mailstore.User, err error) {
	defer func(start time.Time) { observe("add_user", start, err) }(time.Now())

	hash, err := mailstore.HashPassword(password)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	u := &mailstore.User{
		Username:     username,
		Email:        mailstore.NormalizeAddress(email),
		EmailEnabled: true,
		PasswordHash: hash,
	}
	err = s.queryRow(ctx, tx, `
		INSERT INTO users (username, email, password_hash, email_enabled, created_at)
		VALUES (?, ?, ?, ?, ?) RETURNING id`,
		strings.ToLower(username), u.Email, hash, true, time.Now().Unix()).Scan(&u.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create user %q: %w", username, err)
	}

	for _, a := range aliases {
		if _, err := s.exec(ctx, tx, `INSERT INTO aliases (address, user_id) VALUES (?, ?)`,
			mailstore.NormalizeAddress(a), u.ID); err != nil {
			return nil, fmt.Errorf("failed to add alias %q: %w", a, err)
		}
	}

	if _, err := s.exec(ctx, tx, `INSERT INTO folders (user_id, name, folder_type, subscribed) VALUES (?, ?, ?, ?)`,
		u.ID, mailstore.InboxName, mailstore.FolderTypeInbox, true); err != nil {
		return nil, fmt.Errorf("failed to create inbox: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit user: %w", err)
	}
	return u, nil
}

// HasUser reports whether an account with the given username exists.
func (s *Store) HasUser(ctx context.Context, username string) (bool, error) {
	var n int
	err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM users WHERE username = ?`, strings.ToLower(username)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up user: %w", err)
	}
	return n > 0, nil
}

// SetEmailEnabled toggles the user's email access.
func (s *Store) SetEmailEnabled(ctx context.Context, userID int64, enabled bool) error {
	_, err := s.exec(ctx, s.db, `UPDATE users SET email_enabled = ? WHERE id = ?`, enabled, userID)
	return err
}

func (s *Store) Authenticate(ctx context.Context, username, password string) (user *mailstore.User, err error) {
	defer func(start time.Time) {
		if errors.Is(err, mailstore.ErrInvalidCredentials) {
			observe("authenticate", start, nil)
			return
		}
		observe("authenticate", start, err)
	}(time.Now())

	u := &mailstore.User{}
	err = s.queryRow(ctx, s.db, `
		SELECT id, username, email, password_hash, email_enabled
		FROM users WHERE username = ? OR email = ?`,
		strings.ToLower(username), mailstore.NormalizeAddress(username)).
		Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.EmailEnabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mailstore.ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if err := mailstore.VerifyPassword(u.PasswordHash, password); err != nil {
		return nil, err
	}
	return u, nil
}

// resolveRecipient returns the id of the enabled local user owning address.
func (s *Store) resolveRecipient(ctx context.Context, q sqlExecer, address string) (int64, bool, error) {
	var id int64
	err := s.queryRow(ctx, q, `
		SELECT u.id FROM users u
		LEFT JOIN aliases a ON a.user_id = u.id
		WHERE u.email_enabled = ? AND (u.email = ? OR a.address = ?)
		LIMIT 1`, true, address, address).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to resolve recipient: %w", err)
	}
	return id, true, nil
}

func (s *Store) SaveIncomingMessage(ctx context.Context, msg *mailstore.Message) (err error) {
	defer func(start time.Time) { observe("save_message", start, err) }(time.Now())

	blobKey, raw, err := s.storeBody(ctx, msg.Raw)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	delivered := make(map[int64]bool)
	for _, rcpt := range msg.To {
		userID, ok, err := s.resolveRecipient(ctx, tx, mailstore.NormalizeAddress(rcpt))
		if err != nil {
			return err
		}
		if !ok || delivered[userID] {
			continue
		}
		delivered[userID] = true

		var folderID int64
		if err := s.queryRow(ctx, tx, `SELECT id FROM folders WHERE user_id = ? AND name = ?`,
			userID, mailstore.InboxName).Scan(&folderID); err != nil {
			return fmt.Errorf("failed to find inbox for user %d: %w", userID, err)
		}
		id, err := s.insertMessage(ctx, tx, userID, folderID, msg, raw, blobKey)
		if err != nil {
			return err
		}
		if msg.ID == 0 {
			msg.ID = id
		}
	}

	if len(delivered) == 0 {
		logger.Debug("STORE: message has no local recipients", "message_id", msg.MessageID)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	return nil
}

// storeBody offloads raw to the blob store when one is configured. It
// returns the blob key and the bytes to keep inline.
func (s *Store) storeBody(ctx context.Context, raw []byte) (string, []byte, error) {
	if s.blobs == nil || len(raw) == 0 {
		return "", raw, nil
	}
	sum := blake3.Sum256(raw)
	key := hex.EncodeToString(sum[:])
	if err := s.blobs.Put(ctx, key, raw); err != nil {
		return "", nil, fmt.Errorf("failed to store message body: %w", err)
	}
	return key, nil, nil
}

func (s *Store) insertMessage(ctx context.Context, q sqlExecer, userID, folderID int64, msg *mailstore.Message, raw []byte, blobKey string) (int64, error) {
	size := msg.Size
	if size == 0 {
		size = int64(len(msg.Render()))
	}
	received := msg.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	var sent int64
	if !msg.SentAt.IsZero() {
		sent = msg.SentAt.Unix()
	}

	var id int64
	err := s.queryRow(ctx, q, `
		INSERT INTO messages (
			user_id, folder_id, message_id, subject, from_address, to_addresses,
			cc_addresses, bcc_addresses, reply_to, body_text, body_html, raw, blob_key,
			size, seen, answered, flagged, deleted, draft, received_at, sent_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		userID, folderID, msg.MessageID, msg.Subject, msg.From, joinAddresses(msg.To),
		joinAddresses(msg.Cc), joinAddresses(msg.Bcc), msg.ReplyTo, msg.BodyText, msg.BodyHTML, raw, blobKey,
		size, msg.Flags.Seen, msg.Flags.Answered, msg.Flags.Flagged, msg.Flags.Deleted, msg.Flags.Draft,
		received.UnixNano(), sent,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}
	return id, nil
}

func joinAddresses(list []string) string {
	return strings.Join(list, ",")
}

func splitAddresses(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func (s *Store) DeleteMessage(ctx context.Context, id int64) (err error) {
	defer func(start time.Time) { observe("delete_message", start, err) }(time.Now())

	var blobKey string
	err = s.queryRow(ctx, s.db, `SELECT blob_key FROM messages WHERE id = ?`, id).Scan(&blobKey)
	if errors.Is(err, sql.ErrNoRows) {
		return mailstore.ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to find message %d: %w", id, err)
	}
	if _, err := s.exec(ctx, s.db, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete message %d: %w", id, err)
	}
	s.releaseBlob(ctx, blobKey)
	return nil
}

// releaseBlob removes an offloaded body once no message references it.
func (s *Store) releaseBlob(ctx context.Context, key string) {
	if s.blobs == nil || key == "" {
		return
	}
	var refs int
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM messages WHERE blob_key = ?`, key).Scan(&refs); err != nil {
		logger.Warn("STORE: failed to count blob references", "key", key, "error", err)
		return
	}
	if refs > 0 {
		return
	}
	if err := s.blobs.Delete(ctx, key); err != nil {
		logger.Warn("STORE: failed to delete message body", "key", key, "error", err)
	}
}

func (s *Store) GetFolderByName(ctx context.Context, userID int64, name string) (*mailstore.Folder, error) {
	f := &mailstore.Folder{}
	err := s.queryRow(ctx, s.db, `
		SELECT f.id, f.user_id, f.name, f.folder_type, f.subscribed,
			(SELECT COUNT(*) FROM messages m WHERE m.folder_id = f.id),
			(SELECT COUNT(*) FROM messages m WHERE m.folder_id = f.id AND m.seen = ?)
		FROM folders f WHERE f.user_id = ? AND f.name = ?`,
		false, userID, mailstore.CanonicalFolderName(name)).
		Scan(&f.ID, &f.UserID, &f.Name, &f.Type, &f.Subscribed, &f.MessageCount, &f.UnreadCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mailstore.ErrFolderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find folder %q: %w", name, err)
	}
	return f, nil
}

func (s *Store) ListFoldersForUser(ctx context.Context, userID int64) ([]mailstore.Folder, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT f.id, f.user_id, f.name, f.folder_type, f.subscribed,
			(SELECT COUNT(*) FROM messages m WHERE m.folder_id = f.id),
			(SELECT COUNT(*) FROM messages m WHERE m.folder_id = f.id AND m.seen = ?)
		FROM folders f WHERE f.user_id = ?
		ORDER BY CASE WHEN f.name = 'INBOX' THEN 0 ELSE 1 END, f.name`), false, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	defer rows.Close()

	var out []mailstore.Folder
	for rows.Next() {
		var f mailstore.Folder
		if err := rows.Scan(&f.ID, &f.UserID, &f.Name, &f.Type, &f.Subscribed, &f.MessageCount, &f.UnreadCount); err != nil {
			return nil, fmt.Errorf("failed to scan folder: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) ListMessagesInFolder(ctx context.Context, userID int64, folderName string) (msgs []mailstore.Message, err error) {
	defer func(start time.Time) { observe("list_messages", start, err) }(time.Now())

	folder, err := s.GetFolderByName(ctx, userID, folderName)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, user_id, message_id, subject, from_address, to_addresses, cc_addresses,
			bcc_addresses, reply_to, body_text, body_html, raw, blob_key, size,
			seen, answered, flagged, deleted, draft, received_at, sent_at
		FROM messages WHERE folder_id = ? ORDER BY id`), folder.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	type pending struct {
		idx int
		key string
	}
	var blobs []pending
	for rows.Next() {
		var (
			m                  mailstore.Message
			to, cc, bcc        string
			blobKey            string
			receivedAt, sentAt int64
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.MessageID, &m.Subject, &m.From, &to, &cc,
			&bcc, &m.ReplyTo, &m.BodyText, &m.BodyHTML, &m.Raw, &blobKey, &m.Size,
			&m.Flags.Seen, &m.Flags.Answered, &m.Flags.Flagged, &m.Flags.Deleted, &m.Flags.Draft,
			&receivedAt, &sentAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Folder = folder.Name
		m.To = splitAddresses(to)
		m.Cc = splitAddresses(cc)
		m.Bcc = splitAddresses(bcc)
		m.ReceivedAt = time.Unix(0, receivedAt)
		if sentAt > 0 {
			m.SentAt = time.Unix(sentAt, 0)
		}
		if blobKey != "" {
			blobs = append(blobs, pending{idx: len(msgs), key: blobKey})
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for _, p := range blobs {
		if s.blobs == nil {
			break
		}
		raw, err := s.blobs.Get(ctx, p.key)
		if err != nil {
			return nil, fmt.Errorf("failed to load message body %s: %w", p.key, err)
		}
		msgs[p.idx].Raw = raw
	}
	return msgs, nil
}

func (s *Store) ListInboxMessagesForUser(ctx context.Context, userID int64) ([]mailstore.Message, error) {
	return s.ListMessagesInFolder(ctx, userID, mailstore.InboxName)
}

func (s *Store) CanUserSendFrom(ctx context.Context, username, address string) (bool, error) {
	addr := mailstore.NormalizeAddress(address)
	var n int
	err := s.queryRow(ctx, s.db, `
		SELECT COUNT(*) FROM users u
		LEFT JOIN aliases a ON a.user_id = u.id
		WHERE u.username = ? AND (u.email = ? OR a.address = ?)`,
		strings.ToLower(username), addr, addr).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check sender address: %w", err)
	}
	return n > 0, nil
}

func (s *Store) IsValidRecipientAddress(ctx context.Context, address string) (bool, error) {
	addr := mailstore.NormalizeAddress(address)
	if !strings.Contains(addr, "@") {
		return false, nil
	}
	_, ok, err := s.resolveRecipient(ctx, s.db, addr)
	return ok, err
}

func (s *Store) CreateFolder(ctx context.Context, userID int64, name string) error {
	name = mailstore.CanonicalFolderName(name)
	if _, err := s.GetFolderByName(ctx, userID, name); err == nil {
		return mailstore.ErrFolderExists
	} else if !errors.Is(err, mailstore.ErrFolderNotFound) {
		return err
	}
	_, err := s.exec(ctx, s.db, `INSERT INTO folders (user_id, name, folder_type, subscribed) VALUES (?, ?, ?, ?)`,
		userID, name, mailstore.FolderTypeCustom, true)
	if err != nil {
		return fmt.Errorf("failed to create folder %q: %w", name, err)
	}
	return nil
}

func (s *Store) DeleteFolder(ctx context.Context, userID int64, name string) error {
	name = mailstore.CanonicalFolderName(name)
	if name == mailstore.InboxName {
		return mailstore.ErrProtectedFolder
	}
	f, err := s.GetFolderByName(ctx, userID, name)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.exec(ctx, tx, `DELETE FROM messages WHERE folder_id = ?`, f.ID); err != nil {
		return fmt.Errorf("failed to delete folder messages: %w", err)
	}
	if _, err := s.exec(ctx, tx, `DELETE FROM folders WHERE id = ?`, f.ID); err != nil {
		return fmt.Errorf("failed to delete folder: %w", err)
	}
	return tx.Commit()
}

func (s *Store) RenameFolder(ctx context.Context, userID int64, oldName, newName string) error {
	oldName = mailstore.CanonicalFolderName(oldName)
	newName = mailstore.CanonicalFolderName(newName)
	if oldName == mailstore.InboxName || newName == mailstore.InboxName {
		return mailstore.ErrProtectedFolder
	}
	if _, err := s.GetFolderByName(ctx, userID, newName); err == nil {
		return mailstore.ErrFolderExists
	}
	res, err := s.exec(ctx, s.db, `UPDATE folders SET name = ? WHERE user_id = ? AND name = ?`, newName, userID, oldName)
	if err != nil {
		return fmt.Errorf("failed to rename folder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return mailstore.ErrFolderNotFound
	}
	return nil
}

func (s *Store) SetSubscribed(ctx context.Context, userID int64, name string, subscribed bool) error {
	res, err := s.exec(ctx, s.db, `UPDATE folders SET subscribed = ? WHERE user_id = ? AND name = ?`,
		subscribed, userID, mailstore.CanonicalFolderName(name))
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return mailstore.ErrFolderNotFound
	}
	return nil
}

func (s *Store) UpdateFlags(ctx context.Context, messageID int64, flags mailstore.Flags) error {
	res, err := s.exec(ctx, s.db, `
		UPDATE messages SET seen = ?, answered = ?, flagged = ?, deleted = ?, draft = ?
		WHERE id = ?`,
		flags.Seen, flags.Answered, flags.Flagged, flags.Deleted, flags.Draft, messageID)
	if err != nil {
		return fmt.Errorf("failed to update flags: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return mailstore.ErrMessageNotFound
	}
	return nil
}

func (s *Store) CopyMessage(ctx context.Context, messageID, userID int64, folderName string) (int64, error) {
	dest, err := s.GetFolderByName(ctx, userID, folderName)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.queryRow(ctx, s.db, `
		INSERT INTO messages (
			user_id, folder_id, message_id, subject, from_address, to_addresses,
			cc_addresses, bcc_addresses, reply_to, body_text, body_html, raw, blob_key,
			size, seen, answered, flagged, deleted, draft, received_at, sent_at
		)
		SELECT user_id, ?, message_id, subject, from_address, to_addresses,
			cc_addresses, bcc_addresses, reply_to, body_text, body_html, raw, blob_key,
			size, seen, answered, flagged, deleted, draft, received_at, sent_at
		FROM messages WHERE id = ? AND user_id = ?
		RETURNING id`, dest.ID, messageID, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, mailstore.ErrMessageNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to copy message: %w", err)
	}
	return id, nil
}
