// Package mailstore defines the collaborator contracts the protocol servers
// consume: an identity service that authenticates users and a mail store that
// persists folders and messages.
//
// The protocol engine only ever talks to these interfaces. Two
// implementations ship with the repository:
//   - memstore: an in-memory store used by tests and for local development
//   - sqlstore: a database/sql store for PostgreSQL (pgx) and SQLite (modernc)
//
// Both implementations must be safe for concurrent use by many sessions.
package mailstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Sentinel errors returned by implementations. Callers compare with errors.Is.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrFolderNotFound     = errors.New("folder not found")
	ErrFolderExists       = errors.New("folder already exists")
	ErrMessageNotFound    = errors.New("message not found")
	ErrProtectedFolder    = errors.New("folder cannot be modified")
)

// InboxName is the name of the folder new mail is delivered to.
const InboxName = "INBOX"

// Folder types used by the reference stores.
const (
	FolderTypeInbox  = "INBOX"
	FolderTypeSent   = "SENT"
	FolderTypeDrafts = "DRAFTS"
	FolderTypeTrash  = "TRASH"
	FolderTypeCustom = "CUSTOM"
)

// User is an authenticated principal.
type User struct {
	ID           int64
	Username     string
	Email        string
	EmailEnabled bool
	PasswordHash string
}

// Folder is a mailbox owned by a user. ID doubles as the IMAP UIDVALIDITY.
type Folder struct {
	ID           int64
	UserID       int64
	Name         string
	Type         string
	MessageCount int
	UnreadCount  int
	Subscribed   bool
}

// Flags is the set of system flags a message can carry.
type Flags struct {
	Seen     bool
	Answered bool
	Flagged  bool
	Deleted  bool
	Draft    bool
}

// Message is a stored email. ID is stable for the lifetime of the message
// and is used as the IMAP UID.
type Message struct {
	ID         int64
	UserID     int64
	Folder     string
	MessageID  string
	Subject    string
	From       string
	To         []string
	Cc         []string
	Bcc        []string
	ReplyTo    string
	BodyText   string
	BodyHTML   string
	Raw        []byte // Original RFC 5322 bytes when available
	Size       int64
	Flags      Flags
	ReceivedAt time.Time
	SentAt     time.Time
}

// IdentityService authenticates users.
type IdentityService interface {
	// Authenticate returns the user for valid credentials, or
	// ErrInvalidCredentials. The caller must check User.EmailEnabled.
	Authenticate(ctx context.Context, username, password string) (*User, error)
}

// MailStore persists folders and messages.
type MailStore interface {
	SaveIncomingMessage(ctx context.Context, msg *Message) error
	DeleteMessage(ctx context.Context, id int64) error
	GetFolderByName(ctx context.Context, userID int64, name string) (*Folder, error)
	ListFoldersForUser(ctx context.Context, userID int64) ([]Folder, error)
	ListMessagesInFolder(ctx context.Context, userID int64, folderName string) ([]Message, error)
	ListInboxMessagesForUser(ctx context.Context, userID int64) ([]Message, error)
	CanUserSendFrom(ctx context.Context, username, address string) (bool, error)
	IsValidRecipientAddress(ctx context.Context, address string) (bool, error)

	CreateFolder(ctx context.Context, userID int64, name string) error
	DeleteFolder(ctx context.Context, userID int64, name string) error
	RenameFolder(ctx context.Context, userID int64, oldName, newName string) error
	SetSubscribed(ctx context.Context, userID int64, name string, subscribed bool) error
	UpdateFlags(ctx context.Context, messageID int64, flags Flags) error
	CopyMessage(ctx context.Context, messageID, userID int64, folderName string) (int64, error)
}

// Pinger is implemented by stores that can report their own reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NormalizeAddress lower-cases an address and strips surrounding angle
// brackets and whitespace.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	return strings.ToLower(addr)
}

// CanonicalFolderName maps any case of INBOX to InboxName. Other names are
// case sensitive.
func CanonicalFolderName(name string) string {
	if strings.EqualFold(name, InboxName) {
		return InboxName
	}
	return name
}
