// Package memstore is an in-memory implementation of the mailstore
// collaborator contracts. Incoming messages are delivered into the INBOX of
// every local recipient and additionally recorded in a delivery log that
// tests can inspect.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/migadu/postern/mailstore"
)

type folder struct {
	mailstore.Folder
	messages []int64
}

// Store is safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	users     map[int64]*mailstore.User
	byName    map[string]int64 // lower-cased username -> user id
	addresses map[string]int64 // lower-cased address -> user id
	folders   map[int64]map[string]*folder
	messages  map[int64]*mailstore.Message
	delivered []mailstore.Message

	nextUserID    int64
	nextFolderID  int64
	nextMessageID int64

	// AcceptAnyRecipient makes IsValidRecipientAddress accept addresses
	// that do not belong to a local user.
	AcceptAnyRecipient bool
}

var (
	_ mailstore.MailStore       = (*Store)(nil)
	_ mailstore.IdentityService = (*Store)(nil)
	_ mailstore.Pinger          = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		users:     make(map[int64]*mailstore.User),
		byName:    make(map[string]int64),
		addresses: make(map[string]int64),
		folders:   make(map[int64]map[string]*folder),
		messages:  make(map[int64]*mailstore.Message),
	}
}

// AddUser creates a user with an INBOX. Extra addresses become aliases the
// user may send from and receive on.
func (s *Store) AddUser(username, email, password string, aliases ...string) (*mailstore.User, error) {
	hash, err := mailstore.HashPassword(password)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(username)
	if _, ok := s.byName[key]; ok {
		return nil, fmt.Errorf("user %q already exists", username)
	}

	s.nextUserID++
	u := &mailstore.User{
		ID:           s.nextUserID,
		Username:     username,
		Email:        mailstore.NormalizeAddress(email),
		EmailEnabled: true,
		PasswordHash: hash,
	}
	s.users[u.ID] = u
	s.byName[key] = u.ID
	s.addresses[u.Email] = u.ID
	for _, a := range aliases {
		s.addresses[mailstore.NormalizeAddress(a)] = u.ID
	}
	s.folders[u.ID] = make(map[string]*folder)
	s.createFolderLocked(u.ID, mailstore.InboxName, mailstore.FolderTypeInbox)

	cp := *u
	return &cp, nil
}

// SetEmailEnabled toggles the user's email access.
func (s *Store) SetEmailEnabled(userID int64, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.EmailEnabled = enabled
	}
}

// AppendMessage stores a message directly in a user's folder and returns
// its id. The folder is created if it does not exist.
func (s *Store) AppendMessage(userID int64, folderName string, msg mailstore.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return 0, mailstore.ErrUserNotFound
	}
	folderName = mailstore.CanonicalFolderName(folderName)
	f, ok := s.folders[userID][folderName]
	if !ok {
		f = s.createFolderLocked(userID, folderName, mailstore.FolderTypeCustom)
	}
	return s.appendLocked(userID, f, msg), nil
}

// Delivered returns a copy of every message handed to SaveIncomingMessage.
func (s *Store) Delivered() []mailstore.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]mailstore.Message, len(s.delivered))
	copy(out, s.delivered)
	return out
}

func (s *Store) createFolderLocked(userID int64, name, typ string) *folder {
	s.nextFolderID++
	f := &folder{Folder: mailstore.Folder{
		ID:         s.nextFolderID,
		UserID:     userID,
		Name:       name,
		Type:       typ,
		Subscribed: true,
	}}
	s.folders[userID][name] = f
	return f
}

func (s *Store) appendLocked(userID int64, f *folder, msg mailstore.Message) int64 {
	s.nextMessageID++
	msg.ID = s.nextMessageID
	msg.UserID = userID
	msg.Folder = f.Name
	if msg.Size == 0 {
		msg.Size = int64(len(msg.Render()))
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	s.messages[msg.ID] = &msg
	f.messages = append(f.messages, msg.ID)
	return msg.ID
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Authenticate(ctx context.Context, username, password string) (*mailstore.User, error) {
	s.mu.RLock()
	id, ok := s.byName[strings.ToLower(username)]
	if !ok {
		id, ok = s.addresses[mailstore.NormalizeAddress(username)]
	}
	var u mailstore.User
	if ok {
		u = *s.users[id]
	}
	s.mu.RUnlock()

	if !ok {
		return nil, mailstore.ErrInvalidCredentials
	}
	if err := mailstore.VerifyPassword(u.PasswordHash, password); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) SaveIncomingMessage(ctx context.Context, msg *mailstore.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.delivered = append(s.delivered, *msg)

	seen := make(map[int64]bool)
	for _, rcpt := range msg.To {
		id, ok := s.addresses[mailstore.NormalizeAddress(rcpt)]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		inbox := s.folders[id][mailstore.InboxName]
		newID := s.appendLocked(id, inbox, *msg)
		if msg.ID == 0 {
			msg.ID = newID
		}
	}
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return mailstore.ErrMessageNotFound
	}
	if f, ok := s.folders[m.UserID][m.Folder]; ok {
		for i, mid := range f.messages {
			if mid == id {
				f.messages = append(f.messages[:i], f.messages[i+1:]...)
				break
			}
		}
	}
	delete(s.messages, id)
	return nil
}

func (s *Store) GetFolderByName(ctx context.Context, userID int64, name string) (*mailstore.Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.folders[userID][mailstore.CanonicalFolderName(name)]
	if !ok {
		return nil, mailstore.ErrFolderNotFound
	}
	out := s.folderSnapshotLocked(f)
	return &out, nil
}

func (s *Store) folderSnapshotLocked(f *folder) mailstore.Folder {
	out := f.Folder
	out.MessageCount = len(f.messages)
	out.UnreadCount = 0
	for _, id := range f.messages {
		if !s.messages[id].Flags.Seen {
			out.UnreadCount++
		}
	}
	return out
}

func (s *Store) ListFoldersForUser(ctx context.Context, userID int64) ([]mailstore.Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]mailstore.Folder, 0, len(s.folders[userID]))
	for _, f := range s.folders[userID] {
		out = append(out, s.folderSnapshotLocked(f))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == mailstore.InboxName {
			return true
		}
		if out[j].Name == mailstore.InboxName {
			return false
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Store) ListMessagesInFolder(ctx context.Context, userID int64, folderName string) ([]mailstore.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.folders[userID][mailstore.CanonicalFolderName(folderName)]
	if !ok {
		return nil, mailstore.ErrFolderNotFound
	}
	out := make([]mailstore.Message, 0, len(f.messages))
	for _, id := range f.messages {
		out = append(out, *s.messages[id])
	}
	return out, nil
}

func (s *Store) ListInboxMessagesForUser(ctx context.Context, userID int64) ([]mailstore.Message, error) {
	return s.ListMessagesInFolder(ctx, userID, mailstore.InboxName)
}

func (s *Store) CanUserSendFrom(ctx context.Context, username, address string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uid, ok := s.byName[strings.ToLower(username)]
	if !ok {
		return false, nil
	}
	owner, ok := s.addresses[mailstore.NormalizeAddress(address)]
	return ok && owner == uid, nil
}

func (s *Store) IsValidRecipientAddress(ctx context.Context, address string) (bool, error) {
	addr := mailstore.NormalizeAddress(address)
	if !strings.Contains(addr, "@") {
		return false, nil
	}
	if s.AcceptAnyRecipient {
		return true, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.addresses[addr]
	return ok && s.users[id].EmailEnabled, nil
}

func (s *Store) CreateFolder(ctx context.Context, userID int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return mailstore.ErrUserNotFound
	}
	name = mailstore.CanonicalFolderName(name)
	if _, ok := s.folders[userID][name]; ok {
		return mailstore.ErrFolderExists
	}
	s.createFolderLocked(userID, name, mailstore.FolderTypeCustom)
	return nil
}

func (s *Store) DeleteFolder(ctx context.Context, userID int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name = mailstore.CanonicalFolderName(name)
	if name == mailstore.InboxName {
		return mailstore.ErrProtectedFolder
	}
	f, ok := s.folders[userID][name]
	if !ok {
		return mailstore.ErrFolderNotFound
	}
	for _, id := range f.messages {
		delete(s.messages, id)
	}
	delete(s.folders[userID], name)
	return nil
}

func (s *Store) RenameFolder(ctx context.Context, userID int64, oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldName = mailstore.CanonicalFolderName(oldName)
	newName = mailstore.CanonicalFolderName(newName)
	if oldName == mailstore.InboxName || newName == mailstore.InboxName {
		return mailstore.ErrProtectedFolder
	}
	f, ok := s.folders[userID][oldName]
	if !ok {
		return mailstore.ErrFolderNotFound
	}
	if _, exists := s.folders[userID][newName]; exists {
		return mailstore.ErrFolderExists
	}
	delete(s.folders[userID], oldName)
	f.Name = newName
	s.folders[userID][newName] = f
	for _, id := range f.messages {
		s.messages[id].Folder = newName
	}
	return nil
}

func (s *Store) SetSubscribed(ctx context.Context, userID int64, name string, subscribed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.folders[userID][mailstore.CanonicalFolderName(name)]
	if !ok {
		return mailstore.ErrFolderNotFound
	}
	f.Subscribed = subscribed
	return nil
}

func (s *Store) UpdateFlags(ctx context.Context, messageID int64, flags mailstore.Flags) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return mailstore.ErrMessageNotFound
	}
	m.Flags = flags
	return nil
}

func (s *Store) CopyMessage(ctx context.Context, messageID, userID int64, folderName string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok || m.UserID != userID {
		return 0, mailstore.ErrMessageNotFound
	}
	f, ok := s.folders[userID][mailstore.CanonicalFolderName(folderName)]
	if !ok {
		return 0, mailstore.ErrFolderNotFound
	}
	cp := *m
	return s.appendLocked(userID, f, cp), nil
}
