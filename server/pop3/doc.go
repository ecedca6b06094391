// Package pop3 implements the POP3 server (RFC 1939).
//
// A session moves through AUTHORIZATION, USER_PROVIDED and TRANSACTION.
// PASS takes a snapshot of the user's inbox; message numbers refer to that
// snapshot for the rest of the session. DELE only marks a message, RSET
// clears every mark, and the marked messages are deleted from the store
// when the client sends QUIT. A session that ends any other way deletes
// nothing.
//
// UIDL identifiers are derived from the store id and Message-ID of a
// message, so they are stable across sessions.
package pop3
