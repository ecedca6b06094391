// Package idgen generates session identifiers.
//
// Identifiers are ULIDs: 26 Crockford base32 characters, lexicographically
// sortable by creation time and monotonic within the same millisecond, so
// session ids in logs sort in accept order.
package idgen

import (
	"github.com/oklog/ulid/v2"
)

// New returns a new unique, time-ordered identifier.
func New() string {
	return ulid.Make().String()
}
