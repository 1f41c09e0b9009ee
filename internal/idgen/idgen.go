// Package idgen generates identifiers for requests and feedback events.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 24 random hex chars,
// e.g. "req_3f9a…". Used for request and feedback IDs.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// Valid reports whether s parses as a UUID. Client-supplied request IDs
// that are not UUIDs are replaced.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
