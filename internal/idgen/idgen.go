// Package idgen generates content hashes and time-ordered opaque IDs used
// across the memory and indexing subsystems.
package idgen

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// ContentHash returns the hex-encoded SHA-256 digest of content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// New returns a new opaque, time-ordered identifier (UUIDv7).
//
// UUIDv7 embeds a millisecond timestamp in its high bits, so IDs sort
// lexicographically in creation order without exposing a separate
// sequence column.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the system clock/entropy source is
		// unavailable; fall back to a random v4 rather than panic.
		return uuid.NewString()
	}
	return id.String()
}
