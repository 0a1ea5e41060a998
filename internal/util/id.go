// Package util holds small helpers shared across packages.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier like "sheet_a1b2...". The prefix names
// the entity kind (usr, sheet, ereq, conn, jti, rft); an empty prefix
// yields bare hex, used when concatenating extra entropy onto a token.
func NewID(prefix string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	id := hex.EncodeToString(buf)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
