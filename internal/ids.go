package internal

import (
	"crypto/rand"
	"encoding/hex"
	"io"
)

// NewID returns a 128-bit random hex identifier. Used for work sessions,
// created entities without a client-supplied id, and bootstrap package ids.
func NewID() string {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic("internal.NewID: " + err.Error())
	}
	return hex.EncodeToString(b)
}
