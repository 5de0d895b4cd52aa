// Package sha256 computes the content digests used for archive paths and
// embedding cache keys.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher hashes page bodies.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Text returns the hex digest of s.
func Text(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
