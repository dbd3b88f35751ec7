// Package sha256 provides SHA-256 digests for artifact names and script fingerprints.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements storage.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Fingerprint returns the first 16 hex characters of the digest of a script body.
// Identical scripts submitted with different row data share a fingerprint.
func (h *Hasher) Fingerprint(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:8])
}
