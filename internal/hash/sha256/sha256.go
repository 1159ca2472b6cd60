// Package sha256 provides content addressing for uploaded files.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
)

// Hasher implements registrar.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// UploadKey returns uploads/<owner>/<digest><ext> for an uploaded file. The
// extension is taken from name and lowercased.
func UploadKey(owner, name, digest string) string {
	ext := strings.ToLower(path.Ext(name))
	return path.Join("uploads", owner, digest+ext)
}
