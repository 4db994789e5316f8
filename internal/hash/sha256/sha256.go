// Package sha256 digests task keys with SHA-256.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher. A namespace, when set, is mixed into
// every digest so two crawls over the same URLs produce distinct keys.
type Hasher struct {
	namespace []byte
}

// New returns a Hasher with no namespace.
func New() *Hasher {
	return &Hasher{}
}

// NewNamespaced returns a Hasher whose digests are scoped to namespace.
func NewNamespaced(namespace string) *Hasher {
	if namespace == "" {
		return New()
	}
	return &Hasher{namespace: []byte(namespace + "\x00")}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	d := sha256.New()
	d.Write(h.namespace)
	d.Write(data)
	return hex.EncodeToString(d.Sum(nil)), nil
}
