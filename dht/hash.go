package dht

import (
	"crypto/sha512"

	"github.com/opd-ai/kadcore/nodeid"
)

// Sha512Hasher implements store.Hasher with SHA-512, whose 64-byte digest
// matches nodeid.Size exactly, the only stdlib hash that lines up with
// the 512-bit key space without truncation or padding.
type Sha512Hasher struct{}

// Hash implements store.Hasher.
func (Sha512Hasher) Hash(value []byte) nodeid.ID {
	digest := sha512.Sum512(value)
	id, _ := nodeid.FromBytes(digest[:])
	return id
}
