package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
)

// Signer produces a signature over a message using a node's private key,
// and exposes the matching public key so a receiver can verify it. The
// dht package depends on this narrow interface rather than on concrete
// key material, so STORE requests can be authenticated without the
// routing and lookup code knowing which signature scheme backs it.
type Signer interface {
	Sign(message []byte) (Signature, error)
	PublicKey() [32]byte
}

// Verifier checks whether a signature over a message is valid for a
// given public key. Used to validate STORE requests (spec §4.8); the anonymous-signature sentinel bypasses this entirely
// and is handled by the caller before Verify is ever invoked.
type Verifier interface {
	Verify(message []byte, signature Signature, publicKey [32]byte) (bool, error)
}

// Ed25519Signer implements Signer with a fixed Ed25519 private key seed.
type Ed25519Signer struct {
	PrivateKey [32]byte
}

// Sign implements Signer.
func (s Ed25519Signer) Sign(message []byte) (Signature, error) {
	return Sign(message, s.PrivateKey)
}

// PublicKey implements Signer, deriving the public key from the same seed
// Sign uses so a receiver's Verify call is checking against a key that
// actually matches the signature.
func (s Ed25519Signer) PublicKey() [32]byte {
	priv := ed25519.NewKeyFromSeed(s.PrivateKey[:])
	var pub [32]byte
	copy(pub[:], priv.Public().(ed25519.PublicKey))
	return pub
}

// GenerateEd25519Signer creates an Ed25519Signer from a fresh random seed.
func GenerateEd25519Signer() (Ed25519Signer, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return Ed25519Signer{}, err
	}
	return Ed25519Signer{PrivateKey: seed}, nil
}

// Ed25519Verifier implements Verifier using the package's Ed25519 verification.
type Ed25519Verifier struct{}

// Verify implements Verifier.
func (Ed25519Verifier) Verify(message []byte, signature Signature, publicKey [32]byte) (bool, error) {
	return Verify(message, signature, publicKey)
}
