// Package crypto provides the Ed25519 signing primitives the DHT core
// relies on to authenticate STORE requests. It backs
// the Signer/Verifier collaborator interfaces the dht package consumes,
// so routing and lookup code can authenticate a request without knowing
// which signature scheme backs it.
//
// # Core Types
//
//   - [Signature]: a raw Ed25519 signature.
//   - [Signer] / [Verifier]: the narrow interfaces the dht package depends
//     on, implemented here by [Ed25519Signer] / [Ed25519Verifier].
//
// # Digital Signatures
//
//	signer, _ := crypto.GenerateEd25519Signer()
//	sig, _ := signer.Sign(message)
//	ok, _ := crypto.Ed25519Verifier{}.Verify(message, sig, signer.PublicKey())
//
// PublicKey derives the verification key from the same seed Sign uses,
// so a receiver checks a signature against a key that actually matches it.
package crypto
