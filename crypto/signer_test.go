package crypto

import "testing"

func TestEd25519SignerVerifierRoundTrip(t *testing.T) {
	signer, err := GenerateEd25519Signer()
	if err != nil {
		t.Fatalf("GenerateEd25519Signer() error: %v", err)
	}
	var verifier Verifier = Ed25519Verifier{}

	message := []byte("store request for a hashable key")
	sig, err := signer.Sign(message)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}

	ok, err := verifier.Verify(message, sig, signer.PublicKey())
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if !ok {
		t.Error("expected signature to verify against the matching public key")
	}

	tampered := append([]byte(nil), message...)
	tampered[0] ^= 0xff
	ok, err = verifier.Verify(tampered, sig, signer.PublicKey())
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if ok {
		t.Error("expected signature verification to fail for a tampered message")
	}
}

func TestEd25519SignerPublicKeyMatchesSeed(t *testing.T) {
	a, err := GenerateEd25519Signer()
	if err != nil {
		t.Fatalf("GenerateEd25519Signer() error: %v", err)
	}
	b := Ed25519Signer{PrivateKey: a.PrivateKey}
	if a.PublicKey() != b.PublicKey() {
		t.Error("expected PublicKey() to be deterministic given the same seed")
	}
}
