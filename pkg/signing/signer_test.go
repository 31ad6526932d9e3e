package signing

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestFileSigner_SignAndVerify(t *testing.T) {
	signer, err := NewEphemeralSigner()
	if err != nil {
		t.Fatalf("NewEphemeralSigner failed: %v", err)
	}

	message := []byte("circuit lifecycle vote")
	signature, err := signer.Sign(message)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if err := Verify(signer.PublicKey(), message, signature); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	// Tampered message must fail verification.
	if err := Verify(signer.PublicKey(), []byte("another message"), signature); err == nil {
		t.Fatal("expected verification failure for tampered message")
	}

	// A different key must fail verification.
	other, err := NewEphemeralSigner()
	if err != nil {
		t.Fatalf("NewEphemeralSigner failed: %v", err)
	}
	if err := Verify(other.PublicKey(), message, signature); err == nil {
		t.Fatal("expected verification failure for foreign key")
	}
}

func TestFileSigner_KeyPersistsAcrossLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")

	first, err := NewFileSigner(path)
	if err != nil {
		t.Fatalf("NewFileSigner failed: %v", err)
	}
	second, err := NewFileSigner(path)
	if err != nil {
		t.Fatalf("NewFileSigner reload failed: %v", err)
	}

	if !bytes.Equal(first.PublicKey(), second.PublicKey()) {
		t.Fatal("reloading the key file produced a different key")
	}
}
