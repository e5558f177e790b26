package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureKeyPairIsStable(t *testing.T) {
	tempDir := t.TempDir()
	privatePath := filepath.Join(tempDir, "keys", "ed25519_private.pem")
	publicPath := filepath.Join(tempDir, "keys", "ed25519_public.pem")

	first, err := EnsureKeyPair(privatePath, publicPath)
	if err != nil {
		t.Fatalf("first EnsureKeyPair failed: %v", err)
	}
	second, err := EnsureKeyPair(privatePath, publicPath)
	if err != nil {
		t.Fatalf("second EnsureKeyPair failed: %v", err)
	}

	if !bytes.Equal(first.Private, second.Private) || !bytes.Equal(first.Public, second.Public) {
		t.Fatalf("expected stable keys across runs")
	}
	if first.Fingerprint() != second.Fingerprint() || len(first.Fingerprint()) != 32 {
		t.Fatalf("unexpected fingerprint %q", first.Fingerprint())
	}
}

func TestEnsureKeyPairRewritesMissingPublicKey(t *testing.T) {
	tempDir := t.TempDir()
	privatePath := filepath.Join(tempDir, "private.pem")
	publicPath := filepath.Join(tempDir, "public.pem")

	keys, err := EnsureKeyPair(privatePath, publicPath)
	if err != nil {
		t.Fatalf("EnsureKeyPair failed: %v", err)
	}
	if err := os.Remove(publicPath); err != nil {
		t.Fatalf("remove public key: %v", err)
	}

	reloaded, err := EnsureKeyPair(privatePath, publicPath)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if !bytes.Equal(keys.Public, reloaded.Public) {
		t.Fatalf("expected public key derived from private key")
	}
	if _, err := os.Stat(publicPath); err != nil {
		t.Fatalf("expected public key rewritten: %v", err)
	}
}

func TestEnsureKeyPairRejectsCorruptPrivateKey(t *testing.T) {
	tempDir := t.TempDir()
	privatePath := filepath.Join(tempDir, "private.pem")
	if err := os.WriteFile(privatePath, []byte("not pem"), 0o600); err != nil {
		t.Fatalf("write corrupt key: %v", err)
	}
	if _, err := EnsureKeyPair(privatePath, filepath.Join(tempDir, "public.pem")); err == nil {
		t.Fatalf("expected corrupt key to fail")
	}
}

func TestSignAndVerify(t *testing.T) {
	keys, err := EnsureKeyPair(filepath.Join(t.TempDir(), "a.pem"), filepath.Join(t.TempDir(), "b.pem"))
	if err != nil {
		t.Fatalf("EnsureKeyPair failed: %v", err)
	}

	payload := []byte("msg-1\nself\n42\nhello")
	signature := keys.Sign(payload)
	if !Verify(keys.Public, payload, signature) {
		t.Fatalf("expected signature to verify")
	}
	if Verify(keys.Public, []byte("tampered"), signature) {
		t.Fatalf("expected tampered payload to fail")
	}
	if Verify(keys.Public, payload, "!!not base64") {
		t.Fatalf("expected malformed signature to fail")
	}
	if Verify(nil, payload, signature) {
		t.Fatalf("expected missing key to fail")
	}
}

func TestFormatFingerprint(t *testing.T) {
	if got := FormatFingerprint("abcd1234ef"); got != "ABCD 1234 EF" {
		t.Fatalf("unexpected formatted fingerprint %q", got)
	}
	if got := FormatFingerprint(""); got != "" {
		t.Fatalf("expected empty fingerprint, got %q", got)
	}
}
