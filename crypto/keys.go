// Package crypto manages the local Ed25519 identity key used to sign relayed messages
// and to fingerprint the device in discovery records.
package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	privatePEMType = "ED25519 PRIVATE KEY"
	publicPEMType  = "ED25519 PUBLIC KEY"
)

// KeyPair is the local identity key.
type KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// EnsureKeyPair loads the identity key from disk, generating it on first run.
// A missing or stale public key file is rewritten from the private key.
func EnsureKeyPair(privatePath, publicPath string) (*KeyPair, error) {
	raw, err := loadPEM(privatePath, privatePEMType, ed25519.PrivateKeySize)
	if err == nil {
		keys := &KeyPair{Private: ed25519.PrivateKey(raw)}
		keys.Public = keys.Private.Public().(ed25519.PublicKey)

		stored, pubErr := loadPEM(publicPath, publicPEMType, ed25519.PublicKeySize)
		if pubErr != nil || !bytes.Equal(stored, keys.Public) {
			if err := savePEM(publicPath, publicPEMType, keys.Public, 0o644); err != nil {
				return nil, err
			}
		}
		return keys, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	if err := savePEM(privatePath, privatePEMType, private, 0o600); err != nil {
		return nil, err
	}
	if err := savePEM(publicPath, publicPEMType, public, 0o644); err != nil {
		return nil, err
	}
	return &KeyPair{Private: private, Public: public}, nil
}

// Fingerprint returns the truncated SHA-256 hex fingerprint of the public key.
func (k *KeyPair) Fingerprint() string {
	return Fingerprint(k.Public)
}

// PublicKeyBase64 returns the public key in standard base64.
func (k *KeyPair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.Public)
}

// Sign returns a base64 signature over payload.
func (k *KeyPair) Sign(payload []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(k.Private, payload))
}

// Verify checks a base64 signature produced by Sign.
func Verify(public ed25519.PublicKey, payload []byte, signature string) bool {
	if len(public) != ed25519.PublicKeySize {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(raw) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(public, payload, raw)
}

// Fingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func Fingerprint(public ed25519.PublicKey) string {
	sum := sha256.Sum256(public)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint groups a fingerprint in uppercase blocks of four for display.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}
	return b.String()
}

func loadPEM(path, pemType string, size int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", strings.ToLower(pemType), err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s: no PEM block", path)
	}
	if block.Type != pemType {
		return nil, fmt.Errorf("decode %s: unexpected type %q", path, block.Type)
	}
	if len(block.Bytes) != size {
		return nil, fmt.Errorf("decode %s: invalid key size %d", path, len(block.Bytes))
	}
	return block.Bytes, nil
}

func savePEM(path, pemType string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	encoded := pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: data})
	if err := os.WriteFile(path, encoded, perm); err != nil {
		return fmt.Errorf("write %s: %w", strings.ToLower(pemType), err)
	}
	return nil
}
