// Package security provides webhook payload signing. Every delivery is
// signed with HMAC-SHA256 over the exact serialized payload bytes so
// receivers can authenticate the sender and detect tampering. The signing
// secret lives in kilnHome/keys/ and never appears in logs or errors.
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SignaturePrefix identifies the digest scheme in the signature header.
const SignaturePrefix = "sha256="

const secretBytes = 32

// Signer computes and checks webhook signatures with a shared secret.
type Signer struct {
	secret []byte
}

// NewSigner wraps an existing secret.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// GenerateSecret creates a new random signing secret.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate webhook secret: %w", err)
	}
	return secret, nil
}

// LoadOrCreateSigner loads the signing secret from disk, or generates one
// on first run. The secret is stored in kilnHome/keys/.
func LoadOrCreateSigner(kilnHome string) (*Signer, error) {
	keyDir := filepath.Join(kilnHome, "keys")
	secretPath := filepath.Join(keyDir, "webhook.secret")

	raw, err := os.ReadFile(secretPath)
	if err == nil {
		secret, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("decode webhook secret: %w", err)
		}
		return &Signer{secret: secret}, nil
	}

	secret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(secretPath, []byte(hex.EncodeToString(secret)), 0600); err != nil {
		return nil, fmt.Errorf("write webhook secret: %w", err)
	}

	return &Signer{secret: secret}, nil
}

// Sign returns the signature header value for payload:
// "sha256=" followed by the hex HMAC-SHA256 digest.
func (s *Signer) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value against payload in constant time.
func (s *Signer) Verify(payload []byte, header string) bool {
	digest, ok := strings.CutPrefix(header, SignaturePrefix)
	if !ok {
		return false
	}
	got, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}
