package seal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeyEnv is the env var name for the token seal secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	KeyEnv = "NEX_TOKEN_SEAL_KEY"

	// MinKeyBytes is the minimum raw key size under the sealed-token policy.
	MinKeyBytes = 32

	nonceSize = 24
	prefix    = "sb1:"
	keyInfo   = "nex token seal v1"
)

// KeyFromEnv returns the configured key bytes (trimmed), enforcing a minimum byte length.
// If the env var is missing/blank -> ErrKeyMissing.
// If too short -> ErrKeyTooShort.
func KeyFromEnv(minBytes int) ([]byte, error) {
	return checkKey(os.Getenv(KeyEnv), minBytes)
}

func checkKey(raw string, minBytes int) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrKeyTooShort
	}
	return b, nil
}

// Sealer seals and opens tokens with one derived key.
type Sealer struct {
	key  [32]byte
	rand io.Reader
}

// New derives a Sealer from raw key material.
func New(raw []byte) (*Sealer, error) {
	if len(raw) == 0 {
		return nil, ErrKeyMissing
	}
	s := &Sealer{rand: rand.Reader}
	if _, err := io.ReadFull(hkdf.New(sha256.New, raw, nil, []byte(keyInfo)), s.key[:]); err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}
	return s, nil
}

// NewFromString validates raw against minBytes and derives a Sealer.
func NewFromString(raw string, minBytes int) (*Sealer, error) {
	b, err := checkKey(raw, minBytes)
	if err != nil {
		return nil, err
	}
	return New(b)
}

// Seal encrypts plaintext into a printable, prefixed string.
func (s *Sealer) Seal(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(s.rand, nonce[:]); err != nil {
		return "", fmt.Errorf("seal nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return prefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Any tampering or wrong key yields ErrOpen.
func (s *Sealer) Open(sealed string) (string, error) {
	if !IsSealed(sealed) {
		return "", ErrOpen
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(sealed, prefix))
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrOpen
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	out, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", ErrOpen
	}
	return string(out), nil
}

// IsSealed reports whether s looks like Seal output.
func IsSealed(s string) bool { return strings.HasPrefix(s, prefix) }
