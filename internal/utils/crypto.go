// internal/utils/crypto.go
package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

var ErrSecretCorrupted = errors.New("sealed secret could not be opened")

func randomFromCharset(charset string, length int) (string, error) {
	b := make([]byte, length)

	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		b[i] = charset[n.Int64()]
	}

	return string(b), nil
}

// GenerateEscrowReference returns the reference id the provider uses to
// address an escrow transaction.
func GenerateEscrowReference() (string, error) {
	randomPart, err := randomFromCharset("ABCDEFGHJKLMNPQRSTUVWXYZ23456789", 16)
	if err != nil {
		return "", err
	}
	return "ESC-" + randomPart, nil
}

// GenerateWebhookSecret returns 32 random bytes, hex encoded.
func GenerateWebhookSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// SecretBox seals short secrets at rest with NaCl secretbox.
type SecretBox struct {
	key [32]byte
}

// NewSecretBox takes a 32-byte hex key. Any other non-empty string is
// stretched with SHA-256.
func NewSecretBox(key string) (*SecretBox, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("secret box key is empty")
	}
	box := &SecretBox{}
	if raw, err := hex.DecodeString(key); err == nil && len(raw) == 32 {
		copy(box.key[:], raw)
		return box, nil
	}
	box.key = sha256.Sum256([]byte(key))
	return box, nil
}

func (b *SecretBox) Seal(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &b.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (b *SecretBox) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < 24+secretbox.Overhead {
		return "", ErrSecretCorrupted
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &b.key)
	if !ok {
		return "", ErrSecretCorrupted
	}
	return string(plain), nil
}
