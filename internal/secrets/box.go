package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrNoKey is returned when the credential store has no master key configured.
var ErrNoKey = errors.New("secrets: master key not configured")

const nonceSize = 24

// Box encrypts and decrypts stored secrets (webhook keys, basic-auth
// passwords) with nacl/secretbox. Ciphertexts are base64 text with the
// random nonce prefixed, so they can live in any settings store.
type Box struct {
	key  [32]byte
	open bool
}

// New builds a Box from a base64-encoded 32-byte master key. An empty key
// yields a closed box: every Encrypt/Decrypt fails, which callers surface
// as a configuration error rather than falling back to plaintext.
func New(encodedKey string) (*Box, error) {
	if encodedKey == "" {
		return &Box{}, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("secrets: decode master key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("secrets: master key must be 32 bytes, got %d", len(raw))
	}
	b := &Box{open: true}
	copy(b.key[:], raw)
	return b, nil
}

// Encrypt seals value and returns base64(nonce || ciphertext).
func (b *Box) Encrypt(value string) (string, error) {
	if !b.open {
		return "", ErrNoKey
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(value), &nonce, &b.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. It fails on a missing key, malformed input,
// or a ciphertext sealed under a different key.
func (b *Box) Decrypt(ciphertext string) (string, error) {
	if !b.open {
		return "", ErrNoKey
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("secrets: decode ciphertext: %w", err)
	}
	if len(raw) < nonceSize {
		return "", errors.New("secrets: ciphertext too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	value, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &b.key)
	if !ok {
		return "", errors.New("secrets: decryption failed")
	}
	return string(value), nil
}
