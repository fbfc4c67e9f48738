// Package crypto provides cryptographic utilities for the sync server.
// This includes AES-256-GCM encryption of stored cloud credentials, content
// checksums, and key generation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the size of the AES-256 key in bytes.
	KeySize = 32

	// NonceSize is the size of the GCM nonce in bytes.
	NonceSize = 12

	// SecretLength is the length of generated token signing secrets.
	SecretLength = 48
)

// Errors
var (
	// ErrInvalidKeySize indicates the encryption key is not 32 bytes.
	ErrInvalidKeySize = errors.New("encryption key must be 32 bytes (256 bits)")

	// ErrInvalidCiphertext indicates a sealed value is malformed or too short.
	ErrInvalidCiphertext = errors.New("invalid sealed value")

	// ErrDecryptionFailed indicates the key or the associated string is wrong, or the value was altered.
	ErrDecryptionFailed = errors.New("decryption failed: authentication error")
)

// sealPrefix marks the format of a sealed value.
const sealPrefix = "v1:"

// Encryptor seals short secrets, such as vendor credentials, with AES-256-GCM.
// A sealed value is bound to an associated string and opens only with the same one.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates an Encryptor. The key must be exactly 32 bytes.
func NewEncryptor(masterKey []byte) (*Encryptor, error) {
	if len(masterKey) != KeySize {
		return nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// Seal encrypts plaintext bound to associated.
// The result is "v1:" followed by base64(nonce || ciphertext || tag).
func (e *Encryptor) Seal(plaintext []byte, associated string) (string, error) {
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, plaintext, []byte(associated))
	return sealPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal with the same associated string.
func (e *Encryptor) Open(sealed, associated string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(sealed, sealPrefix)
	if !ok {
		return nil, ErrInvalidCiphertext
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(raw) < NonceSize+e.aead.Overhead() {
		return nil, ErrInvalidCiphertext
	}

	plaintext, err := e.aead.Open(nil, raw[:NonceSize], raw[NonceSize:], []byte(associated))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// IsSealed reports whether s looks like a value produced by Seal.
func IsSealed(s string) bool {
	return strings.HasPrefix(s, sealPrefix)
}
