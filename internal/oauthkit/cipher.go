package oauthkit

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const cipherKeyIDPrefix = "v1:"

var (
	errEncryptionKeyEmpty  = errors.New("cipher.empty_key")
	errEncryptionKeyFormat = errors.New("cipher.invalid_key_format")
	errEncryptionKeyLength = errors.New("cipher.key_must_be_32_bytes")
)

// CredentialCipher seals and opens token material with AES-256-GCM. The
// ciphertext carries a key-id prefix so a future key rotation can route old
// records to old keys.
type CredentialCipher struct {
	aead cipher.AEAD
}

// NewCredentialCipher builds a cipher from a urlsafe-base64 key that must
// decode to exactly 32 bytes. The key is held only inside the AEAD and is
// never logged.
func NewCredentialCipher(encodedKey string) (*CredentialCipher, error) {
	trimmed := strings.TrimSpace(encodedKey)
	if trimmed == "" {
		return nil, fmt.Errorf("cipher.init: %w", errEncryptionKeyEmpty)
	}
	rawKey, decodeErr := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(strings.TrimRight(trimmed, "="))
	if decodeErr != nil {
		return nil, fmt.Errorf("cipher.init: %w", errEncryptionKeyFormat)
	}
	if len(rawKey) != 32 {
		return nil, fmt.Errorf("cipher.init: %w", errEncryptionKeyLength)
	}
	block, blockErr := aes.NewCipher(rawKey)
	if blockErr != nil {
		return nil, fmt.Errorf("cipher.init: %w", blockErr)
	}
	aead, aeadErr := cipher.NewGCM(block)
	if aeadErr != nil {
		return nil, fmt.Errorf("cipher.init: %w", aeadErr)
	}
	return &CredentialCipher{aead: aead}, nil
}

// Seal encrypts plaintext and returns a self-describing ciphertext string.
func (credentialCipher *CredentialCipher) Seal(plaintext string) (string, error) {
	nonce := make([]byte, credentialCipher.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("cipher.seal: %w", err)
	}
	sealed := credentialCipher.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return cipherKeyIDPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open authenticates and decrypts a ciphertext produced by Seal. Foreign or
// corrupted ciphertext fails with ErrDecryptionFailed rather than yielding
// garbage.
func (credentialCipher *CredentialCipher) Open(ciphertext string) (string, error) {
	encoded, found := strings.CutPrefix(ciphertext, cipherKeyIDPrefix)
	if !found {
		return "", fmt.Errorf("cipher.open: %w", ErrDecryptionFailed)
	}
	sealed, decodeErr := base64.RawURLEncoding.DecodeString(encoded)
	if decodeErr != nil || len(sealed) < credentialCipher.aead.NonceSize() {
		return "", fmt.Errorf("cipher.open: %w", ErrDecryptionFailed)
	}
	nonce := sealed[:credentialCipher.aead.NonceSize()]
	plaintext, openErr := credentialCipher.aead.Open(nil, nonce, sealed[credentialCipher.aead.NonceSize():], nil)
	if openErr != nil {
		return "", fmt.Errorf("cipher.open: %w", ErrDecryptionFailed)
	}
	return string(plaintext), nil
}
