// Package crypto provides field-level encryption for sensitive user data.
// Keys are derived from a secret with PBKDF2; values are sealed with
// AES-256-GCM so tampering is detected on decrypt.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"kindred/internal/domain"
)

const (
	// kdfIterations is the PBKDF2 iteration count. Do not lower: stored
	// ciphertexts assume at least this work factor.
	kdfIterations = 100_000
	keyLen        = 32 // AES-256
)

// defaultSalt is used when the config does not provide one. A custom salt
// should be set for any deployment that shares secrets across instances.
var defaultSalt = []byte("kindred_key_derivation_salt")

// DeriveKey derives a 256-bit key from a secret using PBKDF2-SHA256.
func DeriveKey(secret string, salt []byte) []byte {
	if len(salt) == 0 {
		salt = defaultSalt
	}
	return pbkdf2.Key([]byte(secret), salt, kdfIterations, keyLen, sha256.New)
}

// Cipher seals and opens individual field values.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a derived key.
func NewCipher(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cannot create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cannot create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// EncryptField seals plaintext and returns base64(nonce || ciphertext || tag).
func (c *Cipher) EncryptField(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("cannot generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptField opens a value produced by EncryptField. Any failure
// (wrong key, truncation, tampering) returns ErrAuthenticationFailed and
// no plaintext.
func (c *Cipher) DecryptField(encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext encoding", domain.ErrAuthenticationFailed)
	}
	if len(sealed) < c.aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", domain.ErrAuthenticationFailed)
	}
	nonce, ct := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, domain.ErrAuthenticationFailed
	}
	return plaintext, nil
}
