package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrDecryptFailed is returned when a ciphertext cannot be authenticated.
var ErrDecryptFailed = errors.New("decryption failed")

// Encryptor is the symmetric authenticated-encryption collaborator used to
// protect refresh tokens at rest.
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// SecretboxEncryptor implements Encryptor with NaCl secretbox
// (XSalsa20-Poly1305) under a SHA-256 derived key.
type SecretboxEncryptor struct {
	key [32]byte
}

// NewSecretboxEncryptor derives a secretbox key from the given material.
// The material is hashed, so any length is accepted.
func NewSecretboxEncryptor(keyMaterial string) *SecretboxEncryptor {
	e := &SecretboxEncryptor{}
	e.key = sha256.Sum256([]byte(keyMaterial))
	return e
}

// Encrypt seals plaintext with a fresh random nonce. The result is
// base64 of nonce||box, safe to store as an opaque string value.
func (e *SecretboxEncryptor) Encrypt(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &e.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any tampering, truncation,
// or key mismatch yields ErrDecryptFailed.
func (e *SecretboxEncryptor) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	if len(raw) < 24 {
		return "", ErrDecryptFailed
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plaintext, ok := secretbox.Open(nil, raw[24:], &nonce, &e.key)
	if !ok {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}

// StorageKey derives the at-rest key under which a refresh token is
// persisted: hex SHA-256 of the device identity concatenated with the
// client id. Namespacing by client id keeps instances from colliding in a
// shared store.
func StorageKey(deviceID, clientID string) string {
	sum := sha256.Sum256([]byte(deviceID + clientID))
	return hex.EncodeToString(sum[:])
}

// EncryptionKeyMaterial builds the key material for the refresh-token
// encryptor: device identity, client secret, and client id concatenated.
func EncryptionKeyMaterial(deviceID, clientSecret, clientID string) string {
	return deviceID + clientSecret + clientID
}
