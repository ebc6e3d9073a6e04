package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// StateTokenLength is the length of authorization state tokens.
const StateTokenLength = 50

// PKCEVerifierLength is the length of PKCE code verifiers (RFC 7636 max).
const PKCEVerifierLength = 128

// tokenAlphabet is the RFC 7636 unreserved character set, valid both for
// code verifiers and for state values carried in URLs.
const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// RandomToken returns a random string of length n drawn from the unreserved
// URL character set.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	for i, c := range b {
		b[i] = tokenAlphabet[int(c)%len(tokenAlphabet)]
	}
	return string(b), nil
}

// GenerateStateToken returns a random token identifying one authorization
// session server-side.
func GenerateStateToken() (string, error) {
	return RandomToken(StateTokenLength)
}

// GeneratePKCEVerifier returns a random PKCE code verifier.
func GeneratePKCEVerifier() (string, error) {
	return RandomToken(PKCEVerifierLength)
}

// GenerateSecureToken creates a cryptographically secure random token.
// Returns a base64 URL-encoded string suitable for use as nonces,
// device identifiers, etc.
func GenerateSecureToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
