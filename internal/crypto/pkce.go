package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// PKCEChallengeS256 derives the S256 code challenge for a verifier:
// URL-safe, padding-stripped base64 of the SHA-256 digest.
func PKCEChallengeS256(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// VerifyPKCE reports whether challenge matches verifier under S256.
func VerifyPKCE(verifier, challenge string) bool {
	computed := PKCEChallengeS256(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
