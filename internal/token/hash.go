// Package token provides one-way hashing for single-use credentials
// (email verification tokens, password reset tokens) before persistence.
//
// Tokens are high-entropy random values, so an unsalted SHA-256 digest is
// sufficient; the raw token only ever exists in the email sent to the user
// and in the in-flight request.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
)

const rawTokenBytes = 32

// New generates a high-entropy random token. The returned string is the
// raw token handed to the user; callers must persist only Hash(raw).
func New() (string, error) {
	buf := make([]byte, rawTokenBytes)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Hash returns the hex-encoded SHA-256 digest of a raw token.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether the raw token matches the stored digest.
// The comparison is constant-time to avoid timing side channels.
func Verify(raw, digest string) bool {
	computed := Hash(raw)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(digest)) == 1
}
