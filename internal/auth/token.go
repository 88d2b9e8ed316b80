package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// tokenBytes is the raw entropy of a generated bearer or CSRF token: 144
// bits, above spec.md §4.2's 128-bit minimum.
const tokenBytes = 18

// GenerateToken returns a base64url-encoded (no padding) random token
// suitable for use as a bearer session token or a CSRF token.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
