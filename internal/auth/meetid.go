package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// meetIDDigits is the length of a generated meet id (spec.md §4.2: a
// 9-digit numeric id, distinct from any internal UUID correlation id).
const meetIDDigits = 9

// GenerateMeetID returns a random 9-digit numeric string. The leading digit
// may be zero; ids are checked against the store for collisions by the
// caller, not here.
func GenerateMeetID() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < meetIDDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}

	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate meet id: %w", err)
	}

	return fmt.Sprintf("%0*d", meetIDDigits, n.Int64()), nil
}

// CanonicalizeMeetID strips any spacing (the wire format allows "NNN NNN
// NNN") and verifies the result is exactly 9 decimal digits (spec.md
// §6.1's field constraints).
func CanonicalizeMeetID(raw string) (string, bool) {
	id := strings.ReplaceAll(raw, " ", "")
	if len(id) != meetIDDigits {
		return "", false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return id, true
}
