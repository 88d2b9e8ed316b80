// Package auth implements the session and authentication layer described
// in SPEC_FULL.md §4.2: password hashing, meet-id and token generation, the
// session table, encrypted session persistence, and the admission rate
// limiter.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/argon2"
)

// ErrInvalidCredentials is returned by VerifyPassword on any mismatch. It
// intentionally carries no detail about which check failed.
var ErrInvalidCredentials = errors.New("invalid credentials")

// KDFParams controls the Argon2id cost. The defaults are tuned for roughly
// 100ms on commodity hardware, per spec.md §4.2.
type KDFParams struct {
	TimeCost    uint32
	MemoryKiB   uint32
	Parallelism uint8
	KeyLen      uint32
	SaltLen     uint32
}

// DefaultKDFParams returns the KDF parameters used for newly created meets.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		TimeCost:    2,
		MemoryKiB:   19 * 1024,
		Parallelism: 1,
		KeyLen:      32,
		SaltLen:     16,
	}
}

// HashedPassword is the persisted form stored in auth.json — never the
// plaintext password (invariant I6).
type HashedPassword struct {
	Algorithm string
	Params    KDFParams
	Salt      []byte
	Hash      []byte
}

// HashPassword derives an Argon2id hash of password under freshly generated
// salt and the given params.
func HashPassword(password string, params KDFParams) (HashedPassword, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return HashedPassword{}, fmt.Errorf("generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, params.TimeCost, params.MemoryKiB, params.Parallelism, params.KeyLen)

	return HashedPassword{
		Algorithm: "argon2id",
		Params:    params,
		Salt:      salt,
		Hash:      hash,
	}, nil
}

// VerifyPassword recomputes the hash under the stored params/salt and
// compares in constant time.
func VerifyPassword(password string, stored HashedPassword) error {
	candidate := argon2.IDKey([]byte(password), stored.Salt, stored.Params.TimeCost, stored.Params.MemoryKiB, stored.Params.Parallelism, stored.Params.KeyLen)
	if subtle.ConstantTimeCompare(candidate, stored.Hash) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// EncodeSalt/EncodeHash render the binary fields for storage in auth.json.
func EncodeSalt(h HashedPassword) string { return base64.StdEncoding.EncodeToString(h.Salt) }
func EncodeHash(h HashedPassword) string { return base64.StdEncoding.EncodeToString(h.Hash) }

// DecodeHashedPassword reconstructs a HashedPassword from its persisted
// fields.
func DecodeHashedPassword(algorithm string, params KDFParams, saltB64, hashB64 string) (HashedPassword, error) {
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return HashedPassword{}, fmt.Errorf("decode salt: %w", err)
	}
	hash, err := base64.StdEncoding.DecodeString(hashB64)
	if err != nil {
		return HashedPassword{}, fmt.Errorf("decode hash: %w", err)
	}
	return HashedPassword{Algorithm: algorithm, Params: params, Salt: salt, Hash: hash}, nil
}

// PasswordPolicy is the configurable predicate applied at meet creation
// (spec.md §4.2).
type PasswordPolicy struct {
	MinLength        int
	RequireUppercase bool
	RequireLowercase bool
	RequireDigit     bool
	RequireSpecial   bool
}

// DefaultPasswordPolicy matches spec.md §4.2's stated default.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:        10,
		RequireUppercase: true,
		RequireLowercase: true,
		RequireDigit:     true,
		RequireSpecial:   true,
	}
}

// ErrWeakPassword is returned by PasswordPolicy.Validate.
var ErrWeakPassword = errors.New("password does not meet policy requirements")

// Validate checks password against the policy, returning ErrWeakPassword
// wrapped with the specific unmet requirements.
func (p PasswordPolicy) Validate(password string) error {
	var missing []string

	if len(password) < p.MinLength {
		missing = append(missing, fmt.Sprintf("at least %d characters", p.MinLength))
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}

	if p.RequireUppercase && !hasUpper {
		missing = append(missing, "an uppercase letter")
	}
	if p.RequireLowercase && !hasLower {
		missing = append(missing, "a lowercase letter")
	}
	if p.RequireDigit && !hasDigit {
		missing = append(missing, "a digit")
	}
	if p.RequireSpecial && !hasSpecial {
		missing = append(missing, "a special character")
	}

	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: requires %s", ErrWeakPassword, strings.Join(missing, ", "))
}
