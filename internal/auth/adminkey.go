// Package auth verifies the shared admin secret that gates privileged
// broadcast operations.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	adminKeyHashIterations = 120_000
	adminKeyHashSaltLength = 16
	adminKeyHashKeyLength  = 32
)

// ErrInvalidAdminKey is returned when a supplied admin secret does not match.
var ErrInvalidAdminKey = errors.New("invalid admin key")

// AdminKey holds the configured shared secret, either in plaintext or as a
// PBKDF2 hash produced by HashAdminKey. Verification is constant-time in both
// representations.
type AdminKey struct {
	plain string
	hash  string
}

// NewAdminKey builds a verifier from a plaintext secret.
func NewAdminKey(secret string) (AdminKey, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return AdminKey{}, errors.New("admin key is required")
	}
	return AdminKey{plain: trimmed}, nil
}

// NewAdminKeyFromHash builds a verifier from a stored PBKDF2 hash, so the
// plaintext secret never has to appear in the process environment.
func NewAdminKeyFromHash(encoded string) (AdminKey, error) {
	trimmed := strings.TrimSpace(encoded)
	if trimmed == "" {
		return AdminKey{}, errors.New("admin key hash is required")
	}
	if _, _, _, err := parseAdminKeyHash(trimmed); err != nil {
		return AdminKey{}, err
	}
	return AdminKey{hash: trimmed}, nil
}

// Configured reports whether a secret has been installed.
func (k AdminKey) Configured() bool {
	return k.plain != "" || k.hash != ""
}

// Verify checks the candidate secret, returning ErrInvalidAdminKey on
// mismatch.
func (k AdminKey) Verify(candidate string) error {
	candidate = strings.TrimSpace(candidate)
	if !k.Configured() {
		return errors.New("admin key not configured")
	}
	if k.hash != "" {
		iterations, salt, storedKey, err := parseAdminKeyHash(k.hash)
		if err != nil {
			return err
		}
		derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
		if subtle.ConstantTimeCompare(derived, storedKey) != 1 {
			return ErrInvalidAdminKey
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(k.plain)) != 1 {
		return ErrInvalidAdminKey
	}
	return nil
}

// HashAdminKey derives a PBKDF2 hash suitable for NewAdminKeyFromHash.
func HashAdminKey(secret string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("admin key is required")
	}
	salt := make([]byte, adminKeyHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(secret), salt, adminKeyHashIterations, adminKeyHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", adminKeyHashIterations, encodedSalt, encodedKey), nil
}

func parseAdminKeyHash(encoded string) (iterations int, salt, key []byte, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 {
		return 0, nil, nil, fmt.Errorf("admin key hash: invalid format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return 0, nil, nil, fmt.Errorf("admin key hash: unsupported identifier")
	}
	iterations, err = strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return 0, nil, nil, fmt.Errorf("admin key hash: invalid iteration count")
	}
	salt, err = base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("admin key hash: decode salt: %w", err)
	}
	key, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("admin key hash: decode hash: %w", err)
	}
	return iterations, salt, key, nil
}
