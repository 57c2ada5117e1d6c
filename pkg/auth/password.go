package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the work factor for new password hashes. Stored
	// users keep the factor they were hashed with, so raising this never
	// invalidates existing credentials.
	pbkdf2Iterations = 200_000
	saltLen          = 16
	keyLen           = 32
)

// hashPassword derives a fresh salt and PBKDF2-HMAC-SHA256 hash.
func hashPassword(password string) (salt, hash []byte, iterations int, err error) {
	salt = make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, 0, fmt.Errorf("auth: salt: %w", err)
	}
	hash = pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, keyLen, sha256.New)
	return salt, hash, pbkdf2Iterations, nil
}

// verifyPassword recomputes the derivation and compares in constant time.
func verifyPassword(password string, salt, hash []byte, iterations int) bool {
	if len(salt) == 0 || len(hash) == 0 || iterations <= 0 {
		return false
	}
	derived := pbkdf2.Key([]byte(password), salt, iterations, len(hash), sha256.New)
	return subtle.ConstantTimeCompare(derived, hash) == 1
}
