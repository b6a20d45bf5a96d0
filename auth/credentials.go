package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"github.com/INLOpen/nexusledger/core"
	"golang.org/x/crypto/argon2"
)

// argon2id parameters. The derived key is exactly core.HashSize bytes so it
// fits the fixed-width hash field of a UserRecord.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// NewSalt returns core.SaltSize random bytes.
func NewSalt() ([core.SaltSize]byte, error) {
	var salt [core.SaltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return salt, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey hashes password with salt using argon2id.
func DeriveKey(password string, salt [core.SaltSize]byte) [core.HashSize]byte {
	var out [core.HashSize]byte
	copy(out[:], argon2.IDKey([]byte(password), salt[:], argonTime, argonMemory, argonThreads, core.HashSize))
	return out
}

// HashPassword generates a fresh salt and returns the derived hash with it.
func HashPassword(password string) ([core.HashSize]byte, [core.SaltSize]byte, error) {
	salt, err := NewSalt()
	if err != nil {
		return [core.HashSize]byte{}, salt, err
	}
	return DeriveKey(password, salt), salt, nil
}

// VerifyPassword reports whether password matches the stored hash and salt.
// The comparison runs in constant time.
func VerifyPassword(password string, hash [core.HashSize]byte, salt [core.SaltSize]byte) bool {
	got := DeriveKey(password, salt)
	return subtle.ConstantTimeCompare(got[:], hash[:]) == 1
}
