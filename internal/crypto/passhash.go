// Package crypto implements server-side password hashing and token generation.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters (tuned for server-side hashing).
const (
	argonTime    uint32 = 2
	argonMemory  uint32 = 19 * 1024 // 19 MB
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32

	saltLen  = 16
	tokenLen = 16 // bytes, 32 hex chars on the wire
)

// ErrMalformedHash is returned when a stored hash cannot be decoded.
var ErrMalformedHash = errors.New("malformed password hash")

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// NewToken returns a random bearer token encoded as 32 lowercase hex chars.
func NewToken() (string, error) {
	b, err := RandBytes(tokenLen)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashPassword returns "hex(salt)$hex(argon2id(password, salt))" with a fresh salt.
func HashPassword(password []byte) (string, error) {
	salt, err := RandBytes(saltLen)
	if err != nil {
		return "", err
	}
	return encode(salt, derive(password, salt)), nil
}

// VerifyPassword reports whether password matches the encoded hash.
// A malformed hash never matches.
func VerifyPassword(password []byte, encoded string) bool {
	salt, want, err := decode(encoded)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(derive(password, salt), want) == 1
}

func derive(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

func encode(salt, hash []byte) string {
	return hex.EncodeToString(salt) + "$" + hex.EncodeToString(hash)
}

func decode(encoded string) (salt, hash []byte, err error) {
	s, h, ok := strings.Cut(encoded, "$")
	if !ok {
		return nil, nil, ErrMalformedHash
	}
	if salt, err = hex.DecodeString(s); err != nil || len(salt) == 0 {
		return nil, nil, ErrMalformedHash
	}
	if hash, err = hex.DecodeString(h); err != nil || len(hash) == 0 {
		return nil, nil, ErrMalformedHash
	}
	return salt, hash, nil
}
