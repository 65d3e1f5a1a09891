package policy

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"errors"
	"io"

	"github.com/HerbHall/warden/pkg/models"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

// Supported KDF names.
const (
	KDFPBKDF2SHA256 = "pbkdf2-sha256"
	KDFPBKDF2SHA512 = "pbkdf2-sha512"
	KDFArgon2id     = "argon2id"
	KDFScrypt       = "scrypt"
)

// Limits enforced on inputs and configuration.
const (
	MinSaltLength       = 16
	MaxSaltLength       = 255
	MinPBKDF2Iterations = 100_000
	MaxKeyLength        = 1024
)

// Argon2id memory and parallelism are fixed; Iterations maps to the time cost.
const (
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
)

// scrypt block size and parallelism; Iterations maps to the cost N.
const (
	scryptR = 8
	scryptP = 1
)

// GenerateSalt reads length bytes from r, which must be a CSPRNG. A nil
// reader selects crypto/rand.
func GenerateSalt(r io.Reader, length int) ([]byte, error) {
	const op = "generate salt"
	if length < MinSaltLength {
		return nil, errorf(KindInsufficientInput, op, "salt length %d below minimum %d", length, MinSaltLength)
	}
	if r == nil {
		r = rand.Reader
	}
	salt := make([]byte, length)
	if _, err := io.ReadFull(r, salt); err != nil {
		return nil, newError(KindInsufficientInput, op, errors.New("entropy source exhausted"))
	}
	return salt, nil
}

// Supported reports whether name is a known KDF.
func Supported(name string) bool {
	switch name {
	case KDFPBKDF2SHA256, KDFPBKDF2SHA512, KDFArgon2id, KDFScrypt:
		return true
	}
	return false
}

// Derive runs the named KDF. Equal inputs always produce equal output.
func Derive(secret, salt []byte, p models.KDFParams) ([]byte, error) {
	const op = "derive"
	if !Supported(p.Name) {
		return nil, errorf(KindUnsupportedAlgorithm, op, "kdf %q", p.Name)
	}
	if len(secret) == 0 {
		return nil, errorf(KindInsufficientInput, op, "empty secret")
	}
	if len(salt) < MinSaltLength {
		return nil, errorf(KindInsufficientInput, op, "salt length %d below minimum %d", len(salt), MinSaltLength)
	}
	if p.KeyLength <= 0 || p.KeyLength > MaxKeyLength {
		return nil, errorf(KindInsufficientInput, op, "key length %d out of range", p.KeyLength)
	}
	if p.Iterations <= 0 {
		return nil, errorf(KindInsufficientInput, op, "iterations must be positive")
	}

	switch p.Name {
	case KDFPBKDF2SHA256:
		return pbkdf2.Key(secret, salt, p.Iterations, p.KeyLength, sha256.New), nil
	case KDFPBKDF2SHA512:
		return pbkdf2.Key(secret, salt, p.Iterations, p.KeyLength, sha512.New), nil
	case KDFArgon2id:
		return argon2.IDKey(secret, salt, uint32(p.Iterations), argonMemory, argonThreads, uint32(p.KeyLength)), nil
	default: // KDFScrypt
		out, err := scrypt.Key(secret, salt, p.Iterations, scryptR, scryptP, p.KeyLength)
		if err != nil {
			// scrypt rejects N that is not a power of two greater than one.
			return nil, newError(KindInsufficientInput, op, err)
		}
		return out, nil
	}
}

// Verify recomputes the derivation and compares it to stored in constant time.
func Verify(secret, salt, stored []byte, p models.KDFParams) (bool, error) {
	derived, err := Derive(secret, salt, p)
	if err != nil {
		return false, err
	}
	defer Zero(derived)
	return subtle.ConstantTimeCompare(derived, stored) == 1, nil
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
