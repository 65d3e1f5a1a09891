package policy

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"

	"github.com/HerbHall/warden/pkg/models"
	"golang.org/x/crypto/chacha20poly1305"
)

// Supported reversible ciphers.
const (
	CipherAES256GCM         = "aes-256-gcm"
	CipherXChaCha20Poly1305 = "xchacha20-poly1305"
)

// aeadKeyLen is the key size for both AEADs.
const aeadKeyLen = 32

// CipherParams selects the AEAD and the KDF that stretches the key
// material into a per-salt encryption key. KDF.KeyLength is ignored.
type CipherParams struct {
	Algorithm string           `mapstructure:"algorithm"`
	KDF       models.KDFParams `mapstructure:"kdf"`
}

// EncryptReversible encrypts secret under a key derived from keyMaterial
// and salt. The output is nonce || ciphertext+tag. Only recoverable values
// go through here; passwords are never encrypted, only derived.
func EncryptReversible(keyMaterial, secret, salt []byte, p CipherParams, r io.Reader) ([]byte, error) {
	const op = "encrypt"
	if len(secret) == 0 {
		return nil, errorf(KindInsufficientInput, op, "empty plaintext")
	}
	aead, err := newAEAD(op, keyMaterial, salt, p)
	if err != nil {
		return nil, err
	}
	if r == nil {
		r = rand.Reader
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(secret)+aead.Overhead())
	if _, err := io.ReadFull(r, nonce); err != nil {
		return nil, newError(KindInsufficientInput, op, errors.New("entropy source exhausted"))
	}
	return aead.Seal(nonce, nonce, secret, nil), nil
}

// DecryptReversible reverses EncryptReversible. Authentication failure,
// including a wrong key, yields KindCryptoFailure.
func DecryptReversible(keyMaterial, blob, salt []byte, p CipherParams) ([]byte, error) {
	const op = "decrypt"
	aead, err := newAEAD(op, keyMaterial, salt, p)
	if err != nil {
		return nil, err
	}
	if len(blob) < aead.NonceSize()+aead.Overhead() {
		return nil, errorf(KindCryptoFailure, op, "ciphertext too short")
	}
	nonce, ct := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, errorf(KindCryptoFailure, op, "message authentication failed")
	}
	return plain, nil
}

// SupportedCipher reports whether name is a known AEAD.
func SupportedCipher(name string) bool {
	return name == CipherAES256GCM || name == CipherXChaCha20Poly1305
}

func newAEAD(op string, keyMaterial, salt []byte, p CipherParams) (cipher.AEAD, error) {
	if !SupportedCipher(p.Algorithm) {
		return nil, errorf(KindUnsupportedAlgorithm, op, "cipher %q", p.Algorithm)
	}
	if len(keyMaterial) == 0 {
		return nil, errorf(KindInsufficientInput, op, "empty key material")
	}
	kdf := p.KDF
	kdf.KeyLength = aeadKeyLen
	key, err := Derive(keyMaterial, salt, kdf)
	if err != nil {
		return nil, err
	}
	defer Zero(key)

	var aead cipher.AEAD
	switch p.Algorithm {
	case CipherAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, newError(KindCryptoFailure, op, err)
		}
		aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, newError(KindCryptoFailure, op, err)
		}
	default:
		aead, err = chacha20poly1305.NewX(key)
		if err != nil {
			return nil, newError(KindCryptoFailure, op, err)
		}
	}
	return aead, nil
}
