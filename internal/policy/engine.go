package policy

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/HerbHall/warden/pkg/models"
)

// Config is the immutable policy configuration.
type Config struct {
	KDF               models.KDFParams `mapstructure:"kdf"`
	SaltLength        int              `mapstructure:"salt_length"`
	Reversible        CipherParams     `mapstructure:"reversible"`
	MinPasswordLength int              `mapstructure:"min_password_length"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		KDF:        models.KDFParams{Name: KDFPBKDF2SHA512, Iterations: 210_000, KeyLength: 64},
		SaltLength: 32,
		Reversible: CipherParams{
			Algorithm: CipherAES256GCM,
			KDF:       models.KDFParams{Name: KDFArgon2id, Iterations: 1},
		},
		MinPasswordLength: 8,
	}
}

// Validate rejects unsupported algorithms and weak parameters.
func (c Config) Validate() error {
	const op = "config"
	if !Supported(c.KDF.Name) {
		return errorf(KindUnsupportedAlgorithm, op, "kdf %q", c.KDF.Name)
	}
	if strings.HasPrefix(c.KDF.Name, "pbkdf2") && c.KDF.Iterations < MinPBKDF2Iterations {
		return errorf(KindInsufficientInput, op, "pbkdf2 iterations %d below minimum %d", c.KDF.Iterations, MinPBKDF2Iterations)
	}
	if c.KDF.Iterations <= 0 {
		return errorf(KindInsufficientInput, op, "kdf iterations must be positive")
	}
	if c.KDF.KeyLength < 16 || c.KDF.KeyLength > MaxKeyLength {
		return errorf(KindInsufficientInput, op, "derived key length %d out of range", c.KDF.KeyLength)
	}
	if c.SaltLength < MinSaltLength {
		return errorf(KindInsufficientInput, op, "salt length %d below minimum %d", c.SaltLength, MinSaltLength)
	}
	if c.SaltLength > MaxSaltLength {
		return errorf(KindInsufficientInput, op, "salt length %d above maximum %d", c.SaltLength, MaxSaltLength)
	}
	if !SupportedCipher(c.Reversible.Algorithm) {
		return errorf(KindUnsupportedAlgorithm, op, "cipher %q", c.Reversible.Algorithm)
	}
	if !Supported(c.Reversible.KDF.Name) {
		return errorf(KindUnsupportedAlgorithm, op, "reversible kdf %q", c.Reversible.KDF.Name)
	}
	return nil
}

// Engine binds a validated Config to a CSPRNG and the master key used for
// sealing recoverable secrets.
type Engine struct {
	cfg       Config
	master    []byte
	rand      io.Reader
	dummySalt []byte
}

// NewEngine validates cfg and returns an Engine. A nil reader selects
// crypto/rand.
func NewEngine(cfg Config, master []byte, r io.Reader) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(master) < 16 {
		return nil, errorf(KindInsufficientInput, "config", "master key must be at least 16 bytes")
	}
	if r == nil {
		r = rand.Reader
	}
	dummy, err := GenerateSalt(r, cfg.SaltLength)
	if err != nil {
		return nil, err
	}
	m := make([]byte, len(master))
	copy(m, master)
	return &Engine{cfg: cfg, master: m, rand: r, dummySalt: dummy}, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config { return e.cfg }

// Params returns the KDF parameters applied to newly written credentials.
func (e *Engine) Params() models.KDFParams { return e.cfg.KDF }

// Rand returns the engine's randomness source.
func (e *Engine) Rand() io.Reader { return e.rand }

// NewSalt generates a salt of the configured length.
func (e *Engine) NewSalt() ([]byte, error) {
	return GenerateSalt(e.rand, e.cfg.SaltLength)
}

// Hash derives secret under salt with the configured parameters.
func (e *Engine) Hash(secret, salt []byte) ([]byte, error) {
	return Derive(secret, salt, e.cfg.KDF)
}

// Check verifies secret against a stored hash using the parameters it was
// written with, which may predate the current configuration.
func (e *Engine) Check(secret, salt, stored []byte, p models.KDFParams) (bool, error) {
	return Verify(secret, salt, stored, p)
}

// Burn performs a derivation whose result is discarded. Callers use it on
// paths that must cost the same as a real verification.
func (e *Engine) Burn(secret []byte) {
	if len(secret) == 0 {
		secret = []byte{0}
	}
	out, err := Derive(secret, e.dummySalt, e.cfg.KDF)
	if err == nil {
		Zero(out)
	}
}

// Seal encrypts a recoverable secret under the master key. The output
// carries the cipher and KDF parameters ahead of the salt, nonce and
// ciphertext, so it still opens after the configuration changes.
func (e *Engine) Seal(plaintext []byte) ([]byte, error) {
	return e.seal(e.master, plaintext)
}

// Open decrypts a value produced by Seal.
func (e *Engine) Open(blob []byte) ([]byte, error) {
	return open(e.master, blob)
}

// SealWithPassword encrypts plaintext under a caller-supplied password,
// independent of the master key. Output layout matches Seal.
func (e *Engine) SealWithPassword(password string, plaintext []byte) ([]byte, error) {
	return e.seal([]byte(password), plaintext)
}

// OpenWithPassword decrypts a value produced by SealWithPassword.
func (e *Engine) OpenWithPassword(password string, blob []byte) ([]byte, error) {
	return open([]byte(password), blob)
}

func (e *Engine) seal(keyMaterial, plaintext []byte) ([]byte, error) {
	salt, err := e.NewSalt()
	if err != nil {
		return nil, err
	}
	ct, err := EncryptReversible(keyMaterial, plaintext, salt, e.cfg.Reversible, e.rand)
	if err != nil {
		return nil, err
	}
	return sealedHeader{params: e.cfg.Reversible, salt: salt}.marshal(ct), nil
}

// open uses only the parameters recorded in blob.
func open(keyMaterial, blob []byte) ([]byte, error) {
	h, body, err := parseSealed(blob)
	if err != nil {
		return nil, err
	}
	return DecryptReversible(keyMaterial, body, h.salt, h.params)
}

// ValidatePassword enforces the minimum password length.
func (e *Engine) ValidatePassword(password string) error {
	if n := utf8.RuneCountInString(password); n < e.cfg.MinPasswordLength {
		return errorf(KindInsufficientInput, "validate password",
			"password must be at least %d characters", e.cfg.MinPasswordLength)
	}
	if len(password) > 1024 {
		return newError(KindInsufficientInput, "validate password", fmt.Errorf("password too long"))
	}
	return nil
}
