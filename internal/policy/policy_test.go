package policy

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/HerbHall/warden/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastParams(name string) models.KDFParams {
	switch name {
	case KDFArgon2id:
		return models.KDFParams{Name: name, Iterations: 1, KeyLength: 32}
	case KDFScrypt:
		return models.KDFParams{Name: name, Iterations: 1 << 10, KeyLength: 32}
	default:
		return models.KDFParams{Name: name, Iterations: 1000, KeyLength: 32}
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.KDF = models.KDFParams{Name: KDFPBKDF2SHA256, Iterations: MinPBKDF2Iterations, KeyLength: 32}
	cfg.SaltLength = 16
	cfg.Reversible.KDF = models.KDFParams{Name: KDFScrypt, Iterations: 1 << 10}
	return cfg
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(testConfig(), []byte("0123456789abcdef0123456789abcdef"), nil)
	require.NoError(t, err)
	return e
}

func TestGenerateSalt(t *testing.T) {
	a, err := GenerateSalt(nil, 32)
	require.NoError(t, err)
	b, err := GenerateSalt(nil, 32)
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b, "two salts from a CSPRNG should differ")
}

func TestGenerateSalt_TooShort(t *testing.T) {
	_, err := GenerateSalt(nil, 8)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientInput)
}

func TestGenerateSalt_ExhaustedSource(t *testing.T) {
	_, err := GenerateSalt(iotest.ErrReader(io.ErrUnexpectedEOF), 16)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientInput)

	_, err = GenerateSalt(bytes.NewReader(make([]byte, 4)), 16)
	assert.ErrorIs(t, err, ErrInsufficientInput)
}

func TestDerive_RoundTrip(t *testing.T) {
	salt := bytes.Repeat([]byte{0x42}, 16)
	for _, name := range []string{KDFPBKDF2SHA256, KDFPBKDF2SHA512, KDFArgon2id, KDFScrypt} {
		t.Run(name, func(t *testing.T) {
			p := fastParams(name)
			hash, err := Derive([]byte("correct horse"), salt, p)
			require.NoError(t, err)
			assert.Len(t, hash, p.KeyLength)

			again, err := Derive([]byte("correct horse"), salt, p)
			require.NoError(t, err)
			assert.Equal(t, hash, again, "derivation must be deterministic")

			ok, err := Verify([]byte("correct horse"), salt, hash, p)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = Verify([]byte("wrong horse"), salt, hash, p)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestDerive_DistinctSalts(t *testing.T) {
	p := fastParams(KDFPBKDF2SHA512)
	s1 := bytes.Repeat([]byte{1}, 16)
	s2 := bytes.Repeat([]byte{2}, 16)

	h1, err := Derive([]byte("secret"), s1, p)
	require.NoError(t, err)
	h2, err := Derive([]byte("secret"), s2, p)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestDerive_Errors(t *testing.T) {
	salt := bytes.Repeat([]byte{7}, 16)
	tests := []struct {
		name   string
		secret []byte
		salt   []byte
		params models.KDFParams
		want   error
	}{
		{"unknown kdf", []byte("x"), salt, models.KDFParams{Name: "md5", Iterations: 1, KeyLength: 16}, ErrUnsupportedAlgorithm},
		{"empty secret", nil, salt, fastParams(KDFPBKDF2SHA256), ErrInsufficientInput},
		{"short salt", []byte("x"), []byte("abc"), fastParams(KDFPBKDF2SHA256), ErrInsufficientInput},
		{"zero key length", []byte("x"), salt, models.KDFParams{Name: KDFPBKDF2SHA256, Iterations: 1}, ErrInsufficientInput},
		{"bad scrypt cost", []byte("x"), salt, models.KDFParams{Name: KDFScrypt, Iterations: 1000, KeyLength: 32}, ErrInsufficientInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Derive(tt.secret, tt.salt, tt.params)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDerive_UnknownNeverFallsBack(t *testing.T) {
	_, err := Verify([]byte("x"), bytes.Repeat([]byte{1}, 16), []byte("x"),
		models.KDFParams{Name: "sha1", Iterations: 1, KeyLength: 20})
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, KindUnsupportedAlgorithm, perr.Kind)
}

func TestReversible_RoundTrip(t *testing.T) {
	salt := bytes.Repeat([]byte{9}, 16)
	for _, alg := range []string{CipherAES256GCM, CipherXChaCha20Poly1305} {
		t.Run(alg, func(t *testing.T) {
			p := CipherParams{Algorithm: alg, KDF: fastParams(KDFScrypt)}
			ct, err := EncryptReversible([]byte("master"), []byte("totp-seed"), salt, p, nil)
			require.NoError(t, err)
			assert.NotContains(t, string(ct), "totp-seed")

			plain, err := DecryptReversible([]byte("master"), ct, salt, p)
			require.NoError(t, err)
			assert.Equal(t, "totp-seed", string(plain))

			_, err = DecryptReversible([]byte("other"), ct, salt, p)
			assert.ErrorIs(t, err, ErrCryptoFailure)

			tampered := append([]byte(nil), ct...)
			tampered[len(tampered)-1] ^= 0xff
			_, err = DecryptReversible([]byte("master"), tampered, salt, p)
			assert.ErrorIs(t, err, ErrCryptoFailure)
		})
	}
}

func TestReversible_UnsupportedCipher(t *testing.T) {
	_, err := EncryptReversible([]byte("m"), []byte("x"), bytes.Repeat([]byte{1}, 16),
		CipherParams{Algorithm: "des", KDF: fastParams(KDFScrypt)}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	weak := DefaultConfig()
	weak.KDF.Iterations = 1000
	assert.ErrorIs(t, weak.Validate(), ErrInsufficientInput)

	unknown := DefaultConfig()
	unknown.KDF.Name = "bcrypt"
	assert.ErrorIs(t, unknown.Validate(), ErrUnsupportedAlgorithm)

	shortSalt := DefaultConfig()
	shortSalt.SaltLength = 4
	assert.ErrorIs(t, shortSalt.Validate(), ErrInsufficientInput)
}

func TestEngine_HashAndCheck(t *testing.T) {
	e := testEngine(t)

	salt, err := e.NewSalt()
	require.NoError(t, err)
	hash, err := e.Hash([]byte("hunter22"), salt)
	require.NoError(t, err)

	ok, err := e.Check([]byte("hunter22"), salt, hash, e.Params())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Check([]byte("hunter23"), salt, hash, e.Params())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngine_SealOpen(t *testing.T) {
	e := testEngine(t)

	sealed, err := e.Seal([]byte("private key bytes"))
	require.NoError(t, err)

	plain, err := e.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "private key bytes", string(plain))

	_, err = e.Open(sealed[:10])
	assert.ErrorIs(t, err, ErrCryptoFailure)
}

func TestEngine_PasswordSeal(t *testing.T) {
	e := testEngine(t)

	sealed, err := e.SealWithPassword("pw123", []byte("csr key"))
	require.NoError(t, err)

	plain, err := e.OpenWithPassword("pw123", sealed)
	require.NoError(t, err)
	assert.Equal(t, "csr key", string(plain))

	_, err = e.OpenWithPassword("pw124", sealed)
	assert.ErrorIs(t, err, ErrCryptoFailure)
}

func TestEngine_OpenAfterConfigChange(t *testing.T) {
	master := []byte("0123456789abcdef0123456789abcdef")
	before, err := NewEngine(testConfig(), master, nil)
	require.NoError(t, err)

	sealed, err := before.Seal([]byte("signing key"))
	require.NoError(t, err)
	wrapped, err := before.SealWithPassword("pw123", []byte("keystore entry"))
	require.NoError(t, err)

	cfg := testConfig()
	cfg.SaltLength = 24
	cfg.Reversible = CipherParams{
		Algorithm: CipherXChaCha20Poly1305,
		KDF:       fastParams(KDFArgon2id),
	}
	require.NotEqual(t, before.cfg.Reversible.Algorithm, cfg.Reversible.Algorithm)
	after, err := NewEngine(cfg, master, nil)
	require.NoError(t, err)

	plain, err := after.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "signing key", string(plain))

	plain, err = after.OpenWithPassword("pw123", wrapped)
	require.NoError(t, err)
	assert.Equal(t, "keystore entry", string(plain))

	resealed, err := after.Seal([]byte("signing key"))
	require.NoError(t, err)
	plain, err = before.Open(resealed)
	require.NoError(t, err)
	assert.Equal(t, "signing key", string(plain))
}

func TestEngine_OpenRejectsMalformed(t *testing.T) {
	e := testEngine(t)
	sealed, err := e.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = e.Open(nil)
	assert.ErrorIs(t, err, ErrCryptoFailure)

	future := bytes.Clone(sealed)
	future[0] = sealedVersion + 1
	_, err = e.Open(future)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)

	tampered := bytes.Clone(sealed)
	tampered[len(tampered)-1] ^= 0xff
	_, err = e.Open(tampered)
	assert.ErrorIs(t, err, ErrCryptoFailure)
}

func TestEngine_ValidatePassword(t *testing.T) {
	e := testEngine(t)
	assert.NoError(t, e.ValidatePassword("longenough"))
	assert.ErrorIs(t, e.ValidatePassword("short"), ErrInsufficientInput)
}

func TestNewEngine_ShortMaster(t *testing.T) {
	_, err := NewEngine(testConfig(), []byte("short"), nil)
	assert.ErrorIs(t, err, ErrInsufficientInput)
}

func TestError_NoSecretsInMessage(t *testing.T) {
	_, err := Derive([]byte("supersecret"), []byte("x"), fastParams(KDFPBKDF2SHA256))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "supersecret")
}
