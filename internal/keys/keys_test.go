package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/HerbHall/warden/internal/ca"
	"github.com/HerbHall/warden/internal/core"
	"github.com/HerbHall/warden/internal/testutil"
	"github.com/HerbHall/warden/pkg/models"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func (s *recordingSink) Record(_ context.Context, e models.AuditEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func (s *recordingSink) ofType(t models.AuditType) []models.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditEntry
	for _, e := range s.entries {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newManager(t *testing.T, mutate ...func(*Config)) (*Manager, *recordingSink) {
	t.Helper()
	cfg := DefaultConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	sink := &recordingSink{}
	env := core.NewEnv(zaptest.NewLogger(t), nil)
	m, err := NewManager(context.Background(), testutil.NewStore(t), testutil.NewEngine(t), sink, env, cfg)
	require.NoError(t, err)
	return m, sink
}

func newAuthority(t *testing.T) *ca.Authority {
	t.Helper()
	dir := t.TempDir()
	a, err := ca.GenerateCA(ca.Config{
		CertPath:     filepath.Join(dir, "ca.crt"),
		KeyPath:      filepath.Join(dir, "ca.key"),
		Organization: "Test CA",
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return a
}

func testSubject(t *testing.T) models.SubjectFields {
	t.Helper()
	s, err := models.SubjectFromList([]string{
		"test.example.com", "R&D", "Example Corp", "City", "State", "US", "admin@example.com",
	})
	require.NoError(t, err)
	return s
}

func TestNewManagerRejectsWeakConfig(t *testing.T) {
	env := core.NewEnv(zaptest.NewLogger(t), nil)
	_, err := NewManager(context.Background(), testutil.NewStore(t), testutil.NewEngine(t), nil, env,
		Config{Algorithm: models.KeyAlgorithmRSA, KeySize: 1024})
	require.Error(t, err)

	_, err = NewManager(context.Background(), testutil.NewStore(t), testutil.NewEngine(t), nil, env,
		Config{Algorithm: "DSA", KeySize: 2048})
	require.Error(t, err)
}

func TestCreateAndReturnKeys(t *testing.T) {
	m, sink := newManager(t)
	ctx := context.Background()

	km, err := m.CreateKeys(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, models.KeyAlgorithmRSA, km.Algorithm)
	assert.Equal(t, 2048, km.Bits)
	assert.NotEmpty(t, km.SealedPrivateKey)

	block, _ := pem.Decode(km.PublicKeyPEM)
	require.NotNil(t, block)
	assert.Equal(t, "PUBLIC KEY", block.Type)

	got, err := m.ReturnKeys(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, km.ID, got.ID)
	assert.Equal(t, km.PublicKeyPEM, got.PublicKeyPEM)
	assert.Nil(t, got.RevokedAt)

	priv, err := m.PrivateKey(ctx, "id-1")
	require.NoError(t, err)
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(t, err)
	assert.True(t, priv.Public().(interface{ Equal(crypto.PublicKey) bool }).Equal(pub))

	require.Len(t, sink.ofType(models.AuditChangeKeys), 1)
	require.Len(t, sink.ofType(models.AuditGetKeys), 1)
	assert.True(t, sink.ofType(models.AuditChangeKeys)[0].Authorized)
}

func TestCreateKeysECDSA(t *testing.T) {
	m, _ := newManager(t, func(c *Config) { c.Algorithm = models.KeyAlgorithmECDSA })
	ctx := context.Background()

	km, err := m.CreateKeys(ctx, "id-ec")
	require.NoError(t, err)
	assert.Equal(t, 256, km.Bits)

	priv, err := m.PrivateKey(ctx, "id-ec")
	require.NoError(t, err)
	_, ok := priv.(*ecdsa.PrivateKey)
	assert.True(t, ok)
}

func TestCreateKeysAlreadyExists(t *testing.T) {
	m, sink := newManager(t)
	ctx := context.Background()

	_, err := m.CreateKeys(ctx, "id-1")
	require.NoError(t, err)
	_, err = m.CreateKeys(ctx, "id-1")
	require.ErrorIs(t, err, ErrAlreadyExists)

	entries := sink.ofType(models.AuditChangeKeys)
	require.Len(t, entries, 2)
	assert.False(t, entries[1].Authorized)
}

func TestCreateKeysConcurrentSingleWinner(t *testing.T) {
	m, _ := newManager(t, func(c *Config) { c.Algorithm = models.KeyAlgorithmECDSA })
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		wins    atomic.Int32
		dupes   atomic.Int32
		workers = 8
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.CreateKeys(ctx, "id-race")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrAlreadyExists):
				dupes.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(workers-1), dupes.Load())
}

func TestRemoveKeys(t *testing.T) {
	m, sink := newManager(t)
	ctx := context.Background()

	ok, err := m.RemoveKeys(ctx, "id-1")
	assert.False(t, ok)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = m.CreateKeys(ctx, "id-1")
	require.NoError(t, err)

	ok, err = m.RemoveKeys(ctx, "id-1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = m.ReturnKeys(ctx, "id-1")
	require.ErrorIs(t, err, ErrNotFound)

	hist, err := m.History(ctx, "id-1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.NotNil(t, hist[0].RevokedAt)

	// A removed pair frees the slot for a new one.
	_, err = m.CreateKeys(ctx, "id-1")
	require.NoError(t, err)

	removes := sink.ofType(models.AuditRemoveKeys)
	require.Len(t, removes, 2)
	assert.False(t, removes[0].Authorized)
	assert.True(t, removes[1].Authorized)
}

func TestRemoveKeysWipesSealedKey(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	km, err := m.CreateKeys(ctx, "id-1")
	require.NoError(t, err)
	_, err = m.RemoveKeys(ctx, "id-1")
	require.NoError(t, err)

	var sealed []byte
	require.NoError(t, m.db.QueryRowContext(ctx,
		m.q(`SELECT sealed_private FROM keys_pairs WHERE id = ?`), km.ID).Scan(&sealed))
	assert.Empty(t, sealed)
}

func TestRotateKeys(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	first, err := m.CreateKeys(ctx, "id-1")
	require.NoError(t, err)
	second, err := m.RotateKeys(ctx, "id-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	active, err := m.ReturnKeys(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)

	hist, err := m.History(ctx, "id-1")
	require.NoError(t, err)
	assert.Len(t, hist, 2)

	// Rotating with nothing active creates a pair.
	_, err = m.RotateKeys(ctx, "id-2")
	require.NoError(t, err)
	_, err = m.ReturnKeys(ctx, "id-2")
	require.NoError(t, err)
}

func TestCreateCertificateRequestValidation(t *testing.T) {
	m, sink := newManager(t)
	ctx := context.Background()

	missing := testSubject(t)
	missing.Email = ""
	_, err := m.CreateCertificateRequest(ctx, missing, "pw123", 365, 2048)
	require.ErrorIs(t, err, ErrInvalidSubject)
	assert.Contains(t, err.Error(), "email")

	_, err = m.CreateCertificateRequest(ctx, testSubject(t), "pw123", 365, 1024)
	require.ErrorIs(t, err, ErrWeakKey)

	_, err = m.CreateCertificateRequest(ctx, testSubject(t), "pw123", 0, 2048)
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = m.CreateCertificateRequest(ctx, testSubject(t), "", 365, 2048)
	require.ErrorIs(t, err, ErrInvalidInput)

	for _, e := range sink.ofType(models.AuditGenerateCert) {
		assert.False(t, e.Authorized)
	}
}

func TestCertificateRequestRoundTrip(t *testing.T) {
	m, sink := newManager(t)
	ctx := context.Background()
	subject := testSubject(t)

	art, err := m.CreateCertificateRequest(ctx, subject, "pw123", 365, 2048)
	require.NoError(t, err)
	assert.Equal(t, "test.example.com", art.CommonName)
	assert.GreaterOrEqual(t, art.KeySize, 2048)
	assert.Equal(t, 365, art.ValidityDays)
	require.NotEmpty(t, art.KeystoreRef)

	block, _ := pem.Decode(art.CSRPEM)
	require.NotNil(t, block)
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	require.NoError(t, err)
	require.NoError(t, csr.CheckSignature())
	assert.Equal(t, "test.example.com", csr.Subject.CommonName)
	assert.Equal(t, []string{"R&D"}, csr.Subject.OrganizationalUnit)
	assert.Equal(t, []string{"Example Corp"}, csr.Subject.Organization)
	assert.Equal(t, []string{"State"}, csr.Subject.Province)
	assert.Equal(t, []string{"admin@example.com"}, csr.EmailAddresses)
	assert.Equal(t, []string{"test.example.com"}, csr.DNSNames)

	_, err = m.GetCertificate(ctx, art.KeystoreRef, "test.example.com")
	require.ErrorIs(t, err, ErrNotFound)

	authority := newAuthority(t)
	issued, err := authority.SignCSR(block.Bytes, 365*24*time.Hour)
	require.NoError(t, err)

	ok, err := m.ApplyCertificateResponse(ctx, "test.example.com", issued.DER, art.KeystoreRef, "pw123")
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := m.GetCertificate(ctx, art.KeystoreRef, "test.example.com")
	require.NoError(t, err)
	assert.Equal(t, models.KeystoreApplied, rec.Status)
	assert.Equal(t, issued.Serial, rec.Serial)
	require.NotNil(t, rec.AppliedAt)

	cert, err := ca.ParseCertificate(rec.CertificatePEM)
	require.NoError(t, err)
	assert.Equal(t, "test.example.com", cert.Subject.CommonName)

	require.Len(t, sink.ofType(models.AuditGenerateCert), 1)
	require.Len(t, sink.ofType(models.AuditApplyCert), 1)
	assert.True(t, sink.ofType(models.AuditApplyCert)[0].Authorized)
}

func TestApplyCertificateResponseFailures(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	art, err := m.CreateCertificateRequest(ctx, testSubject(t), "pw123", 30, 2048)
	require.NoError(t, err)
	block, _ := pem.Decode(art.CSRPEM)
	require.NotNil(t, block)

	authority := newAuthority(t)
	issued, err := authority.SignCSR(block.Bytes, 0)
	require.NoError(t, err)
	certPEM := ca.EncodeCertPEM(issued.DER)

	_, err = m.ApplyCertificateResponse(ctx, "test.example.com", certPEM, "no-such-ref", "pw123")
	require.ErrorIs(t, err, ErrKeystoreMismatch)

	_, err = m.ApplyCertificateResponse(ctx, "other.example.com", certPEM, art.KeystoreRef, "pw123")
	require.ErrorIs(t, err, ErrKeystoreMismatch)

	ok, err := m.ApplyCertificateResponse(ctx, "test.example.com", certPEM, art.KeystoreRef, "wrong")
	assert.False(t, ok)
	require.ErrorIs(t, err, ErrDecryptionFailure)

	_, err = m.ApplyCertificateResponse(ctx, "test.example.com", []byte("garbage"), art.KeystoreRef, "pw123")
	require.ErrorIs(t, err, ErrInvalidInput)

	// A certificate for the right name but a different key.
	other, err := m.CreateCertificateRequest(ctx, testSubject(t), "pw123", 30, 2048)
	require.NoError(t, err)
	otherBlock, _ := pem.Decode(other.CSRPEM)
	otherIssued, err := authority.SignCSR(otherBlock.Bytes, 0)
	require.NoError(t, err)
	_, err = m.ApplyCertificateResponse(ctx, "test.example.com", otherIssued.DER, art.KeystoreRef, "pw123")
	require.ErrorIs(t, err, ErrKeystoreMismatch)

	// PEM input is accepted.
	ok, err = m.ApplyCertificateResponse(ctx, "test.example.com", certPEM, art.KeystoreRef, "pw123")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignPending(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	art, err := m.CreateCertificateRequest(ctx, testSubject(t), "pw123", 90, 2048)
	require.NoError(t, err)

	_, err = m.SignPending(ctx, art.KeystoreRef, art.CommonName, "pw123")
	require.ErrorIs(t, err, ErrInvalidInput)

	authority := newAuthority(t)
	m.WithSigner(authority)

	rec, err := m.SignPending(ctx, art.KeystoreRef, art.CommonName, "pw123")
	require.NoError(t, err)
	assert.Equal(t, models.KeystoreApplied, rec.Status)

	cert, err := ca.ParseCertificate(rec.CertificatePEM)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(authority.CACert())
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:     pool,
		DNSName:   "test.example.com",
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	require.NoError(t, err)
}

func TestErrorFormat(t *testing.T) {
	err := newError(KindWeakKey, "create certificate request", "test.example.com", errors.New("key size 1024 below minimum 2048"))
	assert.Equal(t, "keys create certificate request: weak key (test.example.com): key size 1024 below minimum 2048", err.Error())
	assert.True(t, errors.Is(err, ErrWeakKey))
	assert.False(t, errors.Is(err, ErrNotFound))
}
