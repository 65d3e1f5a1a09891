package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		CertPath:     filepath.Join(dir, "ca.crt"),
		KeyPath:      filepath.Join(dir, "ca.key"),
		Organization: "TestOrg",
	}
}

func newCSR(t *testing.T, subject pkix.Name, dns ...string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  subject,
		DNSNames: dns,
	}, key)
	require.NoError(t, err)
	return der
}

func TestGenerateCA(t *testing.T) {
	authority, err := GenerateCA(testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)

	cert := authority.CACert()
	assert.True(t, cert.IsCA, "certificate should be a CA")
	assert.True(t, cert.BasicConstraintsValid)
	assert.Equal(t, cert.Subject.CommonName, cert.Issuer.CommonName)
	assert.NotZero(t, cert.KeyUsage&x509.KeyUsageCertSign)
	assert.NotZero(t, cert.KeyUsage&x509.KeyUsageCRLSign)

	validity := cert.NotAfter.Sub(cert.NotBefore)
	assert.InDelta(t, DefaultCAValidity.Hours(), validity.Hours(), 24)
	assert.Equal(t, "TestOrg Internal CA", cert.Subject.CommonName)
	assert.Contains(t, string(authority.CACertPEM()), "BEGIN CERTIFICATE")
}

func TestLoadExistingCA(t *testing.T) {
	cfg := testConfig(t)
	logger := zaptest.NewLogger(t)

	original, err := GenerateCA(cfg, logger)
	require.NoError(t, err)
	loaded, err := NewAuthority(cfg, logger)
	require.NoError(t, err)

	assert.Equal(t, original.CACert().SerialNumber, loaded.CACert().SerialNumber)
	assert.Equal(t, original.CACertPEM(), loaded.CACertPEM())
}

func TestLoadOrGenerate(t *testing.T) {
	cfg := testConfig(t)
	logger := zaptest.NewLogger(t)

	first, err := LoadOrGenerate(cfg, logger)
	require.NoError(t, err)
	second, err := LoadOrGenerate(cfg, logger)
	require.NoError(t, err)
	assert.Equal(t, first.CACert().SerialNumber, second.CACert().SerialNumber)
}

func TestNewAuthority_MissingFiles(t *testing.T) {
	_, err := NewAuthority(testConfig(t), zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestSignCSR_PreservesSubject(t *testing.T) {
	authority, err := GenerateCA(testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)

	subject := pkix.Name{
		CommonName:         "test.example.com",
		OrganizationalUnit: []string{"R&D"},
		Organization:       []string{"Example Corp"},
		Locality:           []string{"City"},
		Province:           []string{"State"},
		Country:            []string{"US"},
	}
	issued, err := authority.SignCSR(newCSR(t, subject, "test.example.com"), 30*24*time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, issued.Serial)

	cert, err := ParseCertificate(issued.DER)
	require.NoError(t, err)
	assert.Equal(t, "test.example.com", cert.Subject.CommonName)
	assert.Equal(t, []string{"Example Corp"}, cert.Subject.Organization)
	assert.Equal(t, []string{"R&D"}, cert.Subject.OrganizationalUnit)
	assert.Equal(t, []string{"test.example.com"}, cert.DNSNames)
	assert.Equal(t, issued.NotAfter.Unix(), cert.NotAfter.Unix())

	pool := x509.NewCertPool()
	pool.AddCert(authority.CACert())
	_, err = cert.Verify(x509.VerifyOptions{Roots: pool, DNSName: "test.example.com"})
	assert.NoError(t, err)
}

func TestSignCSR_Validity(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := testConfig(t)
	cfg.Now = func() time.Time { return now }
	authority, err := GenerateCA(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	issued, err := authority.SignCSR(newCSR(t, pkix.Name{CommonName: "a"}), 0)
	require.NoError(t, err)
	assert.Equal(t, now.Add(DefaultValidity), issued.NotAfter)

	// Never outlives the CA.
	issued, err = authority.SignCSR(newCSR(t, pkix.Name{CommonName: "b"}), 50*365*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, authority.CACert().NotAfter, issued.NotAfter)
}

func TestSignCSR_InvalidCSR(t *testing.T) {
	authority, err := GenerateCA(testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = authority.SignCSR([]byte("not a csr"), time.Hour)
	assert.Error(t, err)
}

func TestSignCSR_UniqueSerials(t *testing.T) {
	authority, err := GenerateCA(testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		issued, err := authority.SignCSR(newCSR(t, pkix.Name{CommonName: "svc"}), time.Hour)
		require.NoError(t, err)
		assert.False(t, seen[issued.Serial], "duplicate serial %s", issued.Serial)
		seen[issued.Serial] = true
	}
}
