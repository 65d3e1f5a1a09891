// Package ca is an optional internal certificate authority that signs the
// certificate requests produced by the key manager.
package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"go.uber.org/zap"
)

// serialBits is the number of random bits for certificate serial numbers.
const serialBits = 128

// Default configuration values.
const (
	DefaultValidity     = 365 * 24 * time.Hour
	DefaultCAValidity   = 10 * 365 * 24 * time.Hour
	DefaultOrganization = "Warden"
)

// skew backdates NotBefore to tolerate clock drift between peers.
const skew = 5 * time.Minute

// Authority manages an internal certificate authority.
type Authority struct {
	cert    *x509.Certificate
	key     crypto.Signer
	certPEM []byte
	now     func() time.Time
	logger  *zap.Logger
}

// Config holds CA configuration.
type Config struct {
	CertPath     string
	KeyPath      string
	Validity     time.Duration // default validity of issued certificates
	Organization string
	Now          func() time.Time
}

func (c *Config) defaults() {
	if c.Validity == 0 {
		c.Validity = DefaultValidity
	}
	if c.Organization == "" {
		c.Organization = DefaultOrganization
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// NewAuthority loads an existing CA from disk.
func NewAuthority(cfg Config, logger *zap.Logger) (*Authority, error) {
	cfg.defaults()

	certDER, err := LoadPEM(cfg.CertPath, "CERTIFICATE")
	if err != nil {
		return nil, fmt.Errorf("load CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}
	if !cert.IsCA {
		return nil, errors.New("certificate is not a CA")
	}

	keyPEM, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read CA key: %w", err)
	}
	key, err := DecodeKeyPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("decode CA key: %w", err)
	}

	logger.Info("loaded certificate authority",
		zap.String("subject", cert.Subject.CommonName),
		zap.Time("not_after", cert.NotAfter),
	)
	return &Authority{
		cert:    cert,
		key:     key,
		certPEM: EncodeCertPEM(cert.Raw),
		now:     cfg.Now,
		logger:  logger,
	}, nil
}

// GenerateCA creates a new P-256 root, writes it to disk and returns the
// Authority.
func GenerateCA(cfg Config, logger *zap.Logger) (*Authority, error) {
	cfg.defaults()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := cfg.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{cfg.Organization},
			CommonName:   cfg.Organization + " Internal CA",
		},
		NotBefore:             now.Add(-skew),
		NotAfter:              now.Add(DefaultCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create CA certificate: %w", err)
	}

	keyPEM, err := EncodeKeyPEM(key)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(cfg.KeyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write CA key: %w", err)
	}
	if err := SavePEM(cfg.CertPath, "CERTIFICATE", certDER); err != nil {
		return nil, fmt.Errorf("write CA cert: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse generated CA cert: %w", err)
	}

	logger.Info("generated certificate authority",
		zap.String("subject", cert.Subject.CommonName),
		zap.Time("not_after", cert.NotAfter),
		zap.String("serial", hex.EncodeToString(cert.SerialNumber.Bytes())),
	)
	return &Authority{
		cert:    cert,
		key:     key,
		certPEM: EncodeCertPEM(certDER),
		now:     cfg.Now,
		logger:  logger,
	}, nil
}

// LoadOrGenerate loads the CA at cfg.CertPath, generating one when the
// file does not exist.
func LoadOrGenerate(cfg Config, logger *zap.Logger) (*Authority, error) {
	if _, err := os.Stat(cfg.CertPath); err == nil {
		return NewAuthority(cfg, logger)
	}
	return GenerateCA(cfg, logger)
}

// CACertPEM returns the PEM-encoded CA certificate.
func (a *Authority) CACertPEM() []byte {
	out := make([]byte, len(a.certPEM))
	copy(out, a.certPEM)
	return out
}

// CACert returns the parsed CA certificate.
func (a *Authority) CACert() *x509.Certificate {
	return a.cert
}

// Issued describes a certificate signed by the Authority.
type Issued struct {
	DER      []byte
	Serial   string
	NotAfter time.Time
}

// SignCSR verifies a DER-encoded CSR and issues a certificate carrying the
// requester's subject and alternative names. A zero validity selects the
// configured default.
func (a *Authority) SignCSR(csrDER []byte, validity time.Duration) (*Issued, error) {
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, fmt.Errorf("parse CSR: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("invalid CSR signature: %w", err)
	}
	if validity <= 0 {
		validity = DefaultValidity
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := a.now()
	notAfter := now.Add(validity)
	if notAfter.After(a.cert.NotAfter) {
		notAfter = a.cert.NotAfter
	}

	template := &x509.Certificate{
		SerialNumber:   serial,
		Subject:        csr.Subject,
		DNSNames:       csr.DNSNames,
		EmailAddresses: csr.EmailAddresses,
		IPAddresses:    csr.IPAddresses,
		NotBefore:      now.Add(-skew),
		NotAfter:       notAfter,
		KeyUsage:       x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, csr.PublicKey, a.key)
	if err != nil {
		return nil, fmt.Errorf("sign certificate: %w", err)
	}

	out := &Issued{DER: der, Serial: hex.EncodeToString(serial.Bytes()), NotAfter: notAfter}
	a.logger.Info("signed certificate",
		zap.String("common_name", csr.Subject.CommonName),
		zap.String("serial", out.Serial),
		zap.Time("not_after", notAfter),
	)
	return out, nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), serialBits)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generate random serial: %w", err)
	}
	return serial, nil
}
