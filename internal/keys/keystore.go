package keys

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"database/sql"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/HerbHall/warden/internal/ca"
	"github.com/HerbHall/warden/internal/event"
	"github.com/HerbHall/warden/internal/policy"
	"github.com/HerbHall/warden/pkg/models"
)

// Signer issues certificates for PKCS#10 requests. *ca.Authority satisfies it.
type Signer interface {
	SignCSR(csrDER []byte, validity time.Duration) (*ca.Issued, error)
}

var _ Signer = (*ca.Authority)(nil)

// WithSigner attaches a certificate authority used by SignPending.
func (m *Manager) WithSigner(s Signer) *Manager {
	m.signer = s
	return m
}

// CreateCertificateRequest generates an RSA key and a PKCS#10 request for
// subject. The private key is stored in a new pending keystore entry sealed
// under storePassword; the returned artifact names that entry.
func (m *Manager) CreateCertificateRequest(ctx context.Context, subject models.SubjectFields, storePassword string, validityDays, keySize int) (art *models.CSRArtifact, err error) {
	const op = "create certificate request"
	defer func() { m.count("csr", err) }()
	defer func() {
		entry := models.AuditEntry{
			Type:            models.AuditGenerateCert,
			Authorized:      err == nil,
			ApplicationName: subject.CommonName,
			Detail:          fmt.Sprintf("key_size=%d validity_days=%d", keySize, validityDays),
		}
		if art != nil {
			entry.ApplicationID = art.KeystoreRef
		}
		if err != nil {
			entry.Detail = failDetail(err)
		}
		m.record(ctx, entry)
	}()

	if missing := subject.Missing(); len(missing) > 0 {
		return nil, newError(KindInvalidSubject, op, subject.CommonName,
			fmt.Errorf("missing %s", strings.Join(missing, ", ")))
	}
	if keySize < m.cfg.MinKeySize {
		return nil, newError(KindWeakKey, op, subject.CommonName,
			fmt.Errorf("key size %d below minimum %d", keySize, m.cfg.MinKeySize))
	}
	if validityDays <= 0 {
		return nil, newError(KindInvalidInput, op, subject.CommonName, errors.New("validity days must be positive"))
	}
	if storePassword == "" {
		return nil, newError(KindInvalidInput, op, subject.CommonName, errors.New("store password is required"))
	}

	key, err := rsa.GenerateKey(m.env.Random(), keySize)
	if err != nil {
		return nil, newError(KindBackend, op, subject.CommonName, err)
	}
	csrDER, err := x509.CreateCertificateRequest(m.env.Random(), requestTemplate(subject), key)
	if err != nil {
		return nil, newError(KindInvalidSubject, op, subject.CommonName, err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, newError(KindBackend, op, subject.CommonName, err)
	}
	defer policy.Zero(keyDER)
	sealed, err := m.engine.SealWithPassword(storePassword, keyDER)
	if err != nil {
		return nil, newError(KindBackend, op, subject.CommonName, err)
	}

	art = &models.CSRArtifact{
		KeystoreRef:  uuid.New().String(),
		CommonName:   subject.CommonName,
		CSRPEM:       pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER}),
		KeySize:      keySize,
		ValidityDays: validityDays,
		CreatedAt:    m.env.Now().UTC(),
	}

	bctx, cancel := m.backend(ctx)
	defer cancel()
	if _, err := m.db.ExecContext(bctx, m.q(`
		INSERT INTO keys_keystore (keystore_ref, common_name, status, csr_pem, sealed_private, key_size, validity_days, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		art.KeystoreRef, art.CommonName, string(models.KeystorePending), string(art.CSRPEM),
		sealed, art.KeySize, art.ValidityDays, art.CreatedAt); err != nil {
		return nil, m.fail(op, art.KeystoreRef, err)
	}
	return art, nil
}

func requestTemplate(s models.SubjectFields) *x509.CertificateRequest {
	tmpl := &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:         s.CommonName,
			OrganizationalUnit: []string{s.OrganizationalUnit},
			Organization:       []string{s.Organization},
			Locality:           []string{s.Locality},
			Province:           []string{s.State},
			Country:            []string{s.Country},
		},
		EmailAddresses:     []string{s.Email},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	if looksLikeHost(s.CommonName) {
		tmpl.DNSNames = []string{s.CommonName}
	}
	return tmpl
}

func looksLikeHost(cn string) bool {
	return strings.Contains(cn, ".") && !strings.ContainsAny(cn, " @/")
}

type keystoreEntry struct {
	ref          string
	commonName   string
	status       models.KeystoreStatus
	csrPEM       string
	sealed       []byte
	validityDays int
	certPEM      sql.NullString
	serial       sql.NullString
	notAfter     sql.NullTime
	appliedAt    sql.NullTime
}

func (m *Manager) loadEntry(ctx context.Context, ref, commonName string) (*keystoreEntry, error) {
	var (
		e      keystoreEntry
		status string
	)
	err := m.db.QueryRowContext(ctx, m.q(`
		SELECT keystore_ref, common_name, status, csr_pem, sealed_private, validity_days,
		       cert_pem, serial, not_after, applied_at
		FROM keys_keystore WHERE keystore_ref = ? AND common_name = ?`), ref, commonName).Scan(
		&e.ref, &e.commonName, &status, &e.csrPEM, &e.sealed, &e.validityDays,
		&e.certPEM, &e.serial, &e.notAfter, &e.appliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.status = models.KeystoreStatus(status)
	return &e, nil
}

func (e *keystoreEntry) record() *models.CertificateRecord {
	rec := &models.CertificateRecord{
		KeystoreRef: e.ref,
		CommonName:  e.commonName,
		Status:      e.status,
	}
	if e.certPEM.Valid {
		rec.CertificatePEM = []byte(e.certPEM.String)
	}
	rec.Serial = e.serial.String
	if e.notAfter.Valid {
		rec.NotAfter = e.notAfter.Time
	}
	if e.appliedAt.Valid {
		t := e.appliedAt.Time
		rec.AppliedAt = &t
	}
	return rec
}

// ApplyCertificateResponse merges a CA-issued certificate, PEM or DER, into
// the keystore entry for (keystoreRef, commonName). Re-applying to an entry
// that already holds a certificate replaces it.
func (m *Manager) ApplyCertificateResponse(ctx context.Context, commonName string, certData []byte, keystoreRef, storePassword string) (ok bool, err error) {
	const op = "apply certificate response"
	var rec *models.CertificateRecord
	defer func() { m.count("apply", err) }()
	defer func() {
		entry := models.AuditEntry{
			Type:            models.AuditApplyCert,
			Authorized:      err == nil,
			ApplicationID:   keystoreRef,
			ApplicationName: commonName,
		}
		if rec != nil {
			entry.Detail = "serial=" + rec.Serial
		}
		if err != nil {
			entry.Detail = failDetail(err)
		}
		m.record(ctx, entry)
	}()

	cert, err := ca.ParseCertificate(certData)
	if err != nil {
		return false, newError(KindInvalidInput, op, keystoreRef, err)
	}

	unlock := m.locks.Lock("keystore:" + keystoreRef)
	defer unlock()

	bctx, cancel := m.backend(ctx)
	defer cancel()
	ent, err := m.loadEntry(bctx, keystoreRef, commonName)
	if errors.Is(err, ErrNotFound) {
		return false, newError(KindKeystoreMismatch, op, keystoreRef,
			fmt.Errorf("no request for %q", commonName))
	}
	if err != nil {
		return false, m.fail(op, keystoreRef, err)
	}
	if cert.Subject.CommonName != commonName {
		return false, newError(KindKeystoreMismatch, op, keystoreRef,
			fmt.Errorf("certificate is for %q", cert.Subject.CommonName))
	}

	keyDER, err := m.engine.OpenWithPassword(storePassword, ent.sealed)
	if err != nil {
		return false, newError(KindDecryptionFailure, op, keystoreRef, nil)
	}
	defer policy.Zero(keyDER)
	key, err := parsePrivateKey(keyDER)
	if err != nil {
		return false, newError(KindDecryptionFailure, op, keystoreRef, err)
	}
	pub, isEq := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !isEq || !pub.Equal(cert.PublicKey) {
		return false, newError(KindKeystoreMismatch, op, keystoreRef,
			errors.New("certificate public key does not match the stored key"))
	}

	now := m.env.Now().UTC()
	ent.status = models.KeystoreApplied
	ent.certPEM = sql.NullString{String: string(ca.EncodeCertPEM(cert.Raw)), Valid: true}
	ent.serial = sql.NullString{String: hex.EncodeToString(cert.SerialNumber.Bytes()), Valid: true}
	ent.notAfter = sql.NullTime{Time: cert.NotAfter.UTC(), Valid: true}
	ent.appliedAt = sql.NullTime{Time: now, Valid: true}
	if _, err := m.db.ExecContext(bctx, m.q(`
		UPDATE keys_keystore
		SET status = ?, cert_pem = ?, serial = ?, not_after = ?, applied_at = ?
		WHERE keystore_ref = ? AND common_name = ?`),
		string(ent.status), ent.certPEM.String, ent.serial.String, ent.notAfter.Time, now,
		keystoreRef, commonName); err != nil {
		return false, m.fail(op, keystoreRef, err)
	}

	rec = ent.record()
	m.publish(ctx, event.TopicCertApplied, *rec)
	return true, nil
}

// GetCertificate returns the certificate applied to (keystoreRef,
// commonName). An entry still awaiting its certificate reports NotFound.
func (m *Manager) GetCertificate(ctx context.Context, keystoreRef, commonName string) (*models.CertificateRecord, error) {
	const op = "get certificate"
	bctx, cancel := m.backend(ctx)
	defer cancel()
	ent, err := m.loadEntry(bctx, keystoreRef, commonName)
	if errors.Is(err, ErrNotFound) {
		return nil, newError(KindNotFound, op, keystoreRef, nil)
	}
	if err != nil {
		return nil, m.fail(op, keystoreRef, err)
	}
	if ent.status != models.KeystoreApplied {
		return nil, newError(KindNotFound, op, keystoreRef, errors.New("certificate not yet applied"))
	}
	return ent.record(), nil
}

// SignPending has the attached authority sign the stored request for
// (keystoreRef, commonName) and applies the result.
func (m *Manager) SignPending(ctx context.Context, keystoreRef, commonName, storePassword string) (*models.CertificateRecord, error) {
	const op = "sign pending"
	if m.signer == nil {
		return nil, newError(KindInvalidInput, op, keystoreRef, errors.New("no certificate authority configured"))
	}
	bctx, cancel := m.backend(ctx)
	ent, err := m.loadEntry(bctx, keystoreRef, commonName)
	cancel()
	if errors.Is(err, ErrNotFound) {
		return nil, newError(KindKeystoreMismatch, op, keystoreRef, fmt.Errorf("no request for %q", commonName))
	}
	if err != nil {
		return nil, m.fail(op, keystoreRef, err)
	}

	block, _ := pem.Decode([]byte(ent.csrPEM))
	if block == nil {
		return nil, newError(KindBackend, op, keystoreRef, errors.New("stored request is not PEM"))
	}
	issued, err := m.signer.SignCSR(block.Bytes, time.Duration(ent.validityDays)*24*time.Hour)
	if err != nil {
		return nil, newError(KindBackend, op, keystoreRef, err)
	}
	if _, err := m.ApplyCertificateResponse(ctx, commonName, issued.DER, keystoreRef, storePassword); err != nil {
		return nil, err
	}
	return m.GetCertificate(ctx, keystoreRef, commonName)
}

func failDetail(err error) string {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind.String()
	}
	return "error"
}
