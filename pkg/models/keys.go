package models

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
)

// KeyAlgorithm is the asymmetric algorithm of a key pair.
type KeyAlgorithm string

const (
	KeyAlgorithmRSA   KeyAlgorithm = "RSA"
	KeyAlgorithmECDSA KeyAlgorithm = "ECDSA"
)

// KeyMaterial is an identity's asymmetric key pair. The private half is kept
// sealed and never serialized.
type KeyMaterial struct {
	ID               string       `json:"id"`
	IdentityID       string       `json:"identity_id"`
	Algorithm        KeyAlgorithm `json:"algorithm" example:"RSA"`
	Bits             int          `json:"bits" example:"2048"`
	PublicKeyPEM     []byte       `json:"public_key_pem"`
	SealedPrivateKey []byte       `json:"-"`
	CreatedAt        time.Time    `json:"created_at"`
	RevokedAt        *time.Time   `json:"revoked_at,omitempty"`
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (k *KeyMaterial) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("key_id", k.ID)
	enc.AddString("identity_id", k.IdentityID)
	enc.AddString("algorithm", string(k.Algorithm))
	enc.AddInt("bits", k.Bits)
	return nil
}

// SubjectFields are the distinguished-name components of a certificate request.
type SubjectFields struct {
	CommonName         string `json:"common_name" example:"test.example.com"`
	OrganizationalUnit string `json:"organizational_unit" example:"R&D"`
	Organization       string `json:"organization" example:"Example Corp"`
	Locality           string `json:"locality" example:"City"`
	State              string `json:"state" example:"State"`
	Country            string `json:"country" example:"US"`
	Email              string `json:"email" example:"admin@example.com"`
}

// SubjectFromList builds SubjectFields from the positional form
// [CN, OU, O, L, ST, C, email].
func SubjectFromList(fields []string) (SubjectFields, error) {
	if len(fields) != 7 {
		return SubjectFields{}, fmt.Errorf("subject requires 7 fields, got %d", len(fields))
	}
	return SubjectFields{
		CommonName:         fields[0],
		OrganizationalUnit: fields[1],
		Organization:       fields[2],
		Locality:           fields[3],
		State:              fields[4],
		Country:            fields[5],
		Email:              fields[6],
	}, nil
}

// Missing returns the names of empty fields.
func (s SubjectFields) Missing() []string {
	var missing []string
	check := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	check("common_name", s.CommonName)
	check("organizational_unit", s.OrganizationalUnit)
	check("organization", s.Organization)
	check("locality", s.Locality)
	check("state", s.State)
	check("country", s.Country)
	check("email", s.Email)
	return missing
}

// CSRArtifact is a generated certificate signing request and the keystore
// entry holding its private key.
type CSRArtifact struct {
	KeystoreRef  string    `json:"keystore_ref"`
	CommonName   string    `json:"common_name"`
	CSRPEM       []byte    `json:"csr_pem"`
	KeySize      int       `json:"key_size" example:"2048"`
	ValidityDays int       `json:"validity_days" example:"365"`
	CreatedAt    time.Time `json:"created_at"`
}

// KeystoreStatus is the lifecycle state of a keystore entry.
type KeystoreStatus string

const (
	KeystorePending KeystoreStatus = "pending"
	KeystoreApplied KeystoreStatus = "applied"
)

// CertificateRecord is a CA-issued certificate merged into a keystore entry.
type CertificateRecord struct {
	KeystoreRef    string         `json:"keystore_ref"`
	CommonName     string         `json:"common_name"`
	Status         KeystoreStatus `json:"status"`
	CertificatePEM []byte         `json:"certificate_pem,omitempty"`
	Serial         string         `json:"serial,omitempty"`
	NotAfter       time.Time      `json:"not_after,omitzero"`
	AppliedAt      *time.Time     `json:"applied_at,omitempty"`
}
