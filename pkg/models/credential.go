package models

import (
	"time"

	"go.uber.org/zap/zapcore"
)

// SaltPurpose distinguishes logon salts from reset-question salts.
type SaltPurpose string

const (
	SaltLogon SaltPurpose = "LOGON"
	SaltReset SaltPurpose = "RESET"
)

// SaltRecord is one generation of salt for an identity. Rotation supersedes
// the record; it is never mutated.
type SaltRecord struct {
	ID         string      `json:"id"`
	IdentityID string      `json:"identity_id"`
	Purpose    SaltPurpose `json:"purpose"`
	Value      []byte      `json:"-"`
	CreatedAt  time.Time   `json:"created_at"`
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (s *SaltRecord) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("salt_id", s.ID)
	enc.AddString("identity_id", s.IdentityID)
	enc.AddString("purpose", string(s.Purpose))
	return nil
}

// KDFParams names the derivation function and its cost parameters.
type KDFParams struct {
	Name       string `json:"name" mapstructure:"name" example:"pbkdf2-sha512"`
	Iterations int    `json:"iterations" mapstructure:"iterations" example:"210000"`
	KeyLength  int    `json:"key_length" mapstructure:"key_length" example:"64"`
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (p KDFParams) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("kdf", p.Name)
	enc.AddInt("iterations", p.Iterations)
	enc.AddInt("key_length", p.KeyLength)
	return nil
}

// CredentialRecord is the derived password hash for an identity. It is
// replaced wholesale on every password change.
type CredentialRecord struct {
	IdentityID string    `json:"identity_id"`
	Hash       []byte    `json:"-"`
	Params     KDFParams `json:"params"`
	SaltID     string    `json:"salt_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (c *CredentialRecord) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("identity_id", c.IdentityID)
	enc.AddString("salt_id", c.SaltID)
	return enc.AddObject("params", c.Params)
}

// LockoutState tracks failed attempts. Version is bumped on every write and
// used as the compare-and-swap token by stores.
type LockoutState struct {
	IdentityID           string `json:"identity_id"`
	Failures             int    `json:"failures"`
	SecondFactorFailures int    `json:"second_factor_failures"`
	Locked               bool   `json:"locked"`
	OnlineResetLocked    bool   `json:"online_reset_locked"`
	Version              int64  `json:"-"`
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (l *LockoutState) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("identity_id", l.IdentityID)
	enc.AddInt("failures", l.Failures)
	enc.AddInt("second_factor_failures", l.SecondFactorFailures)
	enc.AddBool("locked", l.Locked)
	enc.AddBool("olr_locked", l.OnlineResetLocked)
	return nil
}

// SecurityQuestion is the second-factor challenge for an identity. The
// answer is stored derived under the identity's RESET salt.
type SecurityQuestion struct {
	IdentityID string    `json:"identity_id"`
	Question   string    `json:"question"`
	AnswerHash []byte    `json:"-"`
	Salt       []byte    `json:"-"`
	Params     KDFParams `json:"params"`
}

// ResetRequest is a pending online reset. Only digests of the token and
// the optional out-of-band code are kept.
type ResetRequest struct {
	TokenHash  string    `json:"-"`
	IdentityID string    `json:"identity_id"`
	CodeHash   string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (r *ResetRequest) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("identity_id", r.IdentityID)
	enc.AddTime("created_at", r.CreatedAt)
	enc.AddBool("has_code", r.CodeHash != "")
	return nil
}
