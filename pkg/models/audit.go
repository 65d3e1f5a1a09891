package models

import (
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"
)

// AuditType is the closed set of audited operations.
type AuditType string

const (
	AuditLogon          AuditType = "LOGON"
	AuditLogoff         AuditType = "LOGOFF"
	AuditForceLogoff    AuditType = "FORCELOGOFF"
	AuditVerifySecurity AuditType = "VERIFYSECURITY"
	AuditVerifyOTP      AuditType = "VERIFYOTP"
	AuditLockAccount    AuditType = "LOCKACCOUNT"
	AuditUnlockAccount  AuditType = "UNLOCKACCOUNT"
	AuditOLRLock        AuditType = "OLRLOCK"
	AuditResetPassword  AuditType = "RESETPASS"
	AuditChangePassword AuditType = "CHANGEPASS"
	AuditEnroll         AuditType = "ENROLL"
	AuditChangeKeys     AuditType = "CHANGEKEYS"
	AuditGetKeys        AuditType = "GETKEYS"
	AuditRemoveKeys     AuditType = "REMOVEKEYS"
	AuditGenerateCert   AuditType = "GENERATECERT"
	AuditApplyCert      AuditType = "APPLYCERT"
	AuditAuthorize      AuditType = "AUTHORIZE"
)

var auditTypes = map[AuditType]bool{
	AuditLogon: true, AuditLogoff: true, AuditForceLogoff: true,
	AuditVerifySecurity: true, AuditVerifyOTP: true,
	AuditLockAccount: true, AuditUnlockAccount: true, AuditOLRLock: true,
	AuditResetPassword: true, AuditChangePassword: true, AuditEnroll: true,
	AuditChangeKeys: true, AuditGetKeys: true, AuditRemoveKeys: true,
	AuditGenerateCert: true, AuditApplyCert: true, AuditAuthorize: true,
}

// Valid reports whether t is a known audit type.
func (t AuditType) Valid() bool {
	return auditTypes[t]
}

// ParseAuditType validates a textual audit type.
func ParseAuditType(s string) (AuditType, error) {
	t := AuditType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown audit type %q", s)
	}
	return t, nil
}

// AuditEntry is one immutable row of the audit trail. Seq is assigned by the
// store on append; PrevHash and Hash link the tamper-evident chain.
type AuditEntry struct {
	ID              string    `json:"id" cbor:"1,keyasint"`
	Seq             int64     `json:"seq" cbor:"2,keyasint"`
	Type            AuditType `json:"type" cbor:"3,keyasint" example:"LOGON"`
	Timestamp       time.Time `json:"timestamp" cbor:"4,keyasint"`
	SessionID       string    `json:"session_id,omitempty" cbor:"5,keyasint"`
	IdentityID      string    `json:"identity_id,omitempty" cbor:"6,keyasint"`
	Username        string    `json:"username,omitempty" cbor:"7,keyasint"`
	Role            Role      `json:"role,omitempty" cbor:"8,keyasint"`
	Authorized      bool      `json:"authorized" cbor:"9,keyasint"`
	SourceHost      string    `json:"source_host,omitempty" cbor:"10,keyasint"`
	SourceAddr      string    `json:"source_addr,omitempty" cbor:"11,keyasint"`
	ApplicationID   string    `json:"application_id,omitempty" cbor:"12,keyasint"`
	ApplicationName string    `json:"application_name,omitempty" cbor:"13,keyasint"`
	Detail          string    `json:"detail,omitempty" cbor:"14,keyasint"`
	RequestID       string    `json:"request_id,omitempty" cbor:"15,keyasint,omitempty"`
	PrevHash        string    `json:"prev_hash,omitempty" cbor:"-"`
	Hash            string    `json:"hash,omitempty" cbor:"-"`
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (e *AuditEntry) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("audit_type", string(e.Type))
	enc.AddString("session_id", e.SessionID)
	enc.AddString("identity_id", e.IdentityID)
	enc.AddBool("authorized", e.Authorized)
	enc.AddString("source_addr", e.SourceAddr)
	if e.RequestID != "" {
		enc.AddString("request_id", e.RequestID)
	}
	return nil
}
