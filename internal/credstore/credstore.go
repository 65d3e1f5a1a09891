// Package credstore persists per-identity credential state: salts, password
// hashes, lockout counters, second-factor secrets and reset requests.
//
// Two backends implement Store: SQLStore over the shared relational handle
// and DirectoryStore over LDAP. The Authenticator only sees the interface.
package credstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/HerbHall/warden/pkg/models"
)

// Sentinel kinds. Every backend error matches exactly one of them through
// errors.Is.
var (
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("backend unavailable")
	ErrConflict    = errors.New("concurrent modification")
)

// BackendError carries the backend result code alongside the error kind.
type BackendError struct {
	Backend string
	Code    string
	Op      string
	Kind    error
	Err     error
}

func (e *BackendError) Error() string {
	msg := fmt.Sprintf("credstore %s: %s: %v", e.Backend, e.Op, e.Kind)
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BackendError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// CodeOf returns the backend result code carried by err, if any.
func CodeOf(err error) string {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// Enrollment is everything needed to create an identity in one write.
type Enrollment struct {
	Identity   *models.Identity
	Salt       *models.SaltRecord
	Credential *models.CredentialRecord
	// Question is optional. Its Salt is persisted as the identity's RESET salt.
	Question *models.SecurityQuestion
}

// Store is the capability set the Authenticator needs from a backend.
type Store interface {
	LookupIdentity(ctx context.Context, username string) (*models.Identity, error)
	GetIdentity(ctx context.Context, id string) (*models.Identity, error)
	CreateIdentity(ctx context.Context, e Enrollment) error
	SetSuspended(ctx context.Context, id string, suspended bool) error

	GetCredential(ctx context.Context, id string) (*models.CredentialRecord, *models.SaltRecord, error)
	RotateCredential(ctx context.Context, id string, salt *models.SaltRecord, cred *models.CredentialRecord) error

	GetLockout(ctx context.Context, id string) (*models.LockoutState, error)
	RecordFailure(ctx context.Context, id string, threshold int) (*models.LockoutState, error)
	RecordSecondFactorFailure(ctx context.Context, id string, limit int) (*models.LockoutState, error)
	ClearFailures(ctx context.Context, id string) error
	ClearSecondFactorFailures(ctx context.Context, id string) error
	ResetLockout(ctx context.Context, id string) error

	GetSecurityQuestion(ctx context.Context, id string) (*models.SecurityQuestion, error)
	GetTOTPSecret(ctx context.Context, id string) ([]byte, error)
	SetTOTPSecret(ctx context.Context, id string, sealed []byte) error

	PutResetRequest(ctx context.Context, r *models.ResetRequest) error
	GetResetRequest(ctx context.Context, tokenHash string) (*models.ResetRequest, error)
	ConsumeResetRequest(ctx context.Context, tokenHash string) error
	CompleteReset(ctx context.Context, tokenHash string, salt *models.SaltRecord, cred *models.CredentialRecord) error

	Close() error
}

// applyFailure advances the login counter and locks at threshold.
func applyFailure(l *models.LockoutState, threshold int) {
	l.Failures++
	if threshold > 0 && l.Failures >= threshold {
		l.Locked = true
	}
}

// applySecondFactorFailure advances the second-factor counter and sets the
// online-reset lock at limit.
func applySecondFactorFailure(l *models.LockoutState, limit int) {
	l.SecondFactorFailures++
	if limit > 0 && l.SecondFactorFailures >= limit {
		l.OnlineResetLocked = true
	}
}
