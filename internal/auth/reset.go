package auth

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HerbHall/warden/internal/credstore"
	"github.com/HerbHall/warden/pkg/models"
)

const resetTokenBytes = 32

// ResetInitiation starts an online password reset.
type ResetInitiation struct {
	Username   string
	SourceHost string
	SourceAddr string
}

// InitiateReset issues a reset token for a known, unsuspended identity and
// hands it to the Notifier. The result is identical for unknown usernames.
func (a *Authenticator) InitiateReset(ctx context.Context, req ResetInitiation) error {
	const op = "initiate reset"
	if !a.limiter.allow(req.SourceAddr) {
		resetsTotal.WithLabelValues("initiate", "rate_limited").Inc()
		return newError(KindRateLimited, op, "")
	}

	entry := models.AuditEntry{
		Type:       models.AuditResetPassword,
		Username:   req.Username,
		SourceHost: req.SourceHost,
		SourceAddr: req.SourceAddr,
		Detail:     "initiate",
	}

	token, code, err := a.newResetSecrets()
	if err != nil {
		return &Error{Kind: KindBackendUnavailable, Op: op, Code: "entropy", Err: err}
	}

	ident, err := a.lookup(ctx, req.Username)
	if err != nil && !errors.Is(err, credstore.ErrNotFound) {
		return a.backendErr(op, "", err)
	}
	// Both branches pay one derivation and one backend round trip.
	a.burn([]byte(token))
	if ident == nil || ident.Suspended {
		bctx, cancel := a.backend(ctx)
		_, _ = a.creds.GetResetRequest(bctx, HashToken(token))
		cancel()
		a.record(ctx, entry)
		resetsTotal.WithLabelValues("initiate", "unknown").Inc()
		return nil
	}

	now := a.env.Now()
	rr := &models.ResetRequest{
		TokenHash:  HashToken(token),
		IdentityID: ident.ID,
		CreatedAt:  now,
	}
	if code != "" {
		rr.CodeHash = HashToken(code)
	}
	bctx, cancel := a.backend(ctx)
	err = a.creds.PutResetRequest(bctx, rr)
	cancel()
	if err != nil {
		return a.backendErr(op, ident.ID, err)
	}

	notice := ResetNotice{
		IdentityID: ident.ID,
		Username:   ident.Username,
		Token:      token,
		Code:       code,
		ExpiresAt:  now.Add(a.cfg.ResetWindow),
	}
	if err := a.notifier.SendReset(ctx, notice); err != nil {
		a.log(ctx).Error("reset notification failed", zap.String("identity_id", ident.ID), zap.Error(err))
	}

	entry.IdentityID = ident.ID
	entry.Role = ident.Role
	entry.Authorized = true
	a.record(ctx, entry)
	resetsTotal.WithLabelValues("initiate", "issued").Inc()
	return nil
}

// CompleteReset sets a new password using a reset token.
func (a *Authenticator) CompleteReset(ctx context.Context, token, newPassword string) error {
	return a.CompleteResetWithCode(ctx, token, "", newPassword)
}

// CompleteResetWithCode is CompleteReset for requests that were issued
// with an out-of-band code.
func (a *Authenticator) CompleteResetWithCode(ctx context.Context, token, code, newPassword string) (err error) {
	const op = "complete reset"
	defer func() {
		result := "success"
		if err != nil {
			result = strings.ReplaceAll(KindOf(err).String(), " ", "_")
		}
		resetsTotal.WithLabelValues("complete", result).Inc()
	}()

	if err := a.engine.ValidatePassword(newPassword); err != nil {
		return &Error{Kind: KindInvalidInput, Op: op, Err: err}
	}
	if token == "" {
		return newError(KindResetTokenInvalid, op, "")
	}
	tokenHash := HashToken(token)

	bctx, cancel := a.backend(ctx)
	rr, err := a.creds.GetResetRequest(bctx, tokenHash)
	cancel()
	if errors.Is(err, credstore.ErrNotFound) {
		return newError(KindResetTokenInvalid, op, "")
	}
	if err != nil {
		return a.backendErr(op, "", err)
	}

	if a.env.Now().Sub(rr.CreatedAt) >= a.cfg.ResetWindow {
		bctx, cancel := a.backend(ctx)
		derr := a.creds.ConsumeResetRequest(bctx, tokenHash)
		cancel()
		if derr != nil && !errors.Is(derr, credstore.ErrNotFound) {
			a.log(ctx).Warn("could not delete expired reset request", zap.String("identity_id", rr.IdentityID), zap.Error(derr))
		}
		return newError(KindResetTokenInvalid, op, rr.IdentityID)
	}
	if rr.CodeHash != "" && subtle.ConstantTimeCompare([]byte(rr.CodeHash), []byte(HashToken(code))) != 1 {
		return newError(KindResetTokenInvalid, op, rr.IdentityID)
	}

	unlock := a.locks.Lock(rr.IdentityID)
	defer unlock()

	salt, cred, err := a.newCredential(rr.IdentityID, newPassword)
	if err != nil {
		return &Error{Kind: KindBackendUnavailable, Op: op, IdentityID: rr.IdentityID, Code: "kdf", Err: err}
	}
	bctx, cancel = a.backend(ctx)
	err = a.creds.CompleteReset(bctx, tokenHash, salt, cred)
	cancel()
	if errors.Is(err, credstore.ErrNotFound) {
		return newError(KindResetTokenInvalid, op, rr.IdentityID)
	}
	if err != nil {
		return a.backendErr(op, rr.IdentityID, err)
	}

	a.record(ctx, models.AuditEntry{
		Type:       models.AuditResetPassword,
		IdentityID: rr.IdentityID,
		Authorized: true,
		Detail:     "complete",
	})
	return nil
}

// ChangePassword replaces the password of an identity that proves the
// current one. A wrong current password counts as a failed login.
func (a *Authenticator) ChangePassword(ctx context.Context, identityID, oldPassword, newPassword string) error {
	const op = "change password"
	if err := a.engine.ValidatePassword(newPassword); err != nil {
		return &Error{Kind: KindInvalidInput, Op: op, IdentityID: identityID, Err: err}
	}

	bctx, cancel := a.backend(ctx)
	ident, err := a.creds.GetIdentity(bctx, identityID)
	cancel()
	if errors.Is(err, credstore.ErrNotFound) {
		return newError(KindInvalidCredentials, op, identityID)
	}
	if err != nil {
		return a.backendErr(op, identityID, err)
	}

	unlock := a.locks.Lock(identityID)
	defer unlock()

	entry := models.AuditEntry{
		Type:       models.AuditChangePassword,
		IdentityID: ident.ID,
		Username:   ident.Username,
		Role:       ident.Role,
	}
	lock, err := a.lockout(ctx, identityID)
	if err != nil {
		return a.backendErr(op, identityID, err)
	}
	if lock.Locked {
		entry.Detail = "account locked"
		a.record(ctx, entry)
		return newError(KindAccountLocked, op, identityID)
	}
	if ident.Suspended {
		entry.Detail = "account suspended"
		a.record(ctx, entry)
		return newError(KindAccountSuspended, op, identityID)
	}

	ok, err := a.checkPassword(ctx, identityID, oldPassword)
	if err != nil {
		return err
	}
	if !ok {
		return a.loginFailure(ctx, op, ident, entry)
	}

	salt, cred, err := a.newCredential(identityID, newPassword)
	if err != nil {
		return &Error{Kind: KindBackendUnavailable, Op: op, IdentityID: identityID, Code: "kdf", Err: err}
	}
	bctx, cancel = a.backend(ctx)
	err = a.creds.RotateCredential(bctx, identityID, salt, cred)
	cancel()
	if err != nil {
		return a.backendErr(op, identityID, err)
	}
	entry.Authorized = true
	a.record(ctx, entry)
	return nil
}

// newCredential derives password under a fresh LOGON salt.
func (a *Authenticator) newCredential(identityID, password string) (*models.SaltRecord, *models.CredentialRecord, error) {
	value, err := a.engine.NewSalt()
	if err != nil {
		return nil, nil, err
	}
	hash, err := a.engine.Hash([]byte(password), value)
	if err != nil {
		return nil, nil, err
	}
	now := a.env.Now()
	salt := &models.SaltRecord{
		ID:         uuid.New().String(),
		IdentityID: identityID,
		Purpose:    models.SaltLogon,
		Value:      value,
		CreatedAt:  now,
	}
	cred := &models.CredentialRecord{
		IdentityID: identityID,
		Hash:       hash,
		Params:     a.engine.Params(),
		SaltID:     salt.ID,
		UpdatedAt:  now,
	}
	return salt, cred, nil
}

// newResetSecrets returns a hex token and, when configured, a numeric code.
func (a *Authenticator) newResetSecrets() (token, code string, err error) {
	r := a.env.Random()
	b := make([]byte, resetTokenBytes)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", "", fmt.Errorf("read token entropy: %w", err)
	}
	token = hex.EncodeToString(b)
	if a.cfg.ResetCodeLength <= 0 {
		return token, "", nil
	}
	digits := make([]byte, 0, a.cfg.ResetCodeLength)
	buf := make([]byte, 1)
	for len(digits) < a.cfg.ResetCodeLength {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", "", fmt.Errorf("read code entropy: %w", err)
		}
		// Reject values that would bias the modulo.
		if buf[0] >= 250 {
			continue
		}
		digits = append(digits, '0'+buf[0]%10)
	}
	return token, string(digits), nil
}
