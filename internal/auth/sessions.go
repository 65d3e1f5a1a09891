package auth

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/HerbHall/warden/internal/credstore"
	"github.com/HerbHall/warden/internal/event"
	"github.com/HerbHall/warden/internal/session"
	"github.com/HerbHall/warden/pkg/models"
)

// Session returns a live session. A session past its TTL is moved to
// Expired and reported as SessionExpired.
func (a *Authenticator) Session(ctx context.Context, sessionID string) (*session.Session, error) {
	return a.activeSession(ctx, "session", sessionID)
}

func (a *Authenticator) activeSession(ctx context.Context, op, sessionID string) (*session.Session, error) {
	bctx, cancel := a.backend(ctx)
	sess, err := a.sessions.Get(bctx, sessionID)
	cancel()
	if errors.Is(err, session.ErrNotFound) {
		return nil, newError(KindSessionNotFound, op, "")
	}
	if err != nil {
		return nil, a.backendErr(op, "", err)
	}
	if sess.State == session.StateExpired {
		return nil, newError(KindSessionExpired, op, sess.IdentityID)
	}
	if sess.Expired(a.env.Now()) {
		bctx, cancel := a.backend(ctx)
		_, err := a.sessions.CompareAndSwap(bctx, sess.ID, sess.State, session.StateExpired)
		cancel()
		if err != nil && !errors.Is(err, session.ErrStateMismatch) && !errors.Is(err, session.ErrNotFound) {
			a.log(ctx).Warn("could not mark session expired", zap.String("session_id", sess.ID), zap.Error(err))
		}
		return nil, newError(KindSessionExpired, op, sess.IdentityID)
	}
	return sess, nil
}

// Logoff ends a session owned by callerID.
func (a *Authenticator) Logoff(ctx context.Context, sessionID, callerID string) error {
	const op = "logoff"
	sess, err := a.storedSession(ctx, op, sessionID)
	if err != nil {
		return err
	}
	if sess.IdentityID != callerID {
		e := sessionEntry(models.AuditLogoff, sess, false)
		e.Detail = "caller " + callerID + " does not own session"
		a.record(ctx, e)
		return newError(KindNotSessionOwner, op, callerID)
	}
	if err := a.endSession(ctx, op, sess); err != nil {
		return err
	}
	a.record(ctx, sessionEntry(models.AuditLogoff, sess, true))
	return nil
}

// ForceLogoff ends any session on behalf of a SITE_ADMIN.
func (a *Authenticator) ForceLogoff(ctx context.Context, sessionID string, admin models.Identity) error {
	const op = "force logoff"
	sess, err := a.storedSession(ctx, op, sessionID)
	if err != nil {
		return err
	}
	e := sessionEntry(models.AuditForceLogoff, sess, false)
	e.Detail = "by " + admin.ID
	if !admin.Role.Privileged() {
		a.record(ctx, e)
		return newError(KindNotPrivileged, op, admin.ID)
	}
	if err := a.endSession(ctx, op, sess); err != nil {
		return err
	}
	e.Authorized = true
	a.record(ctx, e)
	return nil
}

// storedSession loads a session regardless of state or expiry.
func (a *Authenticator) storedSession(ctx context.Context, op, sessionID string) (*session.Session, error) {
	bctx, cancel := a.backend(ctx)
	sess, err := a.sessions.Get(bctx, sessionID)
	cancel()
	if errors.Is(err, session.ErrNotFound) {
		return nil, newError(KindSessionNotFound, op, "")
	}
	if err != nil {
		return nil, a.backendErr(op, "", err)
	}
	return sess, nil
}

func (a *Authenticator) endSession(ctx context.Context, op string, sess *session.Session) error {
	bctx, cancel := a.backend(ctx)
	err := a.sessions.Delete(bctx, sess.ID)
	cancel()
	if errors.Is(err, session.ErrNotFound) {
		return newError(KindSessionNotFound, op, sess.IdentityID)
	}
	if err != nil {
		return a.backendErr(op, sess.IdentityID, err)
	}
	a.publish(ctx, event.TopicSessionClosed, sess)
	return nil
}

// Unlock clears every lockout counter and flag for an identity. Only a
// SITE_ADMIN may unlock.
func (a *Authenticator) Unlock(ctx context.Context, identityID string, admin models.Identity) error {
	const op = "unlock"
	entry := models.AuditEntry{
		Type:       models.AuditUnlockAccount,
		IdentityID: identityID,
		Detail:     "by " + admin.ID,
	}
	if !admin.Role.Privileged() {
		a.record(ctx, entry)
		return newError(KindNotPrivileged, op, admin.ID)
	}

	unlock := a.locks.Lock(identityID)
	defer unlock()

	bctx, cancel := a.backend(ctx)
	ident, err := a.creds.GetIdentity(bctx, identityID)
	cancel()
	if errors.Is(err, credstore.ErrNotFound) {
		return newError(KindInvalidInput, op, identityID)
	}
	if err != nil {
		return a.backendErr(op, identityID, err)
	}

	bctx, cancel = a.backend(ctx)
	err = a.creds.ResetLockout(bctx, identityID)
	cancel()
	if err != nil {
		return a.backendErr(op, identityID, err)
	}
	entry.Username = ident.Username
	entry.Role = ident.Role
	entry.Authorized = true
	a.record(ctx, entry)
	a.log(ctx).Info("account unlocked", zap.String("identity_id", identityID), zap.String("admin_id", admin.ID))
	return nil
}

// Suspend toggles the administrative suspension flag.
func (a *Authenticator) Suspend(ctx context.Context, identityID string, suspended bool, admin models.Identity) error {
	const op = "suspend"
	if !admin.Role.Privileged() {
		return newError(KindNotPrivileged, op, admin.ID)
	}
	bctx, cancel := a.backend(ctx)
	err := a.creds.SetSuspended(bctx, identityID, suspended)
	cancel()
	if errors.Is(err, credstore.ErrNotFound) {
		return newError(KindInvalidInput, op, identityID)
	}
	if err != nil {
		return a.backendErr(op, identityID, err)
	}
	a.log(ctx).Info("suspension changed",
		zap.String("identity_id", identityID),
		zap.Bool("suspended", suspended),
		zap.String("admin_id", admin.ID),
	)
	return nil
}
