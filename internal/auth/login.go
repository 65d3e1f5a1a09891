package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HerbHall/warden/internal/credstore"
	"github.com/HerbHall/warden/internal/event"
	"github.com/HerbHall/warden/internal/session"
	"github.com/HerbHall/warden/pkg/models"
)

// LoginRequest is a first-factor attempt.
type LoginRequest struct {
	Username   string
	Password   string
	SourceHost string
	SourceAddr string
}

// Login verifies a username and password and opens a session. The session
// is Authenticated, or PendingSecondaryFactor when a second factor is
// configured.
func (a *Authenticator) Login(ctx context.Context, req LoginRequest) (sess *session.Session, err error) {
	defer func() { loginsTotal.WithLabelValues(loginResult(err)).Inc() }()
	const op = "login"

	entry := models.AuditEntry{
		Type:       models.AuditLogon,
		Username:   req.Username,
		SourceHost: req.SourceHost,
		SourceAddr: req.SourceAddr,
	}

	if !a.limiter.allow(req.SourceAddr) {
		a.log(ctx).Warn("login throttled", zap.String("source_addr", req.SourceAddr))
		return nil, newError(KindRateLimited, op, "")
	}

	ident, err := a.lookup(ctx, req.Username)
	if errors.Is(err, credstore.ErrNotFound) {
		a.burn([]byte(req.Password))
		entry.Detail = "unknown identity"
		a.record(ctx, entry)
		return nil, newError(KindInvalidCredentials, op, "")
	}
	if err != nil {
		return nil, a.backendErr(op, "", err)
	}
	entry.IdentityID = ident.ID
	entry.Role = ident.Role

	unlock := a.locks.Lock(ident.ID)
	defer unlock()

	lock, err := a.lockout(ctx, ident.ID)
	if err != nil {
		return nil, a.backendErr(op, ident.ID, err)
	}
	if lock.Locked {
		entry.Detail = "account locked"
		a.record(ctx, entry)
		return nil, newError(KindAccountLocked, op, ident.ID)
	}
	if ident.Suspended {
		a.burn([]byte(req.Password))
		entry.Detail = "account suspended"
		a.record(ctx, entry)
		return nil, newError(KindAccountSuspended, op, ident.ID)
	}

	ok, err := a.checkPassword(ctx, ident.ID, req.Password)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, a.loginFailure(ctx, op, ident, entry)
	}

	if lock.OnlineResetLocked && a.cfg.SecondFactor != FactorNone {
		entry.Detail = "online reset locked"
		a.record(ctx, entry)
		return nil, newError(KindOnlineResetLocked, op, ident.ID)
	}
	if lock.Failures > 0 {
		bctx, cancel := a.backend(ctx)
		err := a.creds.ClearFailures(bctx, ident.ID)
		cancel()
		if err != nil {
			return nil, a.backendErr(op, ident.ID, err)
		}
	}

	now := a.env.Now()
	sess = &session.Session{
		ID:         uuid.New().String(),
		IdentityID: ident.ID,
		Username:   ident.Username,
		Role:       ident.Role,
		Groups:     ident.Groups,
		State:      session.StateAuthenticated,
		SourceHost: req.SourceHost,
		SourceAddr: req.SourceAddr,
		CreatedAt:  now,
		ExpiresAt:  now.Add(a.cfg.SessionTTL),
	}
	if a.cfg.SecondFactor != FactorNone {
		sess.State = session.StatePendingSecondFactor
		sess.SecondFactor = a.cfg.SecondFactor
	}

	bctx, cancel := a.backend(ctx)
	err = a.sessions.Create(bctx, sess)
	cancel()
	if err != nil {
		return nil, a.backendErr(op, ident.ID, err)
	}

	e := sessionEntry(models.AuditLogon, sess, true)
	if sess.State == session.StatePendingSecondFactor {
		e.Detail = "pending " + sess.SecondFactor
	}
	a.record(ctx, e)
	a.publish(ctx, event.TopicSessionOpened, sess)
	a.log(ctx).Info("login succeeded", zap.Object("session", sess))
	return sess, nil
}

// loginFailure counts a wrong password and locks the account at threshold.
func (a *Authenticator) loginFailure(ctx context.Context, op string, ident *models.Identity, entry models.AuditEntry) error {
	bctx, cancel := a.backend(ctx)
	st, err := a.creds.RecordFailure(bctx, ident.ID, a.cfg.LockoutThreshold)
	cancel()
	if err != nil {
		return a.backendErr(op, ident.ID, err)
	}

	entry.Detail = "invalid password"
	a.record(ctx, entry)

	if st.Locked && st.Failures == a.cfg.LockoutThreshold {
		lockoutsTotal.WithLabelValues("login").Inc()
		a.record(ctx, models.AuditEntry{
			Type:       models.AuditLockAccount,
			IdentityID: ident.ID,
			Username:   ident.Username,
			Role:       ident.Role,
			Authorized: true,
			SourceHost: entry.SourceHost,
			SourceAddr: entry.SourceAddr,
			Detail:     "failure threshold reached",
		})
		a.publish(ctx, event.TopicAccountLocked, st)
		a.log(ctx).Warn("account locked", zap.Object("lockout", st))
	}
	return newError(KindInvalidCredentials, op, ident.ID)
}

func (a *Authenticator) lookup(ctx context.Context, username string) (*models.Identity, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, credstore.ErrNotFound
	}
	bctx, cancel := a.backend(ctx)
	defer cancel()
	return a.creds.LookupIdentity(bctx, username)
}

func (a *Authenticator) lockout(ctx context.Context, id string) (*models.LockoutState, error) {
	bctx, cancel := a.backend(ctx)
	defer cancel()
	return a.creds.GetLockout(bctx, id)
}

// checkPassword verifies password against the stored credential with the
// parameters it was written under.
func (a *Authenticator) checkPassword(ctx context.Context, id, password string) (bool, error) {
	if password == "" {
		a.burn(nil)
		return false, nil
	}
	bctx, cancel := a.backend(ctx)
	cred, salt, err := a.creds.GetCredential(bctx, id)
	cancel()
	if err != nil {
		return false, a.backendErr("verify password", id, err)
	}
	ok, err := a.engine.Check([]byte(password), salt.Value, cred.Hash, cred.Params)
	if err != nil {
		return false, &Error{Kind: KindBackendUnavailable, Op: "verify password", IdentityID: id, Code: "kdf", Err: err}
	}
	return ok, nil
}
