package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/HerbHall/warden/internal/credstore"
	"github.com/HerbHall/warden/internal/event"
	"github.com/HerbHall/warden/internal/session"
	"github.com/HerbHall/warden/pkg/models"
)

var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// TOTPEnrollment is returned once when a TOTP secret is provisioned.
type TOTPEnrollment struct {
	Secret string `json:"secret"`
	URL    string `json:"otpauth_url"`
}

// VerifySecurityQuestion answers the security-question challenge of a
// pending session.
func (a *Authenticator) VerifySecurityQuestion(ctx context.Context, sessionID, answer string) (*session.Session, error) {
	return a.verifySecondFactor(ctx, sessionID, FactorSecurityQuestion, models.AuditVerifySecurity,
		func(ctx context.Context, id string) (bool, error) {
			bctx, cancel := a.backend(ctx)
			q, err := a.creds.GetSecurityQuestion(bctx, id)
			cancel()
			if errors.Is(err, credstore.ErrNotFound) {
				return false, newError(KindNotEnrolled, "verify security question", id)
			}
			if err != nil {
				return false, a.backendErr("verify security question", id, err)
			}
			norm := normalizeAnswer(answer)
			if norm == "" {
				return false, nil
			}
			ok, err := a.engine.Check([]byte(norm), q.Salt, q.AnswerHash, q.Params)
			if err != nil {
				return false, &Error{Kind: KindBackendUnavailable, Op: "verify security question", IdentityID: id, Code: "kdf", Err: err}
			}
			return ok, nil
		})
}

// VerifyTOTP checks a time-based one-time code for a pending session.
func (a *Authenticator) VerifyTOTP(ctx context.Context, sessionID, code string) (*session.Session, error) {
	return a.verifySecondFactor(ctx, sessionID, FactorTOTP, models.AuditVerifyOTP,
		func(ctx context.Context, id string) (bool, error) {
			bctx, cancel := a.backend(ctx)
			sealed, err := a.creds.GetTOTPSecret(bctx, id)
			cancel()
			if errors.Is(err, credstore.ErrNotFound) {
				return false, newError(KindNotEnrolled, "verify totp", id)
			}
			if err != nil {
				return false, a.backendErr("verify totp", id, err)
			}
			secret, err := a.engine.Open(sealed)
			if err != nil {
				return false, &Error{Kind: KindBackendUnavailable, Op: "verify totp", IdentityID: id, Code: "crypto", Err: err}
			}
			ok, err := totp.ValidateCustom(strings.TrimSpace(code), string(secret), a.env.Now(), totpOpts)
			if err != nil {
				return false, nil
			}
			return ok, nil
		})
}

func (a *Authenticator) verifySecondFactor(ctx context.Context, sessionID, factor string, auditType models.AuditType,
	check func(ctx context.Context, identityID string) (bool, error)) (*session.Session, error) {
	op := "verify " + factor

	sess, err := a.activeSession(ctx, op, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State != session.StatePendingSecondFactor || sess.SecondFactor != factor {
		return nil, newError(KindInvalidState, op, sess.IdentityID)
	}

	unlock := a.locks.Lock(sess.IdentityID)
	defer unlock()

	ok, err := check(ctx, sess.IdentityID)
	if err != nil {
		return nil, err
	}

	if ok {
		bctx, cancel := a.backend(ctx)
		next, err := a.sessions.CompareAndSwap(bctx, sess.ID, session.StatePendingSecondFactor, session.StateAuthenticated)
		cancel()
		if errors.Is(err, session.ErrStateMismatch) || errors.Is(err, session.ErrNotFound) {
			return nil, newError(KindInvalidState, op, sess.IdentityID)
		}
		if err != nil {
			return nil, a.backendErr(op, sess.IdentityID, err)
		}
		bctx, cancel = a.backend(ctx)
		err = a.creds.ClearSecondFactorFailures(bctx, sess.IdentityID)
		cancel()
		if err != nil {
			return nil, a.backendErr(op, sess.IdentityID, err)
		}
		a.record(ctx, sessionEntry(auditType, next, true))
		return next, nil
	}

	bctx, cancel := a.backend(ctx)
	st, err := a.creds.RecordSecondFactorFailure(bctx, sess.IdentityID, a.cfg.SecondFactorLimit)
	cancel()
	if err != nil {
		return nil, a.backendErr(op, sess.IdentityID, err)
	}

	failed := sessionEntry(auditType, sess, false)
	if !st.OnlineResetLocked {
		a.record(ctx, failed)
		return nil, newError(KindInvalidCredentials, op, sess.IdentityID)
	}

	bctx, cancel = a.backend(ctx)
	_, err = a.sessions.CompareAndSwap(bctx, sess.ID, session.StatePendingSecondFactor, session.StateOnlineResetLocked)
	cancel()
	if err != nil && !errors.Is(err, session.ErrStateMismatch) {
		a.log(ctx).Warn("could not mark session online-reset locked", zap.String("session_id", sess.ID), zap.Error(err))
	}
	failed.Detail = "second factor limit reached"
	a.record(ctx, failed)
	olr := sessionEntry(models.AuditOLRLock, sess, true)
	olr.Detail = factor
	a.record(ctx, olr)
	lockoutsTotal.WithLabelValues("second_factor").Inc()
	a.publish(ctx, event.TopicAccountLocked, st)
	return nil, newError(KindOnlineResetLocked, op, sess.IdentityID)
}

// EnrollTOTP provisions a new TOTP secret for an identity, replacing any
// previous one. The raw secret is returned once and stored sealed.
func (a *Authenticator) EnrollTOTP(ctx context.Context, identityID string) (*TOTPEnrollment, error) {
	const op = "enroll totp"
	bctx, cancel := a.backend(ctx)
	ident, err := a.creds.GetIdentity(bctx, identityID)
	cancel()
	if errors.Is(err, credstore.ErrNotFound) {
		return nil, newError(KindInvalidInput, op, identityID)
	}
	if err != nil {
		return nil, a.backendErr(op, identityID, err)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      a.cfg.Issuer,
		AccountName: ident.Username,
		Rand:        a.env.Random(),
	})
	if err != nil {
		return nil, &Error{Kind: KindInvalidInput, Op: op, IdentityID: identityID, Err: err}
	}
	sealed, err := a.engine.Seal([]byte(key.Secret()))
	if err != nil {
		return nil, &Error{Kind: KindBackendUnavailable, Op: op, IdentityID: identityID, Code: "crypto", Err: err}
	}

	bctx, cancel = a.backend(ctx)
	err = a.creds.SetTOTPSecret(bctx, identityID, sealed)
	cancel()
	if err != nil {
		return nil, a.backendErr(op, identityID, err)
	}
	a.record(ctx, models.AuditEntry{
		Type:       models.AuditEnroll,
		IdentityID: ident.ID,
		Username:   ident.Username,
		Role:       ident.Role,
		Authorized: true,
		Detail:     "totp",
	})
	return &TOTPEnrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

func normalizeAnswer(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
