package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/HerbHall/warden/internal/credstore"
	"github.com/HerbHall/warden/pkg/models"
)

// EnrollRequest creates an identity with its first password and,
// optionally, a security question.
type EnrollRequest struct {
	Username string
	Password string
	Role     models.Role
	Groups   []string
	Question string
	Answer   string
}

// Enroll creates an identity. The identity, LOGON salt, credential and
// security question are written in one backend call.
func (a *Authenticator) Enroll(ctx context.Context, req EnrollRequest) (*models.Identity, error) {
	const op = "enroll"
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return nil, &Error{Kind: KindInvalidInput, Op: op, Err: errors.New("username is required")}
	}
	if err := a.engine.ValidatePassword(req.Password); err != nil {
		return nil, &Error{Kind: KindInvalidInput, Op: op, Err: err}
	}
	role := req.Role
	if role == "" {
		role = models.RoleUser
	}
	if _, err := models.ParseRole(string(role)); err != nil {
		return nil, &Error{Kind: KindInvalidInput, Op: op, Err: err}
	}
	if (req.Question == "") != (normalizeAnswer(req.Answer) == "") {
		return nil, &Error{Kind: KindInvalidInput, Op: op, Err: errors.New("question and answer must be given together")}
	}

	var groups []string
	for _, g := range req.Groups {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	ident := &models.Identity{
		ID:        uuid.New().String(),
		Username:  username,
		Role:      role,
		Groups:    groups,
		CreatedAt: a.env.Now(),
	}

	salt, cred, err := a.newCredential(ident.ID, req.Password)
	if err != nil {
		return nil, &Error{Kind: KindBackendUnavailable, Op: op, Code: "kdf", Err: err}
	}
	enrollment := credstore.Enrollment{Identity: ident, Salt: salt, Credential: cred}

	if req.Question != "" {
		qsalt, err := a.engine.NewSalt()
		if err != nil {
			return nil, &Error{Kind: KindBackendUnavailable, Op: op, Code: "entropy", Err: err}
		}
		answer, err := a.engine.Hash([]byte(normalizeAnswer(req.Answer)), qsalt)
		if err != nil {
			return nil, &Error{Kind: KindBackendUnavailable, Op: op, Code: "kdf", Err: err}
		}
		enrollment.Question = &models.SecurityQuestion{
			IdentityID: ident.ID,
			Question:   strings.TrimSpace(req.Question),
			AnswerHash: answer,
			Salt:       qsalt,
			Params:     a.engine.Params(),
		}
	}

	bctx, cancel := a.backend(ctx)
	err = a.creds.CreateIdentity(bctx, enrollment)
	cancel()
	if errors.Is(err, credstore.ErrConflict) {
		return nil, newError(KindAlreadyExists, op, "")
	}
	if err != nil {
		return nil, a.backendErr(op, ident.ID, err)
	}

	a.record(ctx, models.AuditEntry{
		Type:       models.AuditEnroll,
		IdentityID: ident.ID,
		Username:   ident.Username,
		Role:       ident.Role,
		Authorized: true,
	})
	return ident, nil
}

// Identity returns the stored identity.
func (a *Authenticator) Identity(ctx context.Context, identityID string) (*models.Identity, error) {
	bctx, cancel := a.backend(ctx)
	ident, err := a.creds.GetIdentity(bctx, identityID)
	cancel()
	if errors.Is(err, credstore.ErrNotFound) {
		return nil, newError(KindInvalidInput, "identity", identityID)
	}
	if err != nil {
		return nil, a.backendErr("identity", identityID, err)
	}
	return ident, nil
}
