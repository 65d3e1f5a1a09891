// Package auth implements the login, second-factor, lockout and online
// reset state machine on top of a credential store backend.
package auth

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/warden/internal/audit"
	"github.com/HerbHall/warden/internal/core"
	"github.com/HerbHall/warden/internal/credstore"
	"github.com/HerbHall/warden/internal/policy"
	"github.com/HerbHall/warden/internal/session"
	"github.com/HerbHall/warden/pkg/models"
	"github.com/HerbHall/warden/pkg/plugin"
)

// Second factor modes.
const (
	FactorNone             = "none"
	FactorSecurityQuestion = "security_question"
	FactorTOTP             = "totp"
)

// Config tunes the Authenticator.
type Config struct {
	LockoutThreshold  int
	SecondFactor      string
	SecondFactorLimit int
	ResetWindow       time.Duration
	ResetCodeLength   int
	SessionTTL        time.Duration
	BackendTimeout    time.Duration
	// LoginRate is attempts per second per source; zero disables throttling.
	LoginRate  float64
	LoginBurst int
	Issuer     string
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		LockoutThreshold:  3,
		SecondFactor:      FactorNone,
		SecondFactorLimit: 3,
		ResetWindow:       30 * time.Minute,
		SessionTTL:        30 * time.Minute,
		BackendTimeout:    5 * time.Second,
		LoginRate:         1,
		LoginBurst:        10,
		Issuer:            "Warden",
	}
}

// ResetNotice is handed to the Notifier when a reset is initiated. Token
// and Code are the only copies of the raw values.
type ResetNotice struct {
	IdentityID string
	Username   string
	Token      string
	Code       string
	ExpiresAt  time.Time
}

// Notifier delivers reset tokens out of band.
type Notifier interface {
	SendReset(ctx context.Context, n ResetNotice) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n ResetNotice) error

func (f NotifierFunc) SendReset(ctx context.Context, n ResetNotice) error { return f(ctx, n) }

type discardNotifier struct{}

func (discardNotifier) SendReset(context.Context, ResetNotice) error { return nil }

// Authenticator drives the authentication state machine.
type Authenticator struct {
	cfg      Config
	creds    credstore.Store
	sessions session.Store
	engine   *policy.Engine
	burn     func(secret []byte)
	audit    audit.Sink
	notifier Notifier
	locks    *core.KeyedMutex
	limiter  *sourceLimiter
	env      core.Env
	logger   *zap.Logger
}

// Deps groups the collaborators of an Authenticator.
type Deps struct {
	Credentials credstore.Store
	Sessions    session.Store
	Engine      *policy.Engine
	Audit       audit.Sink
	Notifier    Notifier
	Env         core.Env
}

// New returns an Authenticator. Audit and Notifier default to no-ops.
func New(cfg Config, deps Deps) (*Authenticator, error) {
	if deps.Credentials == nil || deps.Sessions == nil || deps.Engine == nil {
		return nil, errors.New("auth: credentials, sessions and engine are required")
	}
	switch cfg.SecondFactor {
	case "":
		cfg.SecondFactor = FactorNone
	case FactorNone, FactorSecurityQuestion, FactorTOTP:
	default:
		return nil, errors.New("auth: unknown second factor " + cfg.SecondFactor)
	}
	def := DefaultConfig()
	if cfg.LockoutThreshold < 1 {
		cfg.LockoutThreshold = def.LockoutThreshold
	}
	if cfg.SecondFactorLimit < 1 {
		cfg.SecondFactorLimit = def.SecondFactorLimit
	}
	if cfg.ResetWindow <= 0 {
		cfg.ResetWindow = def.ResetWindow
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = def.BackendTimeout
	}
	if cfg.Issuer == "" {
		cfg.Issuer = def.Issuer
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.Notifier == nil {
		deps.Notifier = discardNotifier{}
	}
	env := deps.Env
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	env = env.Named("auth")

	return &Authenticator{
		cfg:      cfg,
		creds:    deps.Credentials,
		sessions: deps.Sessions,
		engine:   deps.Engine,
		burn:     deps.Engine.Burn,
		audit:    deps.Audit,
		notifier: deps.Notifier,
		locks:    core.NewKeyedMutex(),
		limiter:  newSourceLimiter(cfg.LoginRate, cfg.LoginBurst, env.Now),
		env:      env,
		logger:   env.Logger,
	}, nil
}

// Config returns the effective configuration.
func (a *Authenticator) Config() Config { return a.cfg }

// backend bounds a single backend call by the configured timeout.
func (a *Authenticator) backend(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.cfg.BackendTimeout)
}

// backendErr converts a credential or session store failure. Deadline
// expiry maps to Timeout, everything else to BackendUnavailable.
func (a *Authenticator) backendErr(op, identityID string, err error) *Error {
	kind := KindBackendUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	a.logger.Error("backend call failed",
		zap.String("op", op),
		zap.String("identity_id", identityID),
		zap.Error(err),
	)
	return &Error{Kind: kind, Op: op, IdentityID: identityID, Code: credstore.CodeOf(err), Err: err}
}

// log scopes the logger to the inbound request so its lines join the
// audit entries recorded on the same call.
func (a *Authenticator) log(ctx context.Context) *zap.Logger {
	if id := core.RequestFrom(ctx).ID; id != "" {
		return a.logger.With(zap.String("request_id", id))
	}
	return a.logger
}

func (a *Authenticator) record(ctx context.Context, e models.AuditEntry) {
	a.audit.Record(ctx, e)
}

func (a *Authenticator) publish(ctx context.Context, topic string, payload any) {
	if a.env.Bus == nil {
		return
	}
	a.env.Bus.PublishAsync(ctx, plugin.Event{
		Topic:     topic,
		Source:    "auth",
		Timestamp: a.env.Now(),
		Payload:   payload,
	})
}

func sessionEntry(t models.AuditType, s *session.Session, ok bool) models.AuditEntry {
	return models.AuditEntry{
		Type:       t,
		SessionID:  s.ID,
		IdentityID: s.IdentityID,
		Username:   s.Username,
		Role:       s.Role,
		Authorized: ok,
		SourceHost: s.SourceHost,
		SourceAddr: s.SourceAddr,
	}
}
