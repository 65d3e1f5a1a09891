// Package access decides whether a principal may use a protected service.
package access

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/HerbHall/warden/internal/audit"
	"github.com/HerbHall/warden/internal/core"
	"github.com/HerbHall/warden/internal/event"
	"github.com/HerbHall/warden/pkg/models"
	"github.com/HerbHall/warden/pkg/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_access_decisions_total",
	Help: "Access decisions by result.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(decisionsTotal)
}

// DefaultLookupTimeout bounds a single service lookup.
const DefaultLookupTimeout = 5 * time.Second

// Request is one authorization question. Only Role, Groups and ServiceID
// influence the decision; the rest is carried into the audit record.
type Request struct {
	ServiceID  string
	Role       models.Role
	Groups     []string
	IdentityID string
	Username   string
	SessionID  string
	SourceAddr string
}

// Decision is published on the bus after every evaluation.
type Decision struct {
	Request
	Allowed bool
	Reason  string
}

// Evaluator answers authorization questions against a Directory.
type Evaluator struct {
	dir     Directory
	audit   audit.Sink
	env     core.Env
	timeout time.Duration
}

// NewEvaluator wires an evaluator. A nil sink disables auditing.
func NewEvaluator(dir Directory, sink audit.Sink, env core.Env) *Evaluator {
	if sink == nil {
		sink = audit.Nop{}
	}
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	return &Evaluator{dir: dir, audit: sink, env: env.Named("access"), timeout: DefaultLookupTimeout}
}

// WithTimeout overrides the lookup timeout.
func (e *Evaluator) WithTimeout(d time.Duration) *Evaluator {
	if d > 0 {
		e.timeout = d
	}
	return e
}

// IsAuthorized is the boolean form of Evaluate. Lookup failures are logged
// and deny.
func (e *Evaluator) IsAuthorized(ctx context.Context, role models.Role, groups []string, serviceID string) bool {
	ok, _ := e.Evaluate(ctx, Request{ServiceID: serviceID, Role: role, Groups: groups})
	return ok
}

// Authorize evaluates a fully described request and reports only the result.
func (e *Evaluator) Authorize(ctx context.Context, req Request) bool {
	ok, _ := e.Evaluate(ctx, req)
	return ok
}

// Evaluate returns the decision and, when denied, an *Error naming the reason.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (bool, error) {
	svc, err := e.decide(ctx, req)
	ok := err == nil

	reason := "allowed"
	if err != nil {
		var ae *Error
		if errors.As(err, &ae) {
			reason = ae.Kind.String()
		}
		if errors.Is(err, ErrLookupFailed) {
			e.env.Logger.Error("service lookup failed",
				zap.String("service_id", req.ServiceID),
				zap.Error(err),
			)
		}
	}
	e.record(ctx, req, svc, ok, reason)
	return ok, err
}

func (e *Evaluator) decide(ctx context.Context, req Request) (*Service, error) {
	if req.Role == models.RoleSiteAdmin {
		return nil, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	svc, err := e.dir.Lookup(lookupCtx, strings.TrimSpace(req.ServiceID))
	if errors.Is(err, ErrNoService) {
		return nil, &Error{Kind: KindUnknownService, ServiceID: req.ServiceID}
	}
	if err != nil {
		return nil, &Error{Kind: KindLookupFailed, ServiceID: req.ServiceID, Err: err}
	}
	if !svc.Enabled {
		return svc, &Error{Kind: KindServiceDisabled, ServiceID: req.ServiceID}
	}
	if models.ContainsGroup(req.Groups, req.ServiceID) {
		return svc, nil
	}
	return svc, &Error{Kind: KindNotMember, ServiceID: req.ServiceID}
}

func (e *Evaluator) record(ctx context.Context, req Request, svc *Service, ok bool, reason string) {
	result := "deny"
	if ok {
		result = "allow"
	}
	decisionsTotal.WithLabelValues(result).Inc()

	entry := models.AuditEntry{
		Type:          models.AuditAuthorize,
		SessionID:     req.SessionID,
		IdentityID:    req.IdentityID,
		Username:      req.Username,
		Role:          req.Role,
		Authorized:    ok,
		SourceAddr:    req.SourceAddr,
		ApplicationID: req.ServiceID,
		Detail:        reason,
	}
	if svc != nil {
		entry.ApplicationName = svc.Name
	}
	e.audit.Record(ctx, entry)

	if e.env.Bus != nil {
		e.env.Bus.PublishAsync(ctx, plugin.Event{
			Topic:     event.TopicAccessEvaluated,
			Source:    "access",
			Timestamp: e.env.Now(),
			Payload:   Decision{Request: req, Allowed: ok, Reason: reason},
		})
	}
}
