// Package audit records security decisions in an append-only, hash-chained
// trail. Recording never fails the operation being audited: write errors are
// logged and counted.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/HerbHall/warden/internal/core"
	"github.com/HerbHall/warden/internal/event"
	"github.com/HerbHall/warden/pkg/models"
	"github.com/HerbHall/warden/pkg/plugin"
)

var (
	entriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_audit_entries_total",
			Help: "Audit entries appended, by audit type.",
		},
		[]string{"type"},
	)
	writeFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_audit_write_failures_total",
			Help: "Audit entries that could not be written.",
		},
	)
)

func init() {
	prometheus.MustRegister(entriesTotal)
	prometheus.MustRegister(writeFailuresTotal)
}

// writeTimeout bounds a single append. The append is detached from the
// caller's cancellation so a finished request still leaves its trail.
const writeTimeout = 5 * time.Second

// Sink is what audited components depend on.
type Sink interface {
	Record(ctx context.Context, e models.AuditEntry)
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(context.Context, models.AuditEntry) {}

// Compile-time interface guard.
var _ Sink = (*Recorder)(nil)

// Recorder appends entries synchronously in the caller's goroutine, which
// preserves causal order within a session.
type Recorder struct {
	store   *entryStore
	enabled bool
	logger  *zap.Logger
	bus     plugin.EventBus
	now     core.Clock

	mu sync.Mutex
}

// NewRecorder migrates the audit table and returns a Recorder. When enabled
// is false, Record is a no-op but Query and VerifyChain still work.
func NewRecorder(ctx context.Context, st plugin.Store, enabled bool, env core.Env) (*Recorder, error) {
	es, err := newEntryStore(ctx, st)
	if err != nil {
		return nil, err
	}
	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:   es,
		enabled: enabled,
		logger:  logger,
		bus:     env.Bus,
		now:     env.Now,
	}, nil
}

// Enabled reports whether Record writes anything.
func (r *Recorder) Enabled() bool { return r.enabled }

// Record appends e. Missing ID and timestamp are filled in, and so are the
// request ID and client address carried on ctx.
func (r *Recorder) Record(ctx context.Context, e models.AuditEntry) {
	if !r.enabled {
		return
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now()
	}
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	req := core.RequestFrom(ctx)
	if e.RequestID == "" {
		e.RequestID = req.ID
	}
	if e.SourceAddr == "" {
		e.SourceAddr = req.ClientAddr
	}

	if !e.Type.Valid() {
		r.fail(&e, &Error{Kind: KindInvalidEntry, Op: "record"})
		return
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	r.mu.Lock()
	err := r.store.append(wctx, &e)
	r.mu.Unlock()
	if err != nil {
		r.fail(&e, &Error{Kind: KindWriteFailed, Op: "record", Err: err})
		return
	}

	entriesTotal.WithLabelValues(string(e.Type)).Inc()
	if r.bus != nil {
		r.bus.PublishAsync(ctx, plugin.Event{
			Topic:     event.TopicAuditRecorded,
			Source:    "audit",
			Timestamp: e.Timestamp,
			Payload:   e,
		})
	}
}

func (r *Recorder) fail(e *models.AuditEntry, err error) {
	writeFailuresTotal.Inc()
	r.logger.Error("audit write failed",
		zap.String("component", "audit"),
		zap.Object("entry", e),
		zap.Error(err),
	)
}

// Query returns entries for identityID (all identities when empty) at or
// after start, ascending by timestamp then id. limit <= 0 means no limit.
func (r *Recorder) Query(ctx context.Context, identityID string, start time.Time, limit int) ([]models.AuditEntry, error) {
	return r.store.list(ctx, Filter{IdentityID: identityID, Start: start, Limit: limit})
}

// List returns entries matching f.
func (r *Recorder) List(ctx context.Context, f Filter) ([]models.AuditEntry, error) {
	return r.store.list(ctx, f)
}

// VerifyChain recomputes every link and returns the number of entries
// checked. The first broken link is reported as ErrChainBroken with its seq.
func (r *Recorder) VerifyChain(ctx context.Context) (int64, error) {
	var (
		n    int64
		prev string
	)
	err := r.store.walk(ctx, func(e models.AuditEntry) error {
		if e.PrevHash != prev {
			return &Error{Kind: KindChainBroken, Op: "verify", Seq: e.Seq}
		}
		want, err := chainHash(prev, &e)
		if err != nil {
			return &Error{Kind: KindChainBroken, Op: "verify", Seq: e.Seq, Err: err}
		}
		if want != e.Hash {
			return &Error{Kind: KindChainBroken, Op: "verify", Seq: e.Seq}
		}
		prev = e.Hash
		n++
		return nil
	})
	return n, err
}
