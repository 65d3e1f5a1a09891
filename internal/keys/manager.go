// Package keys manages identity key pairs and the certificate request
// keystore.
package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/HerbHall/warden/internal/audit"
	"github.com/HerbHall/warden/internal/core"
	"github.com/HerbHall/warden/internal/event"
	"github.com/HerbHall/warden/internal/policy"
	"github.com/HerbHall/warden/internal/store"
	"github.com/HerbHall/warden/pkg/models"
	"github.com/HerbHall/warden/pkg/plugin"
)

var operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_keys_operations_total",
	Help: "Key and certificate lifecycle operations by operation and result.",
}, []string{"op", "result"})

func init() {
	prometheus.MustRegister(operationsTotal)
}

// MinRSABits is the floor for any RSA key the manager generates.
const MinRSABits = 2048

// Config controls key generation.
type Config struct {
	Algorithm  models.KeyAlgorithm
	KeySize    int
	MinKeySize int
	Timeout    time.Duration
}

// DefaultConfig returns RSA-2048 with a five second backend timeout.
func DefaultConfig() Config {
	return Config{
		Algorithm:  models.KeyAlgorithmRSA,
		KeySize:    2048,
		MinKeySize: MinRSABits,
		Timeout:    5 * time.Second,
	}
}

// Manager owns the key pair and keystore tables.
type Manager struct {
	st      plugin.Store
	db      *sql.DB
	dialect plugin.Dialect
	engine  *policy.Engine
	audit   audit.Sink
	env     core.Env
	cfg     Config
	locks   *core.KeyedMutex
	signer  Signer
}

// NewManager runs the keys migrations and returns a Manager. A nil sink
// disables auditing.
func NewManager(ctx context.Context, st plugin.Store, engine *policy.Engine, sink audit.Sink, env core.Env, cfg Config) (*Manager, error) {
	if engine == nil {
		return nil, errors.New("keys: policy engine is required")
	}
	if cfg.MinKeySize < MinRSABits {
		cfg.MinKeySize = MinRSABits
	}
	switch cfg.Algorithm {
	case "":
		cfg.Algorithm = models.KeyAlgorithmRSA
	case models.KeyAlgorithmRSA, models.KeyAlgorithmECDSA:
	default:
		return nil, fmt.Errorf("keys: unsupported algorithm %q", cfg.Algorithm)
	}
	if cfg.Algorithm == models.KeyAlgorithmRSA && cfg.KeySize < cfg.MinKeySize {
		return nil, fmt.Errorf("keys: key size %d below minimum %d", cfg.KeySize, cfg.MinKeySize)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if err := st.Migrate(ctx, "keys", migrations); err != nil {
		return nil, fmt.Errorf("keys migrations: %w", err)
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	return &Manager{
		st:      st,
		db:      st.DB(),
		dialect: st.Dialect(),
		engine:  engine,
		audit:   sink,
		env:     env.Named("keys"),
		cfg:     cfg,
		locks:   core.NewKeyedMutex(),
	}, nil
}

func (m *Manager) q(query string) string {
	return store.Rebind(m.dialect, query)
}

func (m *Manager) backend(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.Timeout)
}

// fail maps a storage error onto a keys Error. Errors that already are keys
// Errors pass through.
func (m *Manager) fail(op, ref string, err error) error {
	var ke *Error
	if errors.As(err, &ke) {
		return err
	}
	kind := KindBackend
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	m.env.Logger.Error("backend call failed",
		zap.String("op", op),
		zap.String("ref", ref),
		zap.Error(err),
	)
	return newError(kind, op, ref, err)
}

func (m *Manager) count(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	operationsTotal.WithLabelValues(op, result).Inc()
}

func (m *Manager) record(ctx context.Context, entry models.AuditEntry) {
	entry.Timestamp = m.env.Now()
	m.audit.Record(ctx, entry)
}

func (m *Manager) publish(ctx context.Context, topic string, payload any) {
	if m.env.Bus == nil {
		return
	}
	m.env.Bus.PublishAsync(ctx, plugin.Event{
		Topic:     topic,
		Source:    "keys",
		Timestamp: m.env.Now(),
		Payload:   payload,
	})
}

// KeysChanged is the payload of event.TopicKeysChanged.
type KeysChanged struct {
	IdentityID string
	KeyID      string
	Change     string
}

// CreateKeys generates the identity's key pair. An identity holds at most
// one active pair.
func (m *Manager) CreateKeys(ctx context.Context, identityID string) (km *models.KeyMaterial, err error) {
	const op = "create keys"
	defer func() { m.count("create", err) }()
	defer func() { m.auditKeys(ctx, models.AuditChangeKeys, identityID, km, err, "create") }()

	if identityID == "" {
		return nil, newError(KindInvalidInput, op, "", errors.New("identity id is required"))
	}
	unlock := m.locks.Lock(identityID)
	defer unlock()

	bctx, cancel := m.backend(ctx)
	defer cancel()

	if _, err := m.active(bctx, m.db, identityID); err == nil {
		return nil, newError(KindAlreadyExists, op, identityID, nil)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, m.fail(op, identityID, err)
	}

	km, err = m.generate(identityID)
	if err != nil {
		return nil, err
	}
	if err := m.insertPair(bctx, m.db, km); err != nil {
		// Lost a race with another process holding the partial index.
		if _, aerr := m.active(bctx, m.db, identityID); aerr == nil {
			return nil, newError(KindAlreadyExists, op, identityID, nil)
		}
		return nil, m.fail(op, identityID, err)
	}
	m.publish(ctx, event.TopicKeysChanged, KeysChanged{IdentityID: identityID, KeyID: km.ID, Change: "created"})
	return km, nil
}

// RotateKeys revokes the active pair and writes its replacement in one
// transaction. With no active pair it behaves like CreateKeys.
func (m *Manager) RotateKeys(ctx context.Context, identityID string) (km *models.KeyMaterial, err error) {
	const op = "rotate keys"
	defer func() { m.count("rotate", err) }()
	defer func() { m.auditKeys(ctx, models.AuditChangeKeys, identityID, km, err, "rotate") }()

	if identityID == "" {
		return nil, newError(KindInvalidInput, op, "", errors.New("identity id is required"))
	}
	unlock := m.locks.Lock(identityID)
	defer unlock()

	km, err = m.generate(identityID)
	if err != nil {
		return nil, err
	}

	bctx, cancel := m.backend(ctx)
	defer cancel()
	err = m.st.Tx(bctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(bctx, m.q(`
			UPDATE keys_pairs SET revoked_at = ?, sealed_private = NULL
			WHERE identity_id = ? AND revoked_at IS NULL`),
			m.env.Now().UTC(), identityID); err != nil {
			return err
		}
		return m.insertPair(bctx, tx, km)
	})
	if err != nil {
		return nil, m.fail(op, identityID, err)
	}
	m.publish(ctx, event.TopicKeysChanged, KeysChanged{IdentityID: identityID, KeyID: km.ID, Change: "rotated"})
	return km, nil
}

// ReturnKeys returns the identity's active pair.
func (m *Manager) ReturnKeys(ctx context.Context, identityID string) (km *models.KeyMaterial, err error) {
	const op = "return keys"
	defer func() { m.count("return", err) }()
	defer func() { m.auditKeys(ctx, models.AuditGetKeys, identityID, km, err, "") }()

	bctx, cancel := m.backend(ctx)
	defer cancel()
	km, err = m.active(bctx, m.db, identityID)
	if errors.Is(err, ErrNotFound) {
		return nil, newError(KindNotFound, op, identityID, nil)
	}
	if err != nil {
		return nil, m.fail(op, identityID, err)
	}
	return km, nil
}

// PrivateKey opens the sealed private half of the active pair.
func (m *Manager) PrivateKey(ctx context.Context, identityID string) (crypto.Signer, error) {
	const op = "private key"
	bctx, cancel := m.backend(ctx)
	defer cancel()
	km, err := m.active(bctx, m.db, identityID)
	if errors.Is(err, ErrNotFound) {
		return nil, newError(KindNotFound, op, identityID, nil)
	}
	if err != nil {
		return nil, m.fail(op, identityID, err)
	}
	der, err := m.engine.Open(km.SealedPrivateKey)
	if err != nil {
		return nil, newError(KindDecryptionFailure, op, identityID, err)
	}
	defer policy.Zero(der)
	key, err := parsePrivateKey(der)
	if err != nil {
		return nil, newError(KindDecryptionFailure, op, identityID, err)
	}
	return key, nil
}

// RemoveKeys tombstones the active pair and wipes its sealed private key.
func (m *Manager) RemoveKeys(ctx context.Context, identityID string) (ok bool, err error) {
	const op = "remove keys"
	defer func() { m.count("remove", err) }()
	defer func() { m.auditKeys(ctx, models.AuditRemoveKeys, identityID, nil, err, "") }()

	unlock := m.locks.Lock(identityID)
	defer unlock()

	bctx, cancel := m.backend(ctx)
	defer cancel()
	res, err := m.db.ExecContext(bctx, m.q(`
		UPDATE keys_pairs SET revoked_at = ?, sealed_private = NULL
		WHERE identity_id = ? AND revoked_at IS NULL`),
		m.env.Now().UTC(), identityID)
	if err != nil {
		return false, m.fail(op, identityID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, m.fail(op, identityID, err)
	}
	if n == 0 {
		return false, newError(KindNotFound, op, identityID, nil)
	}
	m.publish(ctx, event.TopicKeysChanged, KeysChanged{IdentityID: identityID, Change: "removed"})
	return true, nil
}

// History lists every pair the identity has held, newest first.
func (m *Manager) History(ctx context.Context, identityID string) ([]models.KeyMaterial, error) {
	const op = "key history"
	bctx, cancel := m.backend(ctx)
	defer cancel()
	rows, err := m.db.QueryContext(bctx, m.q(`SELECT `+pairColumns+`
		FROM keys_pairs WHERE identity_id = ? ORDER BY created_at DESC, id`), identityID)
	if err != nil {
		return nil, m.fail(op, identityID, err)
	}
	defer rows.Close()
	var out []models.KeyMaterial
	for rows.Next() {
		km, err := scanPair(rows)
		if err != nil {
			return nil, m.fail(op, identityID, err)
		}
		km.SealedPrivateKey = nil
		out = append(out, *km)
	}
	if err := rows.Err(); err != nil {
		return nil, m.fail(op, identityID, err)
	}
	return out, nil
}

func (m *Manager) auditKeys(ctx context.Context, typ models.AuditType, identityID string, km *models.KeyMaterial, err error, detail string) {
	entry := models.AuditEntry{
		Type:       typ,
		IdentityID: identityID,
		Authorized: err == nil,
		Detail:     detail,
	}
	if km != nil {
		entry.ApplicationID = km.ID
		entry.ApplicationName = string(km.Algorithm)
	}
	if err != nil {
		var ke *Error
		if errors.As(err, &ke) {
			entry.Detail = ke.Kind.String()
		}
	}
	m.record(ctx, entry)
}

func (m *Manager) generate(identityID string) (*models.KeyMaterial, error) {
	const op = "generate keys"
	var (
		key  crypto.Signer
		bits int
		err  error
	)
	switch m.cfg.Algorithm {
	case models.KeyAlgorithmECDSA:
		key, err = ecdsa.GenerateKey(elliptic.P256(), m.env.Random())
		bits = 256
	default:
		bits = m.cfg.KeySize
		key, err = rsa.GenerateKey(m.env.Random(), bits)
	}
	if err != nil {
		return nil, newError(KindBackend, op, identityID, err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, newError(KindBackend, op, identityID, err)
	}
	defer policy.Zero(der)
	sealed, err := m.engine.Seal(der)
	if err != nil {
		return nil, newError(KindBackend, op, identityID, err)
	}
	pub, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return nil, newError(KindBackend, op, identityID, err)
	}
	return &models.KeyMaterial{
		ID:               uuid.New().String(),
		IdentityID:       identityID,
		Algorithm:        m.cfg.Algorithm,
		Bits:             bits,
		PublicKeyPEM:     pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub}),
		SealedPrivateKey: sealed,
		CreatedAt:        m.env.Now().UTC(),
	}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (m *Manager) insertPair(ctx context.Context, ex execer, km *models.KeyMaterial) error {
	_, err := ex.ExecContext(ctx, m.q(`
		INSERT INTO keys_pairs (id, identity_id, algorithm, bits, public_pem, sealed_private, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		km.ID, km.IdentityID, string(km.Algorithm), km.Bits, string(km.PublicKeyPEM), km.SealedPrivateKey, km.CreatedAt)
	return err
}

const pairColumns = `id, identity_id, algorithm, bits, public_pem, sealed_private, created_at, revoked_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPair(row scanner) (*models.KeyMaterial, error) {
	var (
		km      models.KeyMaterial
		alg     string
		pub     string
		revoked sql.NullTime
	)
	if err := row.Scan(&km.ID, &km.IdentityID, &alg, &km.Bits, &pub, &km.SealedPrivateKey, &km.CreatedAt, &revoked); err != nil {
		return nil, err
	}
	km.Algorithm = models.KeyAlgorithm(alg)
	km.PublicKeyPEM = []byte(pub)
	if revoked.Valid {
		t := revoked.Time
		km.RevokedAt = &t
	}
	return &km, nil
}

func (m *Manager) active(ctx context.Context, qr queryRower, identityID string) (*models.KeyMaterial, error) {
	km, err := scanPair(qr.QueryRowContext(ctx, m.q(`SELECT `+pairColumns+`
		FROM keys_pairs WHERE identity_id = ? AND revoked_at IS NULL`), identityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return km, err
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	s, ok := k.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", k)
	}
	return s, nil
}
