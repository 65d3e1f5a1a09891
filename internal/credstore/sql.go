package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HerbHall/warden/internal/store"
	"github.com/HerbHall/warden/pkg/models"
	"github.com/HerbHall/warden/pkg/plugin"
)

// BackendRelational is the registry name of SQLStore.
const BackendRelational = "relational"

// Compile-time interface guard.
var _ Store = (*SQLStore)(nil)

// SQLStore implements Store on the shared relational handle.
type SQLStore struct {
	st      plugin.Store
	db      *sql.DB
	dialect plugin.Dialect
	logger  *zap.Logger
	now     func() time.Time
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLStore runs the credstore migrations and returns a ready store.
// The handle stays owned by the caller.
func NewSQLStore(ctx context.Context, st plugin.Store, logger *zap.Logger) (*SQLStore, error) {
	if err := st.Migrate(ctx, "credstore", migrations); err != nil {
		return nil, fmt.Errorf("credstore migrations: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		st:      st,
		db:      st.DB(),
		dialect: st.Dialect(),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *SQLStore) q(query string) string {
	return store.Rebind(s.dialect, query)
}

// fail maps a database error onto a BackendError. Errors that already are
// BackendErrors pass through unchanged.
func (s *SQLStore) fail(op string, err error) error {
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	e := &BackendError{Backend: BackendRelational, Op: op, Err: err}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		e.Kind, e.Code, e.Err = ErrNotFound, "no_rows", nil
	case errors.Is(err, context.DeadlineExceeded):
		e.Kind, e.Code = ErrUnavailable, "deadline_exceeded"
	case errors.Is(err, context.Canceled):
		e.Kind, e.Code = ErrUnavailable, "canceled"
	default:
		e.Kind, e.Code = ErrUnavailable, "db_error"
	}
	return e
}

func (s *SQLStore) notFound(op string) error {
	return &BackendError{Backend: BackendRelational, Op: op, Kind: ErrNotFound, Code: "no_rows"}
}

// Close is a no-op: the handle belongs to the composition root.
func (s *SQLStore) Close() error { return nil }

const identityColumns = `id, username, role, suspended, created_at`

func (s *SQLStore) LookupIdentity(ctx context.Context, username string) (*models.Identity, error) {
	return s.loadIdentity(ctx, s.db, "lookup identity",
		`SELECT `+identityColumns+` FROM cred_identities WHERE username = ?`, username)
}

func (s *SQLStore) GetIdentity(ctx context.Context, id string) (*models.Identity, error) {
	return s.loadIdentity(ctx, s.db, "get identity",
		`SELECT `+identityColumns+` FROM cred_identities WHERE id = ?`, id)
}

func (s *SQLStore) loadIdentity(ctx context.Context, qr querier, op, query string, arg string) (*models.Identity, error) {
	var (
		ident models.Identity
		role  string
	)
	err := qr.QueryRowContext(ctx, s.q(query), arg).Scan(
		&ident.ID, &ident.Username, &role, &ident.Suspended, &ident.CreatedAt)
	if err != nil {
		return nil, s.fail(op, err)
	}
	ident.Role = models.Role(role)

	rows, err := qr.QueryContext(ctx, s.q(
		`SELECT group_name FROM cred_identity_groups WHERE identity_id = ? ORDER BY group_name`), ident.ID)
	if err != nil {
		return nil, s.fail(op, err)
	}
	defer rows.Close()
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, s.fail(op, err)
		}
		ident.Groups = append(ident.Groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(op, err)
	}
	return &ident, nil
}

// CreateIdentity writes the identity, its LOGON salt and credential, a zero
// lockout row and the optional security question in one transaction.
func (s *SQLStore) CreateIdentity(ctx context.Context, e Enrollment) error {
	const op = "create identity"
	if e.Identity == nil || e.Salt == nil || e.Credential == nil {
		return fmt.Errorf("credstore: %s: identity, salt and credential are required", op)
	}
	ident := e.Identity
	if ident.ID == "" {
		ident.ID = uuid.New().String()
	}
	if ident.CreatedAt.IsZero() {
		ident.CreatedAt = s.now()
	}

	err := s.st.Tx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, s.q(
			`SELECT COUNT(*) FROM cred_identities WHERE username = ? OR id = ?`),
			ident.Username, ident.ID).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return &BackendError{Backend: BackendRelational, Op: op, Kind: ErrConflict, Code: "duplicate"}
		}

		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO cred_identities (id, username, role, suspended, created_at)
			VALUES (?, ?, ?, ?, ?)`),
			ident.ID, ident.Username, string(ident.Role), ident.Suspended, ident.CreatedAt.UTC()); err != nil {
			return err
		}
		for _, g := range ident.Groups {
			if _, err := tx.ExecContext(ctx, s.q(
				`INSERT INTO cred_identity_groups (identity_id, group_name) VALUES (?, ?)`),
				ident.ID, g); err != nil {
				return err
			}
		}
		if err := s.rotate(ctx, tx, ident.ID, e.Salt, e.Credential); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO cred_lockout (identity_id, failures, sf_failures, locked, olr_locked, version)
			 VALUES (?, 0, 0, ?, ?, 0)`), ident.ID, false, false); err != nil {
			return err
		}
		if e.Question != nil {
			return s.putQuestion(ctx, tx, ident.ID, e.Question)
		}
		return nil
	})
	if err != nil {
		return s.fail(op, err)
	}
	return nil
}

func (s *SQLStore) putQuestion(ctx context.Context, tx *sql.Tx, id string, q *models.SecurityQuestion) error {
	salt := &models.SaltRecord{
		ID:         uuid.New().String(),
		IdentityID: id,
		Purpose:    models.SaltReset,
		Value:      q.Salt,
		CreatedAt:  s.now(),
	}
	if err := s.insertSalt(ctx, tx, salt); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO cred_questions (identity_id, question, answer_hash, kdf, iterations, key_length)
		VALUES (?, ?, ?, ?, ?, ?)`),
		id, q.Question, q.AnswerHash, q.Params.Name, q.Params.Iterations, q.Params.KeyLength)
	return err
}

func (s *SQLStore) SetSuspended(ctx context.Context, id string, suspended bool) error {
	const op = "set suspended"
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE cred_identities SET suspended = ? WHERE id = ?`), suspended, id)
	if err != nil {
		return s.fail(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.notFound(op)
	}
	return nil
}

func (s *SQLStore) GetCredential(ctx context.Context, id string) (*models.CredentialRecord, *models.SaltRecord, error) {
	var (
		cred    models.CredentialRecord
		salt    models.SaltRecord
		purpose string
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT c.hash, c.kdf, c.iterations, c.key_length, c.salt_id, c.updated_at,
		       sa.purpose, sa.value, sa.created_at
		FROM cred_credentials c
		JOIN cred_salts sa ON sa.id = c.salt_id
		WHERE c.identity_id = ?`), id,
	).Scan(&cred.Hash, &cred.Params.Name, &cred.Params.Iterations, &cred.Params.KeyLength,
		&cred.SaltID, &cred.UpdatedAt, &purpose, &salt.Value, &salt.CreatedAt)
	if err != nil {
		return nil, nil, s.fail("get credential", err)
	}
	cred.IdentityID = id
	salt.ID = cred.SaltID
	salt.IdentityID = id
	salt.Purpose = models.SaltPurpose(purpose)
	return &cred, &salt, nil
}

// RotateCredential supersedes the active LOGON salt and replaces the
// credential in one transaction.
func (s *SQLStore) RotateCredential(ctx context.Context, id string, salt *models.SaltRecord, cred *models.CredentialRecord) error {
	err := s.st.Tx(ctx, func(tx *sql.Tx) error {
		return s.rotate(ctx, tx, id, salt, cred)
	})
	if err != nil {
		return s.fail("rotate credential", err)
	}
	return nil
}

func (s *SQLStore) rotate(ctx context.Context, tx *sql.Tx, id string, salt *models.SaltRecord, cred *models.CredentialRecord) error {
	var exists int
	if err := tx.QueryRowContext(ctx, s.q(
		`SELECT COUNT(*) FROM cred_identities WHERE id = ?`), id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return s.notFound("rotate credential")
	}

	now := s.now()
	if salt.ID == "" {
		salt.ID = uuid.New().String()
	}
	salt.IdentityID = id
	salt.Purpose = models.SaltLogon
	if salt.CreatedAt.IsZero() {
		salt.CreatedAt = now
	}

	if _, err := tx.ExecContext(ctx, s.q(`
		UPDATE cred_salts SET superseded_at = ?
		WHERE identity_id = ? AND purpose = ? AND superseded_at IS NULL`),
		now, id, string(models.SaltLogon)); err != nil {
		return err
	}
	if err := s.insertSalt(ctx, tx, salt); err != nil {
		return err
	}

	cred.IdentityID = id
	cred.SaltID = salt.ID
	cred.UpdatedAt = now
	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE cred_credentials
		SET hash = ?, kdf = ?, iterations = ?, key_length = ?, salt_id = ?, updated_at = ?
		WHERE identity_id = ?`),
		cred.Hash, cred.Params.Name, cred.Params.Iterations, cred.Params.KeyLength,
		cred.SaltID, cred.UpdatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO cred_credentials (identity_id, hash, kdf, iterations, key_length, salt_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		id, cred.Hash, cred.Params.Name, cred.Params.Iterations, cred.Params.KeyLength,
		cred.SaltID, cred.UpdatedAt)
	return err
}

func (s *SQLStore) insertSalt(ctx context.Context, tx *sql.Tx, salt *models.SaltRecord) error {
	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO cred_salts (id, identity_id, purpose, value, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		salt.ID, salt.IdentityID, string(salt.Purpose), salt.Value, salt.CreatedAt.UTC())
	return err
}

func (s *SQLStore) GetLockout(ctx context.Context, id string) (*models.LockoutState, error) {
	l, err := s.readLockout(ctx, s.db, id)
	if err != nil {
		return nil, s.fail("get lockout", err)
	}
	return l, nil
}

func (s *SQLStore) readLockout(ctx context.Context, qr querier, id string) (*models.LockoutState, error) {
	l := models.LockoutState{IdentityID: id}
	err := qr.QueryRowContext(ctx, s.q(`
		SELECT failures, sf_failures, locked, olr_locked, version
		FROM cred_lockout WHERE identity_id = ?`), id,
	).Scan(&l.Failures, &l.SecondFactorFailures, &l.Locked, &l.OnlineResetLocked, &l.Version)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *SQLStore) RecordFailure(ctx context.Context, id string, threshold int) (*models.LockoutState, error) {
	return s.mutateLockout(ctx, "record failure", id, func(l *models.LockoutState) {
		applyFailure(l, threshold)
	})
}

func (s *SQLStore) RecordSecondFactorFailure(ctx context.Context, id string, limit int) (*models.LockoutState, error) {
	return s.mutateLockout(ctx, "record second factor failure", id, func(l *models.LockoutState) {
		applySecondFactorFailure(l, limit)
	})
}

// ClearFailures zeroes the login counter only.
func (s *SQLStore) ClearFailures(ctx context.Context, id string) error {
	_, err := s.mutateLockout(ctx, "clear failures", id, func(l *models.LockoutState) {
		l.Failures = 0
	})
	return err
}

// ClearSecondFactorFailures zeroes the second-factor counter only.
func (s *SQLStore) ClearSecondFactorFailures(ctx context.Context, id string) error {
	_, err := s.mutateLockout(ctx, "clear second factor failures", id, func(l *models.LockoutState) {
		l.SecondFactorFailures = 0
	})
	return err
}

// ResetLockout clears both counters and both lock flags.
func (s *SQLStore) ResetLockout(ctx context.Context, id string) error {
	_, err := s.mutateLockout(ctx, "reset lockout", id, func(l *models.LockoutState) {
		*l = models.LockoutState{IdentityID: l.IdentityID, Version: l.Version}
	})
	return err
}

// mutateLockout reads, modifies and writes the lockout row in one
// transaction, guarded by the version column.
func (s *SQLStore) mutateLockout(ctx context.Context, op, id string, fn func(*models.LockoutState)) (*models.LockoutState, error) {
	var out *models.LockoutState
	err := s.st.Tx(ctx, func(tx *sql.Tx) error {
		l, err := s.readLockout(ctx, tx, id)
		if err != nil {
			return err
		}
		prev := l.Version
		fn(l)
		l.Version = prev + 1
		if err := s.writeLockout(ctx, tx, l, prev); err != nil {
			return err
		}
		out = l
		return nil
	})
	if err != nil {
		return nil, s.fail(op, err)
	}
	return out, nil
}

func (s *SQLStore) writeLockout(ctx context.Context, tx *sql.Tx, l *models.LockoutState, prevVersion int64) error {
	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE cred_lockout
		SET failures = ?, sf_failures = ?, locked = ?, olr_locked = ?, version = ?
		WHERE identity_id = ? AND version = ?`),
		l.Failures, l.SecondFactorFailures, l.Locked, l.OnlineResetLocked, l.Version,
		l.IdentityID, prevVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &BackendError{Backend: BackendRelational, Op: "write lockout", Kind: ErrConflict, Code: "version_mismatch"}
	}
	return nil
}

func (s *SQLStore) GetSecurityQuestion(ctx context.Context, id string) (*models.SecurityQuestion, error) {
	q := models.SecurityQuestion{IdentityID: id}
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT q.question, q.answer_hash, q.kdf, q.iterations, q.key_length, sa.value
		FROM cred_questions q
		JOIN cred_salts sa ON sa.identity_id = q.identity_id
		 AND sa.purpose = ? AND sa.superseded_at IS NULL
		WHERE q.identity_id = ?`), string(models.SaltReset), id,
	).Scan(&q.Question, &q.AnswerHash, &q.Params.Name, &q.Params.Iterations, &q.Params.KeyLength, &q.Salt)
	if err != nil {
		return nil, s.fail("get security question", err)
	}
	return &q, nil
}

func (s *SQLStore) GetTOTPSecret(ctx context.Context, id string) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT sealed FROM cred_totp WHERE identity_id = ?`), id).Scan(&sealed)
	if err != nil {
		return nil, s.fail("get totp secret", err)
	}
	return sealed, nil
}

func (s *SQLStore) SetTOTPSecret(ctx context.Context, id string, sealed []byte) error {
	err := s.st.Tx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE cred_totp SET sealed = ?, updated_at = ? WHERE identity_id = ?`), sealed, now, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, s.q(
			`INSERT INTO cred_totp (identity_id, sealed, updated_at) VALUES (?, ?, ?)`), id, sealed, now)
		return err
	})
	if err != nil {
		return s.fail("set totp secret", err)
	}
	return nil
}

// PutResetRequest stores r and drops any earlier request for the same
// identity, so only the newest token is redeemable.
func (s *SQLStore) PutResetRequest(ctx context.Context, r *models.ResetRequest) error {
	err := s.st.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(
			`DELETE FROM cred_reset_requests WHERE identity_id = ?`), r.IdentityID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO cred_reset_requests (token_hash, identity_id, code_hash, created_at)
			VALUES (?, ?, ?, ?)`),
			r.TokenHash, r.IdentityID, r.CodeHash, r.CreatedAt.UTC())
		return err
	})
	if err != nil {
		return s.fail("put reset request", err)
	}
	return nil
}

func (s *SQLStore) GetResetRequest(ctx context.Context, tokenHash string) (*models.ResetRequest, error) {
	r := models.ResetRequest{TokenHash: tokenHash}
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT identity_id, code_hash, created_at
		FROM cred_reset_requests WHERE token_hash = ?`), tokenHash,
	).Scan(&r.IdentityID, &r.CodeHash, &r.CreatedAt)
	if err != nil {
		return nil, s.fail("get reset request", err)
	}
	return &r, nil
}

func (s *SQLStore) ConsumeResetRequest(ctx context.Context, tokenHash string) error {
	const op = "consume reset request"
	res, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM cred_reset_requests WHERE token_hash = ?`), tokenHash)
	if err != nil {
		return s.fail(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.notFound(op)
	}
	return nil
}

// CompleteReset consumes the request, rotates the credential and clears
// the lockout row in one transaction. A request that was already consumed
// yields ErrNotFound and nothing is written.
func (s *SQLStore) CompleteReset(ctx context.Context, tokenHash string, salt *models.SaltRecord, cred *models.CredentialRecord) error {
	const op = "complete reset"
	err := s.st.Tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(
			`DELETE FROM cred_reset_requests WHERE token_hash = ? AND identity_id = ?`),
			tokenHash, cred.IdentityID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return s.notFound(op)
		}
		if err := s.rotate(ctx, tx, cred.IdentityID, salt, cred); err != nil {
			return err
		}
		l, err := s.readLockout(ctx, tx, cred.IdentityID)
		if err != nil {
			return err
		}
		prev := l.Version
		cleared := &models.LockoutState{IdentityID: cred.IdentityID, Version: prev + 1}
		return s.writeLockout(ctx, tx, cleared, prev)
	})
	if err != nil {
		return s.fail(op, err)
	}
	return nil
}
