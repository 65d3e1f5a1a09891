package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HerbHall/warden/internal/store"
	"github.com/HerbHall/warden/pkg/models"
	"github.com/HerbHall/warden/pkg/plugin"
)

var migrations = []plugin.Migration{
	{
		Version:     1,
		Description: "create audit_entries table",
		Up: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE audit_entries (
					seq              BIGINT PRIMARY KEY,
					id               TEXT NOT NULL UNIQUE,
					type             TEXT NOT NULL,
					ts_micros        BIGINT NOT NULL,
					session_id       TEXT NOT NULL DEFAULT '',
					identity_id      TEXT NOT NULL DEFAULT '',
					username         TEXT NOT NULL DEFAULT '',
					role             TEXT NOT NULL DEFAULT '',
					authorized       BOOLEAN NOT NULL,
					source_host      TEXT NOT NULL DEFAULT '',
					source_addr      TEXT NOT NULL DEFAULT '',
					application_id   TEXT NOT NULL DEFAULT '',
					application_name TEXT NOT NULL DEFAULT '',
					detail           TEXT NOT NULL DEFAULT '',
					prev_hash        TEXT NOT NULL DEFAULT '',
					hash             TEXT NOT NULL
				)`,
				`CREATE INDEX idx_audit_identity_ts ON audit_entries(identity_id, ts_micros)`,
				`CREATE INDEX idx_audit_ts ON audit_entries(ts_micros, id)`,
			}
			for _, s := range stmts {
				if _, err := tx.Exec(s); err != nil {
					return err
				}
			}
			return nil
		},
	},
	{
		Version:     2,
		Description: "add request_id to audit_entries",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`ALTER TABLE audit_entries ADD COLUMN request_id TEXT NOT NULL DEFAULT ''`)
			return err
		},
	},
}

// Filter selects entries for Query and Export. Zero values mean unbounded.
type Filter struct {
	IdentityID string
	Type       models.AuditType
	Start      time.Time
	End        time.Time
	Limit      int
}

// entryStore is the append-only table behind the Recorder.
type entryStore struct {
	st      plugin.Store
	dialect plugin.Dialect
}

func newEntryStore(ctx context.Context, st plugin.Store) (*entryStore, error) {
	if err := st.Migrate(ctx, "audit", migrations); err != nil {
		return nil, fmt.Errorf("audit migrations: %w", err)
	}
	return &entryStore{st: st, dialect: st.Dialect()}, nil
}

func (s *entryStore) q(query string) string { return store.Rebind(s.dialect, query) }

const entryColumns = `seq, id, type, ts_micros, session_id, identity_id, username, role, authorized,
	source_host, source_addr, application_id, application_name, detail, request_id, prev_hash, hash`

// append links e to the current chain head and inserts it. Callers
// serialize appends within the process; the seq primary key rejects a
// concurrent writer from another process.
func (s *entryStore) append(ctx context.Context, e *models.AuditEntry) error {
	return s.st.Tx(ctx, func(tx *sql.Tx) error {
		var (
			lastSeq  int64
			lastHash string
		)
		err := tx.QueryRowContext(ctx,
			`SELECT seq, hash FROM audit_entries ORDER BY seq DESC LIMIT 1`).Scan(&lastSeq, &lastHash)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read chain head: %w", err)
		}

		e.Seq = lastSeq + 1
		e.PrevHash = lastHash
		e.Hash, err = chainHash(e.PrevHash, e)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO audit_entries (`+entryColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			e.Seq, e.ID, string(e.Type), e.Timestamp.UnixMicro(), e.SessionID, e.IdentityID,
			e.Username, string(e.Role), e.Authorized, e.SourceHost, e.SourceAddr,
			e.ApplicationID, e.ApplicationName, e.Detail, e.RequestID, e.PrevHash, e.Hash)
		if err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
		return nil
	})
}

// list returns entries matching f ordered by timestamp, then id.
func (s *entryStore) list(ctx context.Context, f Filter) ([]models.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.IdentityID != "" {
		where = append(where, "identity_id = ?")
		args = append(args, f.IdentityID)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if !f.Start.IsZero() {
		where = append(where, "ts_micros >= ?")
		args = append(args, f.Start.UnixMicro())
	}
	if !f.End.IsZero() {
		where = append(where, "ts_micros < ?")
		args = append(args, f.End.UnixMicro())
	}

	query := `SELECT ` + entryColumns + ` FROM audit_entries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY ts_micros ASC, id ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.st.DB().QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// walk calls fn for every entry in chain order.
func (s *entryStore) walk(ctx context.Context, fn func(models.AuditEntry) error) error {
	rows, err := s.st.DB().QueryContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("query chain: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanEntry(rows *sql.Rows) (models.AuditEntry, error) {
	var (
		e      models.AuditEntry
		typ    string
		role   string
		micros int64
	)
	err := rows.Scan(&e.Seq, &e.ID, &typ, &micros, &e.SessionID, &e.IdentityID, &e.Username,
		&role, &e.Authorized, &e.SourceHost, &e.SourceAddr, &e.ApplicationID,
		&e.ApplicationName, &e.Detail, &e.RequestID, &e.PrevHash, &e.Hash)
	if err != nil {
		return e, fmt.Errorf("scan entry: %w", err)
	}
	e.Type = models.AuditType(typ)
	e.Role = models.Role(role)
	e.Timestamp = time.UnixMicro(micros).UTC()
	return e, nil
}
