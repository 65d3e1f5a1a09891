package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/HerbHall/warden/internal/store"
	"github.com/HerbHall/warden/pkg/plugin"
)

// ErrNoService is returned by Directory.Lookup for an unknown service ID.
var ErrNoService = errors.New("service not found")

// Service is a protected application. Membership is expressed on the
// identity side: an identity may use the service when its group set holds
// the service ID.
type Service struct {
	ID      string `json:"id" example:"svcA"`
	Name    string `json:"name" example:"Payroll"`
	Enabled bool   `json:"enabled"`
}

// Directory resolves service identifiers.
type Directory interface {
	Lookup(ctx context.Context, serviceID string) (*Service, error)
}

var migrations = []plugin.Migration{
	{
		Version:     1,
		Description: "create access services table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE TABLE access_services (
				id      TEXT PRIMARY KEY,
				name    TEXT NOT NULL DEFAULT '',
				enabled BOOLEAN NOT NULL DEFAULT TRUE
			)`)
			return err
		},
	},
}

// Compile-time interface guard.
var _ Directory = (*SQLDirectory)(nil)

// SQLDirectory keeps services in the shared relational store.
type SQLDirectory struct {
	st      plugin.Store
	dialect plugin.Dialect
}

// NewSQLDirectory runs the access migrations.
func NewSQLDirectory(ctx context.Context, st plugin.Store) (*SQLDirectory, error) {
	if err := st.Migrate(ctx, "access", migrations); err != nil {
		return nil, fmt.Errorf("access migrations: %w", err)
	}
	return &SQLDirectory{st: st, dialect: st.Dialect()}, nil
}

func (d *SQLDirectory) q(query string) string { return store.Rebind(d.dialect, query) }

func (d *SQLDirectory) Lookup(ctx context.Context, serviceID string) (*Service, error) {
	svc := Service{ID: serviceID}
	err := d.st.DB().QueryRowContext(ctx, d.q(
		`SELECT name, enabled FROM access_services WHERE id = ?`), serviceID).Scan(&svc.Name, &svc.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoService
	}
	if err != nil {
		return nil, fmt.Errorf("lookup service %s: %w", serviceID, err)
	}
	return &svc, nil
}

// Register creates or replaces a service. The ID is trimmed so it matches
// trimmed group names.
func (d *SQLDirectory) Register(ctx context.Context, svc Service) error {
	svc.ID = strings.TrimSpace(svc.ID)
	if svc.ID == "" {
		return errors.New("service id is required")
	}
	return d.st.Tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, d.q(
			`UPDATE access_services SET name = ?, enabled = ? WHERE id = ?`), svc.Name, svc.Enabled, svc.ID)
		if err != nil {
			return fmt.Errorf("update service: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := tx.ExecContext(ctx, d.q(
				`INSERT INTO access_services (id, name, enabled) VALUES (?, ?, ?)`),
				svc.ID, svc.Name, svc.Enabled); err != nil {
				return fmt.Errorf("insert service: %w", err)
			}
		}
		return nil
	})
}

// SetEnabled toggles a service.
func (d *SQLDirectory) SetEnabled(ctx context.Context, serviceID string, enabled bool) error {
	res, err := d.st.DB().ExecContext(ctx, d.q(
		`UPDATE access_services SET enabled = ? WHERE id = ?`), enabled, serviceID)
	if err != nil {
		return fmt.Errorf("set service enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoService
	}
	return nil
}

// List returns all services ordered by ID.
func (d *SQLDirectory) List(ctx context.Context) ([]Service, error) {
	rows, err := d.st.DB().QueryContext(ctx, `SELECT id, name, enabled FROM access_services ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()
	var out []Service
	for rows.Next() {
		var s Service
		if err := rows.Scan(&s.ID, &s.Name, &s.Enabled); err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
