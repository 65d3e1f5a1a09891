package credstore

import (
	"database/sql"

	"github.com/HerbHall/warden/pkg/plugin"
)

// Column types stay within the subset SQLite and PostgreSQL both accept.
var migrations = []plugin.Migration{
	{
		Version:     1,
		Description: "create identity tables",
		Up: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE cred_identities (
					id         TEXT PRIMARY KEY,
					username   TEXT NOT NULL UNIQUE,
					role       TEXT NOT NULL DEFAULT 'USER',
					suspended  BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL
				)`,
				`CREATE TABLE cred_identity_groups (
					identity_id TEXT NOT NULL REFERENCES cred_identities(id) ON DELETE CASCADE,
					group_name  TEXT NOT NULL,
					PRIMARY KEY (identity_id, group_name)
				)`,
			}
			return execAll(tx, stmts)
		},
	},
	{
		Version:     2,
		Description: "create salt and credential tables",
		Up: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE cred_salts (
					id            TEXT PRIMARY KEY,
					identity_id   TEXT NOT NULL REFERENCES cred_identities(id) ON DELETE CASCADE,
					purpose       TEXT NOT NULL,
					value         BYTEA NOT NULL,
					created_at    TIMESTAMP NOT NULL,
					superseded_at TIMESTAMP
				)`,
				`CREATE UNIQUE INDEX idx_cred_salts_active
					ON cred_salts(identity_id, purpose) WHERE superseded_at IS NULL`,
				`CREATE TABLE cred_credentials (
					identity_id TEXT PRIMARY KEY REFERENCES cred_identities(id) ON DELETE CASCADE,
					hash        BYTEA NOT NULL,
					kdf         TEXT NOT NULL,
					iterations  INTEGER NOT NULL,
					key_length  INTEGER NOT NULL,
					salt_id     TEXT NOT NULL REFERENCES cred_salts(id),
					updated_at  TIMESTAMP NOT NULL
				)`,
			}
			return execAll(tx, stmts)
		},
	},
	{
		Version:     3,
		Description: "create lockout table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE cred_lockout (
					identity_id  TEXT PRIMARY KEY REFERENCES cred_identities(id) ON DELETE CASCADE,
					failures     INTEGER NOT NULL DEFAULT 0,
					sf_failures  INTEGER NOT NULL DEFAULT 0,
					locked       BOOLEAN NOT NULL DEFAULT FALSE,
					olr_locked   BOOLEAN NOT NULL DEFAULT FALSE,
					version      BIGINT NOT NULL DEFAULT 0
				)`)
			return err
		},
	},
	{
		Version:     4,
		Description: "create second factor and reset tables",
		Up: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE cred_questions (
					identity_id TEXT PRIMARY KEY REFERENCES cred_identities(id) ON DELETE CASCADE,
					question    TEXT NOT NULL,
					answer_hash BYTEA NOT NULL,
					kdf         TEXT NOT NULL,
					iterations  INTEGER NOT NULL,
					key_length  INTEGER NOT NULL
				)`,
				`CREATE TABLE cred_totp (
					identity_id TEXT PRIMARY KEY REFERENCES cred_identities(id) ON DELETE CASCADE,
					sealed      BYTEA NOT NULL,
					updated_at  TIMESTAMP NOT NULL
				)`,
				`CREATE TABLE cred_reset_requests (
					token_hash  TEXT PRIMARY KEY,
					identity_id TEXT NOT NULL REFERENCES cred_identities(id) ON DELETE CASCADE,
					code_hash   TEXT NOT NULL DEFAULT '',
					created_at  TIMESTAMP NOT NULL
				)`,
				`CREATE INDEX idx_cred_reset_identity ON cred_reset_requests(identity_id)`,
			}
			return execAll(tx, stmts)
		},
	},
}

func execAll(tx *sql.Tx, stmts []string) error {
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			return err
		}
	}
	return nil
}
