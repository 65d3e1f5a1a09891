package keys

import (
	"database/sql"

	"github.com/HerbHall/warden/pkg/plugin"
)

var migrations = []plugin.Migration{
	{
		Version:     1,
		Description: "create key pair and keystore tables",
		Up: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE keys_pairs (
					id             TEXT PRIMARY KEY,
					identity_id    TEXT NOT NULL,
					algorithm      TEXT NOT NULL,
					bits           INTEGER NOT NULL,
					public_pem     TEXT NOT NULL,
					sealed_private BYTEA,
					created_at     TIMESTAMP NOT NULL,
					revoked_at     TIMESTAMP
				)`,
				`CREATE UNIQUE INDEX idx_keys_pairs_active ON keys_pairs(identity_id) WHERE revoked_at IS NULL`,
				`CREATE INDEX idx_keys_pairs_identity ON keys_pairs(identity_id)`,
				`CREATE TABLE keys_keystore (
					keystore_ref   TEXT NOT NULL,
					common_name    TEXT NOT NULL,
					status         TEXT NOT NULL,
					csr_pem        TEXT NOT NULL,
					sealed_private BYTEA NOT NULL,
					key_size       INTEGER NOT NULL,
					validity_days  INTEGER NOT NULL,
					created_at     TIMESTAMP NOT NULL,
					cert_pem       TEXT,
					serial         TEXT,
					not_after      TIMESTAMP,
					applied_at     TIMESTAMP,
					PRIMARY KEY (keystore_ref, common_name)
				)`,
			}
			for _, s := range stmts {
				if _, err := tx.Exec(s); err != nil {
					return err
				}
			}
			return nil
		},
	},
}
