package repository

import (
	"context"
	"database/sql"
	"hash/fnv"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/models"
)

type CredentialRepository struct {
	db      *sql.DB
	dialect Dialect
}

func NewCredentialRepository(db *sql.DB, dialect Dialect) *CredentialRepository {
	return &CredentialRepository{db: db, dialect: dialect}
}

func (r *CredentialRepository) InitDB() error {
	return execAll(r.db, []string{
		`CREATE TABLE IF NOT EXISTS processor_credentials (
			credential_id VARCHAR(64) NOT NULL,
			processor VARCHAR(64) NOT NULL,
			mode VARCHAR(8) NOT NULL,
			field_name VARCHAR(128) NOT NULL,
			field_value TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (credential_id, field_name)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_processor_credentials_active
			ON processor_credentials(processor, mode, field_name) WHERE active`,
	})
}

// ActiveCredential returns sql.ErrNoRows when nothing is active.
func (r *CredentialRepository) ActiveCredential(ctx context.Context, processor string, mode models.Mode) (*models.ProcessorCredential, error) {
	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(`
		SELECT credential_id, field_name, field_value, created_at
		FROM processor_credentials
		WHERE processor = ? AND mode = ? AND active
		ORDER BY field_name`), processor, string(mode))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cred := &models.ProcessorCredential{Processor: processor, Mode: mode, Active: true}
	for rows.Next() {
		var f models.CredentialField
		if err := rows.Scan(&cred.ID, &f.Name, &f.Value, &cred.CreatedAt); err != nil {
			return nil, err
		}
		cred.Fields = append(cred.Fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cred.Fields) == 0 {
		return nil, sql.ErrNoRows
	}
	return cred, nil
}

func (r *CredentialRepository) ReplaceActive(ctx context.Context, cred *models.ProcessorCredential) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if r.dialect == Postgres {
		// Serializes saves for the same pair across service instances.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, lockID(cred.Processor, cred.Mode)); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, r.dialect.rebind(`
		UPDATE processor_credentials SET active = ?
		WHERE processor = ? AND mode = ? AND active`),
		false, cred.Processor, string(cred.Mode)); err != nil {
		return err
	}

	for _, f := range cred.Fields {
		if _, err := tx.ExecContext(ctx, r.dialect.rebind(`
			INSERT INTO processor_credentials (credential_id, processor, mode, field_name, field_value, active, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			cred.ID, cred.Processor, string(cred.Mode), f.Name, f.Value, true, cred.CreatedAt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *CredentialRepository) ActiveProcessors(ctx context.Context, mode models.Mode) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(`
		SELECT DISTINCT processor FROM processor_credentials
		WHERE mode = ? AND active
		ORDER BY processor`), string(mode))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func lockID(processor string, mode models.Mode) int64 {
	h := fnv.New64a()
	h.Write([]byte(processor + "/" + string(mode)))
	return int64(h.Sum64())
}
