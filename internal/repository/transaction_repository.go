package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/models"
)

var errInsertRace = errors.New("transaction inserted concurrently")

type TransactionRepository struct {
	db      *sql.DB
	dialect Dialect
}

func NewTransactionRepository(db *sql.DB, dialect Dialect) *TransactionRepository {
	return &TransactionRepository{db: db, dialect: dialect}
}

func (r *TransactionRepository) InitDB() error {
	return execAll(r.db, []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			intent_id VARCHAR(255) PRIMARY KEY,
			status VARCHAR(32) NOT NULL,
			amount BIGINT NOT NULL,
			currency VARCHAR(8) NOT NULL,
			correlation_id VARCHAR(255) NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_correlation_id ON transactions(correlation_id)`,
	})
}

func (r *TransactionRepository) Upsert(ctx context.Context, intentID string, merge interfaces.MergeFunc) (*models.TransactionRecord, bool, error) {
	// A lost insert race turns into an update on the second pass.
	for attempt := 0; ; attempt++ {
		rec, changed, err := r.upsertOnce(ctx, intentID, merge)
		if errors.Is(err, errInsertRace) && attempt == 0 {
			continue
		}
		return rec, changed, err
	}
}

func (r *TransactionRepository) upsertOnce(ctx context.Context, intentID string, merge interfaces.MergeFunc) (*models.TransactionRecord, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	existing, err := r.scanOne(tx.QueryRowContext(ctx, r.dialect.rebind(`
		SELECT intent_id, status, amount, currency, correlation_id, metadata, created_at, updated_at
		FROM transactions WHERE intent_id = ?`)+r.dialect.forUpdate(), intentID))
	if errors.Is(err, sql.ErrNoRows) {
		existing = nil
	} else if err != nil {
		return nil, false, err
	}

	next, err := merge(existing)
	if err != nil {
		return nil, false, err
	}
	if next == nil {
		return existing, false, tx.Commit()
	}

	metadata, err := encodeMetadata(next.Metadata)
	if err != nil {
		return nil, false, err
	}

	if existing == nil {
		result, err := tx.ExecContext(ctx, r.dialect.rebind(`
			INSERT INTO transactions (intent_id, status, amount, currency, correlation_id, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (intent_id) DO NOTHING`),
			intentID, next.Status, next.Amount, next.Currency, next.CorrelationID, metadata, next.CreatedAt, next.UpdatedAt)
		if err != nil {
			return nil, false, err
		}
		if n, err := result.RowsAffected(); err != nil {
			return nil, false, err
		} else if n == 0 {
			return nil, false, errInsertRace
		}
	} else {
		_, err := tx.ExecContext(ctx, r.dialect.rebind(`
			UPDATE transactions
			SET status = ?, amount = ?, currency = ?, correlation_id = ?, metadata = ?, updated_at = ?
			WHERE intent_id = ?`),
			next.Status, next.Amount, next.Currency, next.CorrelationID, metadata, next.UpdatedAt, intentID)
		if err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	next.IntentID = intentID
	return next, true, nil
}

func (r *TransactionRepository) GetByIntentID(ctx context.Context, intentID string) (*models.TransactionRecord, error) {
	rec, err := r.scanOne(r.db.QueryRowContext(ctx, r.dialect.rebind(`
		SELECT intent_id, status, amount, currency, correlation_id, metadata, created_at, updated_at
		FROM transactions WHERE intent_id = ?`), intentID))
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", intentID, err)
	}
	return rec, nil
}

func (r *TransactionRepository) scanOne(row *sql.Row) (*models.TransactionRecord, error) {
	var (
		rec      models.TransactionRecord
		metadata string
	)
	err := row.Scan(&rec.IntentID, &rec.Status, &rec.Amount, &rec.Currency, &rec.CorrelationID,
		&metadata, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if rec.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	return &rec, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	return sonic.MarshalString(m)
}

func decodeMetadata(s string) (map[string]string, error) {
	m := map[string]string{}
	if s == "" {
		return m, nil
	}
	if err := sonic.UnmarshalString(s, &m); err != nil {
		return nil, fmt.Errorf("corrupt transaction metadata: %w", err)
	}
	return m, nil
}
