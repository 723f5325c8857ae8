package interfaces

import (
	"context"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/models"
)

// MergeFunc computes the record to store given the current one (nil when no
// record exists yet). Returning nil leaves the stored record untouched.
type MergeFunc func(existing *models.TransactionRecord) (*models.TransactionRecord, error)

// TransactionRepository defines the contract for transaction record access
type TransactionRepository interface {
	// Upsert runs merge inside a transaction holding the row for intentID and
	// reports whether anything was written.
	Upsert(ctx context.Context, intentID string, merge MergeFunc) (*models.TransactionRecord, bool, error)
	GetByIntentID(ctx context.Context, intentID string) (*models.TransactionRecord, error)
}
