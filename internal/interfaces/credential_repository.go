package interfaces

import (
	"context"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/models"
)

// CredentialRepository defines the contract for processor credential storage
type CredentialRepository interface {
	ActiveCredential(ctx context.Context, processor string, mode models.Mode) (*models.ProcessorCredential, error)
	// ReplaceActive deactivates the current set for cred's processor and mode
	// and activates cred in one transaction.
	ReplaceActive(ctx context.Context, cred *models.ProcessorCredential) error
	ActiveProcessors(ctx context.Context, mode models.Mode) ([]string, error)
}
