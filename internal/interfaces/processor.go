package interfaces

import (
	"context"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/models"
)

// Processor is the remote card-processing capability.
type Processor interface {
	Name() string
	CreateConnectionToken(ctx context.Context) (string, error)
	CreatePaymentIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (*models.PaymentIntent, error)
	RetrieveIntent(ctx context.Context, intentID string) (*models.PaymentIntent, error)
	ConfirmIntent(ctx context.Context, intentID string) (*models.ConfirmResult, error)
	Refund(ctx context.Context, intentID string, amount *int64) (*models.Refund, error)
}

// WebhookVerifier is implemented by processors that sign webhook deliveries.
type WebhookVerifier interface {
	VerifyWebhook(ctx context.Context, payload []byte, signature string) error
}

// CredentialSource hands out decrypted processor credentials.
type CredentialSource interface {
	LoadActiveCredential(ctx context.Context, processor string, mode models.Mode) (map[string]string, error)
}
