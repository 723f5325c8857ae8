package interfaces

import (
	"context"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/models"
)

// ReaderDriver talks to card readers.
type ReaderDriver interface {
	// Discover streams candidates until ctx is done, then closes the channel.
	Discover(ctx context.Context) (<-chan models.Reader, error)
	Connect(ctx context.Context, reader models.Reader, connectionToken string) (Terminal, error)
}

// Terminal is a reader bound to this process.
type Terminal interface {
	Reader() models.Reader
	Connected() bool
	// CollectPaymentMethod waits for a card presentment. Cancelling ctx aborts
	// the collection and leaves the terminal ready for another one.
	CollectPaymentMethod(ctx context.Context, intent *models.PaymentIntent) (*models.PaymentIntent, error)
	Disconnect(ctx context.Context) error
}

// PreferenceStore remembers the last bound reader.
type PreferenceStore interface {
	PreferredReader(ctx context.Context) (string, error)
	SetPreferredReader(ctx context.Context, readerID string) error
}
