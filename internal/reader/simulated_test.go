package reader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/models"
)

func TestSimulatedTerminal_Collect(t *testing.T) {
	driver := NewSimulatedDriver(DefaultSimulatedReader())
	term, err := driver.Connect(context.Background(), DefaultSimulatedReader(), "pst_token")
	require.NoError(t, err)

	intent := &models.PaymentIntent{ID: "pi_1", Amount: 1000, Currency: "usd", Status: models.IntentRequiresPaymentMethod}
	collected, err := term.CollectPaymentMethod(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, "pi_1", collected.ID)
	assert.Equal(t, models.IntentRequiresConfirmation, collected.Status)
	assert.NotEmpty(t, collected.PaymentMethod)
	assert.Equal(t, models.IntentRequiresPaymentMethod, intent.Status, "input intent is not modified")
}

func TestSimulatedTerminal_CancelCollectLeavesReaderReady(t *testing.T) {
	driver := NewSimulatedDriver(DefaultSimulatedReader())
	driver.CollectDelay = time.Minute
	term, err := driver.Connect(context.Background(), DefaultSimulatedReader(), "pst_token")
	require.NoError(t, err)
	sim := term.(*SimulatedTerminal)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := term.CollectPaymentMethod(ctx, &models.PaymentIntent{ID: "pi_1"})
		done <- err
	}()
	require.Eventually(t, sim.Collecting, time.Second, time.Millisecond)

	_, err = term.CollectPaymentMethod(context.Background(), &models.PaymentIntent{ID: "pi_2"})
	assert.ErrorIs(t, err, ErrReaderBusy)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, sim.Collecting())
	assert.True(t, term.Connected())
}

func TestSimulatedDriver_RequiresToken(t *testing.T) {
	driver := NewSimulatedDriver(DefaultSimulatedReader())
	_, err := driver.Connect(context.Background(), DefaultSimulatedReader(), "")
	assert.Error(t, err)
}
