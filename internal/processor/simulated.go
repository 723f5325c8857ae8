package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/models"
)

const SimulatedName = "simulated"

var ErrIntentNotFound = errors.New("payment intent not found")

// Simulated outcomes are keyed off the cents of the amount, the same way the
// processor's test readers behave.
const (
	simulatedDeclineCents        = 5
	simulatedRequiresActionCents = 55
)

// SimulatedProcessor keeps intents in memory. It backs test mode and local
// development with the simulated reader.
type SimulatedProcessor struct {
	name string

	// Failure injection.
	TokenErr   error
	CreateErr  error
	ConfirmErr error

	mu       sync.Mutex
	intents  map[string]*models.PaymentIntent
	refunded map[string]int64
	tokens   int
	confirms int
}

func NewSimulatedProcessor(name string) *SimulatedProcessor {
	if name == "" {
		name = SimulatedName
	}
	return &SimulatedProcessor{
		name:     name,
		intents:  make(map[string]*models.PaymentIntent),
		refunded: make(map[string]int64),
	}
}

func (p *SimulatedProcessor) Name() string { return p.name }

func (p *SimulatedProcessor) Tokens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokens
}

func (p *SimulatedProcessor) Confirms() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.confirms
}

func (p *SimulatedProcessor) CreateConnectionToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.TokenErr != nil {
		return "", p.TokenErr
	}
	p.tokens++
	return "pst_test_" + shortID(), nil
}

func (p *SimulatedProcessor) CreatePaymentIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (*models.PaymentIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}
	id := "pi_sim_" + shortID()
	intent := &models.PaymentIntent{
		ID:           id,
		ClientSecret: id + "_secret_" + shortID(),
		Amount:       amount,
		Currency:     strings.ToLower(currency),
		Status:       models.IntentRequiresPaymentMethod,
		Metadata:     copyMetadata(metadata),
	}
	p.intents[id] = intent
	out := *intent
	return &out, nil
}

func (p *SimulatedProcessor) RetrieveIntent(ctx context.Context, intentID string) (*models.PaymentIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	intent, ok := p.intents[intentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, intentID)
	}
	out := *intent
	out.Metadata = copyMetadata(intent.Metadata)
	return &out, nil
}

func (p *SimulatedProcessor) ConfirmIntent(ctx context.Context, intentID string) (*models.ConfirmResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirms++
	if p.ConfirmErr != nil {
		return nil, p.ConfirmErr
	}
	intent, ok := p.intents[intentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, intentID)
	}

	switch intent.Amount % 100 {
	case simulatedDeclineCents:
		intent.Status = models.IntentRequiresPaymentMethod
		return &models.ConfirmResult{
			IntentID:      intentID,
			Status:        intent.Status,
			FailureCode:   "generic_decline",
			FailureReason: "Your card was declined.",
		}, nil
	case simulatedRequiresActionCents:
		intent.Status = models.IntentRequiresAction
	default:
		intent.Status = models.IntentSucceeded
	}
	return &models.ConfirmResult{IntentID: intentID, Status: intent.Status}, nil
}

func (p *SimulatedProcessor) Refund(ctx context.Context, intentID string, amount *int64) (*models.Refund, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	intent, ok := p.intents[intentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, intentID)
	}
	if intent.Status != models.IntentSucceeded {
		return nil, fmt.Errorf("intent %s is %s, only succeeded intents can be refunded", intentID, intent.Status)
	}
	remaining := intent.Amount - p.refunded[intentID]
	value := remaining
	if amount != nil {
		value = *amount
	}
	if value <= 0 || value > remaining {
		return nil, fmt.Errorf("refund amount %d exceeds refundable %d", value, remaining)
	}
	p.refunded[intentID] += value
	return &models.Refund{ID: "re_sim_" + shortID(), IntentID: intentID, Amount: value, Status: "succeeded"}, nil
}

// WebhookPayload renders the event the processor would deliver for the
// intent's current state.
func (p *SimulatedProcessor) WebhookPayload(intentID, eventType string) ([]byte, error) {
	p.mu.Lock()
	intent, ok := p.intents[intentID]
	var snapshot models.PaymentIntent
	if ok {
		snapshot = *intent
	}
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, intentID)
	}

	var event models.WebhookEvent
	event.ID = "evt_sim_" + shortID()
	event.Type = eventType
	event.Created = time.Now().Unix()
	event.Data.Object = models.WebhookObject{
		ID:       snapshot.ID,
		Object:   "payment_intent",
		Status:   snapshot.Status,
		Amount:   snapshot.Amount,
		Currency: snapshot.Currency,
		Metadata: snapshot.Metadata,
	}
	return sonic.Marshal(event)
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
