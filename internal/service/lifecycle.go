package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/metrics"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/models"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/telemetry"
)

// Recorder receives observations produced while charging.
type Recorder interface {
	Reconcile(ctx context.Context, obs Observation) (*models.TransactionRecord, error)
}

// ValidateAmount checks the processor's accepted range in minor units.
func ValidateAmount(amount int64) error {
	if amount < models.MinAmount || amount > models.MaxAmount {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidAmount, amount, models.MinAmount, models.MaxAmount)
	}
	return nil
}

func validateCurrency(currency string) error {
	if len(currency) != 3 {
		return fmt.Errorf("%w: %q", ErrInvalidCurrency, currency)
	}
	for _, r := range currency {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return fmt.Errorf("%w: %q", ErrInvalidCurrency, currency)
		}
	}
	return nil
}

// Coordinator drives one charge attempt through create, retrieve, collect and
// confirm. Steps run strictly in order and the first failure ends the attempt;
// retrying means a new attempt with a new intent.
type Coordinator struct {
	processor      interfaces.Processor
	recorder       Recorder
	collectTimeout time.Duration
}

func NewCoordinator(processor interfaces.Processor, recorder Recorder, collectTimeout time.Duration) *Coordinator {
	return &Coordinator{processor: processor, recorder: recorder, collectTimeout: collectTimeout}
}

func (c *Coordinator) CreateIntent(ctx context.Context, amount int64, currency, correlationID string) (*models.PaymentIntentHandle, error) {
	if err := ValidateAmount(amount); err != nil {
		return nil, &StageError{Stage: StageCreate, Err: err}
	}
	if err := validateCurrency(currency); err != nil {
		return nil, &StageError{Stage: StageCreate, Err: err}
	}
	currency = strings.ToLower(currency)

	intent, err := c.processor.CreatePaymentIntent(ctx, amount, currency, map[string]string{
		correlationKey: correlationID,
		"processor":    c.processor.Name(),
	})
	if err != nil {
		return nil, &StageError{Stage: StageCreate, Err: err}
	}

	return &models.PaymentIntentHandle{
		ID:            intent.ID,
		ClientSecret:  intent.ClientSecret,
		Amount:        amount,
		Currency:      currency,
		CorrelationID: correlationID,
		Status:        intent.Status,
	}, nil
}

// Retrieve refreshes the intent; the reader needs its current state.
func (c *Coordinator) Retrieve(ctx context.Context, handle *models.PaymentIntentHandle) (*models.PaymentIntent, error) {
	intent, err := c.processor.RetrieveIntent(ctx, handle.ID)
	if err != nil {
		return nil, &StageError{Stage: StageRetrieve, IntentID: handle.ID, Err: err}
	}
	handle.Status = intent.Status
	return intent, nil
}

// Collect waits on the reader for a card. Cancelling ctx aborts the wait and
// leaves the reader ready for another collection.
func (c *Coordinator) Collect(ctx context.Context, term interfaces.Terminal, intent *models.PaymentIntent) (*models.PaymentIntent, error) {
	if c.collectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.collectTimeout)
		defer cancel()
	}
	collected, err := term.CollectPaymentMethod(ctx, intent)
	if err != nil {
		return nil, &StageError{Stage: StageCollect, IntentID: intent.ID, Err: err}
	}
	return collected, nil
}

func (c *Coordinator) Confirm(ctx context.Context, handle *models.PaymentIntentHandle) (*models.ConfirmResult, error) {
	result, err := c.processor.ConfirmIntent(ctx, handle.ID)
	if err != nil {
		return nil, &StageError{Stage: StageConfirm, IntentID: handle.ID, Err: err}
	}
	handle.Status = result.Status
	return result, nil
}

// Charge runs the full pipeline on a bound reader.
func (c *Coordinator) Charge(ctx context.Context, term interfaces.Terminal, amount int64, currency, correlationID string) (*models.ChargeOutcome, error) {
	ctx, span := telemetry.StartSpan(ctx, "charge",
		attribute.Int64("amount", amount),
		attribute.String("currency", currency),
		attribute.String("correlation_id", correlationID),
		attribute.String("reader_id", term.Reader().ID),
	)
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	var handle *models.PaymentIntentHandle
	err = c.timed(StageCreate, func() error {
		handle, err = c.CreateIntent(ctx, amount, currency, correlationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("intent_id", handle.ID))

	c.record(ctx, Observation{
		IntentID:      handle.ID,
		Status:        models.StatusFromIntent(handle.Status),
		Amount:        handle.Amount,
		Currency:      handle.Currency,
		CorrelationID: correlationID,
		Metadata:      map[string]string{"processor": c.processor.Name(), "reader_id": term.Reader().ID},
		Source:        SourceCreate,
	})

	var intent *models.PaymentIntent
	err = c.timed(StageRetrieve, func() error {
		intent, err = c.Retrieve(ctx, handle)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = c.timed(StageCollect, func() error {
		intent, err = c.Collect(ctx, term, intent)
		return err
	})
	if err != nil {
		return nil, err
	}

	var result *models.ConfirmResult
	err = c.timed(StageConfirm, func() error {
		result, err = c.Confirm(ctx, handle)
		return err
	})
	if err != nil {
		// The charge may have gone through; the webhook settles it.
		return nil, err
	}

	obs := Observation{
		IntentID:      handle.ID,
		Status:        models.StatusFromIntent(result.Status),
		Amount:        handle.Amount,
		Currency:      handle.Currency,
		CorrelationID: correlationID,
		Source:        SourceConfirm,
	}
	if result.Declined() {
		obs.Status = models.StatusFailed
		obs.Metadata = map[string]string{
			"failure_code":    result.FailureCode,
			"failure_message": result.FailureReason,
		}
	}
	if intent.PaymentMethod != "" {
		if obs.Metadata == nil {
			obs.Metadata = map[string]string{}
		}
		obs.Metadata["payment_method"] = intent.PaymentMethod
	}

	outcome := &models.ChargeOutcome{
		IntentID:      handle.ID,
		CorrelationID: correlationID,
		IntentStatus:  result.Status,
		FailureReason: result.FailureReason,
	}
	outcome.Record = c.record(ctx, obs)

	telemetry.Logger.Info("Charge completed",
		zap.String("intent_id", handle.ID),
		zap.String("intent_status", result.Status),
		zap.String("failure_code", result.FailureCode),
	)
	return outcome, nil
}

// record reconciles an observation made during charging. The record can
// still be settled by the webhook, so a failure here does not fail the charge.
func (c *Coordinator) record(ctx context.Context, obs Observation) *models.TransactionRecord {
	if c.recorder == nil {
		return nil
	}
	rec, err := c.recorder.Reconcile(ctx, obs)
	if err != nil {
		telemetry.Logger.Error("Failed to record charge observation",
			zap.String("intent_id", obs.IntentID),
			zap.String("source", obs.Source),
			zap.Error(err),
		)
		return nil
	}
	return rec
}

func (c *Coordinator) timed(stage Stage, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.ChargeStageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
	return err
}
