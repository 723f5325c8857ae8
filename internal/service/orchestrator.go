package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/metrics"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/models"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/processor"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/reader"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/telemetry"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/vault"
)

// Orchestrator is the surface exposed to the HTTP and CLI layers.
type Orchestrator struct {
	vault      *vault.Vault
	registry   *processor.Registry
	readers    *reader.Manager
	lifecycle  *Coordinator
	reconciler *Reconciler
	repo       interfaces.TransactionRepository
	dedupe     Deduper
	clock      clock.Clock
	relayDelay time.Duration
}

type Deps struct {
	Vault      *vault.Vault
	Registry   *processor.Registry
	Readers    *reader.Manager
	Lifecycle  *Coordinator
	Reconciler *Reconciler
	Repo       interfaces.TransactionRepository
	Dedupe     Deduper
	Clock      clock.Clock
	// RelayDelay is the first backoff step when a relayed webhook fails.
	RelayDelay time.Duration
}

func NewOrchestrator(d Deps) *Orchestrator {
	if d.Dedupe == nil {
		d.Dedupe = NopDeduper{}
	}
	if d.Clock == nil {
		d.Clock = clock.WallClock
	}
	if d.RelayDelay <= 0 {
		d.RelayDelay = time.Second
	}
	return &Orchestrator{
		vault:      d.Vault,
		registry:   d.Registry,
		readers:    d.Readers,
		lifecycle:  d.Lifecycle,
		reconciler: d.Reconciler,
		repo:       d.Repo,
		dedupe:     d.Dedupe,
		clock:      d.Clock,
		relayDelay: d.RelayDelay,
	}
}

// ChargeAmount charges amount minor units on the bound reader, binding one
// first if needed. Charges are serialized on the reader.
func (o *Orchestrator) ChargeAmount(ctx context.Context, amount int64, currency, correlationID string) (*models.ChargeOutcome, error) {
	err := ValidateAmount(amount)
	if err == nil {
		err = validateCurrency(currency)
	}
	if err != nil {
		metrics.ChargesTotal.WithLabelValues("rejected").Inc()
		return nil, &StageError{Stage: StageCreate, Err: err}
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	lease, err := o.readers.Acquire(ctx)
	if err != nil {
		metrics.ChargesTotal.WithLabelValues("reader_error").Inc()
		return nil, err
	}
	defer lease.Release()

	outcome, err := o.lifecycle.Charge(ctx, lease.Terminal(), amount, currency, correlationID)
	if err != nil {
		var stageErr *StageError
		if errors.As(err, &stageErr) {
			metrics.ChargesTotal.WithLabelValues(string(stageErr.Stage) + "_error").Inc()
		}
		telemetry.Logger.Warn("Charge failed",
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
		return nil, err
	}

	label := outcome.IntentStatus
	if outcome.FailureReason != "" {
		label = "declined"
	}
	metrics.ChargesTotal.WithLabelValues(label).Inc()
	return outcome, nil
}

func (o *Orchestrator) GetTransaction(ctx context.Context, intentID string) (*models.TransactionRecord, error) {
	return o.repo.GetByIntentID(ctx, intentID)
}

func (o *Orchestrator) SaveProcessorCredential(ctx context.Context, processorName string, fields map[string]string, mode models.Mode) error {
	return o.vault.SaveCredential(ctx, processorName, fields, mode)
}

// Refund refunds a settled charge and notes the refund on its record.
func (o *Orchestrator) Refund(ctx context.Context, intentID string, amount *int64) (*models.TransactionRecord, error) {
	rec, err := o.repo.GetByIntentID(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusSucceeded {
		return nil, fmt.Errorf("transaction %s is %s, only succeeded transactions can be refunded", intentID, rec.Status)
	}

	proc, err := o.processorFor(rec)
	if err != nil {
		return nil, err
	}
	refund, err := proc.Refund(ctx, intentID, amount)
	if err != nil {
		return nil, fmt.Errorf("refund of %s via %s failed: %w", intentID, proc.Name(), err)
	}

	return o.reconciler.Reconcile(ctx, Observation{
		IntentID: intentID,
		Status:   rec.Status,
		Metadata: map[string]string{"refund." + refund.ID: strconv.FormatInt(refund.Amount, 10)},
		Source:   SourceRefund,
	})
}

func (o *Orchestrator) processorFor(rec *models.TransactionRecord) (interfaces.Processor, error) {
	if name := rec.Metadata["processor"]; name != "" {
		return o.registry.Get(name)
	}
	return o.registry.Default()
}

// Readers exposes the reader manager to outer layers for status and
// disconnect.
func (o *Orchestrator) Readers() *reader.Manager {
	return o.readers
}
