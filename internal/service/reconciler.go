package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/juju/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/lock"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/metrics"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/models"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/telemetry"
)

// Sources of observations.
const (
	SourceCreate  = "create"
	SourceConfirm = "confirm"
	SourceWebhook = "webhook"
	SourceRefund  = "refund"
)

const correlationKey = "correlation_id"

// Observation is one report of an intent's status from any channel.
type Observation struct {
	IntentID      string
	Status        models.TransactionStatus
	Amount        int64
	Currency      string
	CorrelationID string
	Metadata      map[string]string
	Source        string
}

// Reconciler owns the transaction records.
type Reconciler struct {
	repo      interfaces.TransactionRepository
	locker    interfaces.Locker
	publisher interfaces.EventPublisher
	clock     clock.Clock
}

func NewReconciler(repo interfaces.TransactionRepository, locker interfaces.Locker, publisher interfaces.EventPublisher, clk clock.Clock) *Reconciler {
	if locker == nil {
		locker = lock.NewKeyedLocker()
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Reconciler{repo: repo, locker: locker, publisher: publisher, clock: clk}
}

// Reconcile folds obs into the record for obs.IntentID. Duplicate and
// reordered observations converge: terminal statuses never change once
// stored, and a record left unchanged is not rewritten.
func (r *Reconciler) Reconcile(ctx context.Context, obs Observation) (*models.TransactionRecord, error) {
	if obs.IntentID == "" {
		return nil, errors.New("reconcile: intent id is required")
	}
	if !obs.Status.Valid() {
		return nil, fmt.Errorf("reconcile: invalid status %q", obs.Status)
	}
	if obs.CorrelationID == "" {
		obs.CorrelationID = obs.Metadata[correlationKey]
	}

	ctx, span := telemetry.StartSpan(ctx, "reconcile",
		attribute.String("intent_id", obs.IntentID),
		attribute.String("observed_status", string(obs.Status)),
		attribute.String("source", obs.Source),
	)
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	unlock, err := r.locker.Lock(ctx, obs.IntentID)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", obs.IntentID, err)
	}
	defer unlock()

	var (
		previous models.TransactionStatus
		conflict bool
	)
	now := r.clock.Now().UTC()
	rec, changed, err := r.repo.Upsert(ctx, obs.IntentID, func(existing *models.TransactionRecord) (*models.TransactionRecord, error) {
		if existing != nil {
			previous = existing.Status
		}
		var next *models.TransactionRecord
		next, conflict = Merge(existing, obs, now)
		return next, nil
	})
	if err != nil {
		metrics.ReconcileTotal.WithLabelValues(obs.Source, "error").Inc()
		return nil, fmt.Errorf("reconcile %s: %w", obs.IntentID, err)
	}

	result := "unchanged"
	switch {
	case conflict:
		result = "conflict"
		telemetry.Logger.Info("Terminal status kept over conflicting observation",
			zap.String("intent_id", obs.IntentID),
			zap.String("status", string(previous)),
			zap.String("observed_status", string(obs.Status)),
			zap.String("source", obs.Source),
		)
	case changed:
		result = "applied"
	}
	metrics.ReconcileTotal.WithLabelValues(obs.Source, result).Inc()

	if changed {
		telemetry.Logger.Info("Transaction reconciled",
			zap.String("intent_id", obs.IntentID),
			zap.String("from_status", string(previous)),
			zap.String("to_status", string(rec.Status)),
			zap.String("source", obs.Source),
		)
		r.publish(ctx, rec, previous, obs.Source)
	}
	return rec, nil
}

func (r *Reconciler) publish(ctx context.Context, rec *models.TransactionRecord, previous models.TransactionStatus, source string) {
	if r.publisher == nil {
		return
	}
	payload, err := sonic.Marshal(models.ReconciledEvent{
		IntentID:       rec.IntentID,
		Status:         rec.Status,
		PreviousStatus: previous,
		Source:         source,
		Amount:         rec.Amount,
		Currency:       rec.Currency,
		Timestamp:      rec.UpdatedAt,
	})
	if err == nil {
		err = r.publisher.Publish(ctx, rec.IntentID, payload)
	}
	if err != nil {
		telemetry.Logger.Warn("Failed to publish reconciled event",
			zap.String("intent_id", rec.IntentID), zap.Error(err))
	}
}

// Merge computes the record after applying obs to existing. It returns nil
// when nothing would change, and conflict=true when obs disagrees with a
// terminal status.
//
// Terminal records only gain metadata keys they do not have yet; the status
// and existing values stay. Non-terminal records take the observed status and
// metadata values.
func Merge(existing *models.TransactionRecord, obs Observation, now time.Time) (next *models.TransactionRecord, conflict bool) {
	if existing == nil {
		return &models.TransactionRecord{
			IntentID:      obs.IntentID,
			Status:        obs.Status,
			Amount:        obs.Amount,
			Currency:      strings.ToLower(obs.Currency),
			CorrelationID: obs.CorrelationID,
			Metadata:      cloneMetadata(obs.Metadata),
			CreatedAt:     now,
			UpdatedAt:     now,
		}, false
	}

	rec := *existing
	rec.Metadata = cloneMetadata(existing.Metadata)
	changed := false

	if existing.Status.IsTerminal() {
		conflict = obs.Status != existing.Status
		for k, v := range obs.Metadata {
			if _, ok := rec.Metadata[k]; !ok {
				rec.Metadata[k] = v
				changed = true
			}
		}
	} else {
		if obs.Status != rec.Status {
			rec.Status = obs.Status
			changed = true
		}
		for k, v := range obs.Metadata {
			if cur, ok := rec.Metadata[k]; !ok || cur != v {
				rec.Metadata[k] = v
				changed = true
			}
		}
	}

	if rec.Amount == 0 && obs.Amount > 0 {
		rec.Amount = obs.Amount
		changed = true
	}
	if rec.Currency == "" && obs.Currency != "" {
		rec.Currency = strings.ToLower(obs.Currency)
		changed = true
	}
	if rec.CorrelationID == "" && obs.CorrelationID != "" {
		rec.CorrelationID = obs.CorrelationID
		changed = true
	}

	if !changed {
		return nil, conflict
	}
	rec.UpdatedAt = now
	return &rec, conflict
}

func cloneMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
