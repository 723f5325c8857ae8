package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/juju/retry"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/metrics"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/models"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/processor"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/telemetry"
)

// SignatureHeader carries the delivery signature on relayed Kafka messages.
const SignatureHeader = "signature"

// Deduper drops webhook deliveries already processed. It is an optimisation;
// Reconcile is idempotent on its own.
type Deduper interface {
	// Claim reports whether eventID is new and now owned by the caller.
	Claim(ctx context.Context, eventID string) (bool, error)
	// Release gives up a claim so a redelivery is processed.
	Release(ctx context.Context, eventID string) error
}

type NopDeduper struct{}

func (NopDeduper) Claim(context.Context, string) (bool, error) { return true, nil }
func (NopDeduper) Release(context.Context, string) error       { return nil }

type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (d *RedisDeduper) Claim(ctx context.Context, eventID string) (bool, error) {
	return d.client.SetNX(ctx, "webhook_event:"+eventID, "1", d.ttl).Result()
}

func (d *RedisDeduper) Release(ctx context.Context, eventID string) error {
	return d.client.Del(ctx, "webhook_event:"+eventID).Err()
}

// ParseWebhook decodes a raw delivery.
func ParseWebhook(raw []byte) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := sonic.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	if event.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidWebhook)
	}
	if isIntentEvent(event.Type) && event.Subject().ID == "" {
		return nil, fmt.Errorf("%w: %s without object id", ErrInvalidWebhook, event.Type)
	}
	return &event, nil
}

func isIntentEvent(eventType string) bool {
	return strings.HasPrefix(eventType, "payment_intent.")
}

// ObservationFromEvent maps a payment intent event onto an observation. Other
// events are not reconciled and return false.
func ObservationFromEvent(event *models.WebhookEvent) (Observation, bool) {
	obj := event.Subject()
	if !isIntentEvent(event.Type) || obj.ID == "" {
		return Observation{}, false
	}

	var status models.TransactionStatus
	switch event.Type {
	case "payment_intent.succeeded":
		status = models.StatusSucceeded
	case "payment_intent.payment_failed":
		status = models.StatusFailed
	case "payment_intent.canceled":
		status = models.StatusCanceled
	case "payment_intent.processing":
		status = models.StatusProcessing
	default:
		status = models.StatusFromIntent(obj.Status)
	}

	metadata := make(map[string]string, len(obj.Metadata)+2)
	for k, v := range obj.Metadata {
		metadata[k] = v
	}
	if obj.LastPaymentError != nil && status == models.StatusFailed {
		metadata["failure_code"] = obj.LastPaymentError.Code
		metadata["failure_message"] = obj.LastPaymentError.Message
	}

	return Observation{
		IntentID: obj.ID,
		Status:   status,
		Amount:   obj.Amount,
		Currency: obj.Currency,
		Metadata: metadata,
		Source:   SourceWebhook,
	}, true
}

// OnWebhook verifies, decodes and reconciles one delivery from processorName.
func (o *Orchestrator) OnWebhook(ctx context.Context, processorName string, raw []byte, signature string) error {
	ctx, span := telemetry.StartSpan(ctx, "webhook", attribute.String("processor", processorName))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	proc, err := o.registry.Get(processorName)
	if err != nil {
		return err
	}
	if verifier, ok := proc.(interfaces.WebhookVerifier); ok {
		if err = verifier.VerifyWebhook(ctx, raw, signature); err != nil {
			metrics.WebhookEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
			return fmt.Errorf("%w: %w", ErrInvalidWebhook, err)
		}
	}

	event, err := ParseWebhook(raw)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "malformed").Inc()
		return err
	}
	span.SetAttributes(attribute.String("event_id", event.ID), attribute.String("event_type", event.Type))

	obs, ok := ObservationFromEvent(event)
	if !ok {
		metrics.WebhookEventsTotal.WithLabelValues(event.Type, "ignored").Inc()
		return nil
	}

	if event.ID != "" {
		first, derr := o.dedupe.Claim(ctx, event.ID)
		if derr != nil {
			telemetry.Logger.Warn("Webhook dedupe unavailable", zap.String("event_id", event.ID), zap.Error(derr))
		} else if !first {
			metrics.WebhookEventsTotal.WithLabelValues(event.Type, "duplicate").Inc()
			return nil
		}
	}

	if _, err = o.reconciler.Reconcile(ctx, obs); err != nil {
		if event.ID != "" {
			if rerr := o.dedupe.Release(context.WithoutCancel(ctx), event.ID); rerr != nil {
				telemetry.Logger.Warn("Failed to release webhook claim", zap.String("event_id", event.ID), zap.Error(rerr))
			}
		}
		metrics.WebhookEventsTotal.WithLabelValues(event.Type, "error").Inc()
		return err
	}

	metrics.WebhookEventsTotal.WithLabelValues(event.Type, "reconciled").Inc()
	return nil
}

// ConsumeWebhookEvents reads webhook deliveries relayed onto a Kafka topic.
// The message key names the processor. It returns when ctx is done.
func (o *Orchestrator) ConsumeWebhookEvents(ctx context.Context, brokers, topic string) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(brokers, ","),
		Topic:    topic,
		GroupID:  "terminal-orchestrator",
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer r.Close()

	telemetry.Logger.Info("Started consuming webhook events", zap.String("topic", topic))

	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			telemetry.Logger.Error("Error reading message from Kafka", zap.Error(err))
			continue
		}

		var signature string
		for _, h := range msg.Headers {
			if h.Key == SignatureHeader {
				signature = string(h.Value)
			}
		}

		if err := o.deliverRelayed(ctx, msg, signature); err != nil {
			// Only ctx ending gets here.
			return nil
		}
		if err := r.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			telemetry.Logger.Error("Failed to commit webhook offset", zap.Error(err))
		}
	}
}

// deliverRelayed retries a relayed delivery until it is reconciled or
// rejected as invalid, so offsets are committed in order.
func (o *Orchestrator) deliverRelayed(ctx context.Context, msg kafka.Message, signature string) error {
	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			lastErr = o.OnWebhook(ctx, string(msg.Key), msg.Value, signature)
			return lastErr
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, ErrInvalidWebhook) || errors.Is(err, processor.ErrUnknownProcessor)
		},
		NotifyFunc: func(err error, attempt int) {
			telemetry.Logger.Error("Error processing webhook event, retrying",
				zap.Int64("offset", msg.Offset),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		},
		Attempts:    -1,
		Delay:       o.relayDelay,
		MaxDelay:    30 * time.Second,
		BackoffFunc: retry.DoubleDelay,
		Clock:       o.clock,
		Stop:        ctx.Done(),
	})
	switch {
	case err == nil:
		return nil
	case retry.IsRetryStopped(err):
		return ctx.Err()
	}
	telemetry.Logger.Warn("Dropping invalid webhook event", zap.Int64("offset", msg.Offset), zap.Error(lastErr))
	return nil
}
