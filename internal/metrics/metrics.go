package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChargesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terminal_charges_total",
		Help: "Charge attempts by outcome.",
	}, []string{"outcome"})

	ChargeStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "terminal_charge_stage_duration_seconds",
		Help:    "Duration of each intent lifecycle stage.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"stage"})

	DiscoveryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terminal_reader_discovery_attempts_total",
		Help: "Reader discovery windows by result.",
	}, []string{"result"})

	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terminal_reconcile_total",
		Help: "Reconcile calls by source and result.",
	}, []string{"source", "result"})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terminal_webhook_events_total",
		Help: "Inbound webhook events by type and result.",
	}, []string{"type", "result"})

	VaultDecryptFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terminal_vault_decrypt_fallbacks_total",
		Help: "Stored values that looked encrypted but were read back as plaintext.",
	})
)
