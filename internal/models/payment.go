package models

import "time"

type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusProcessing TransactionStatus = "processing"
	StatusSucceeded  TransactionStatus = "succeeded"
	StatusFailed     TransactionStatus = "failed"
	StatusCanceled   TransactionStatus = "canceled"
)

const (
	MinAmount int64 = 1
	MaxAmount int64 = 99_999_999
)

// IsTerminal reports whether no later observation may change the status.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Remote intent statuses as reported by the processor.
const (
	IntentRequiresPaymentMethod = "requires_payment_method"
	IntentRequiresConfirmation  = "requires_confirmation"
	IntentRequiresAction        = "requires_action"
	IntentProcessing            = "processing"
	IntentRequiresCapture       = "requires_capture"
	IntentSucceeded             = "succeeded"
	IntentCanceled              = "canceled"
)

// StatusFromIntent maps a remote intent status onto the record status.
func StatusFromIntent(remote string) TransactionStatus {
	switch remote {
	case IntentProcessing, IntentRequiresCapture:
		return StatusProcessing
	case IntentSucceeded:
		return StatusSucceeded
	case IntentCanceled:
		return StatusCanceled
	default:
		return StatusPending
	}
}

// PaymentIntentHandle is one customer-facing charge attempt.
type PaymentIntentHandle struct {
	ID            string `json:"id"`
	ClientSecret  string `json:"client_secret"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
}

// PaymentIntent is the processor's view of an intent.
type PaymentIntent struct {
	ID            string            `json:"id"`
	ClientSecret  string            `json:"client_secret"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Status        string            `json:"status"`
	PaymentMethod string            `json:"payment_method,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type ConfirmResult struct {
	IntentID      string `json:"intent_id"`
	Status        string `json:"status"`
	FailureCode   string `json:"failure_code,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Declined reports a definitive decline from the processor, as opposed to a
// transport failure where the charge outcome is unknown.
func (r ConfirmResult) Declined() bool {
	return r.FailureCode != "" || r.FailureReason != ""
}

type Refund struct {
	ID       string `json:"id"`
	IntentID string `json:"payment_intent"`
	Amount   int64  `json:"amount"`
	Status   string `json:"status"`
}

// TransactionRecord is the authoritative, durable view of one intent.
type TransactionRecord struct {
	IntentID      string            `json:"intent_id"`
	Status        TransactionStatus `json:"status"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	CorrelationID string            `json:"correlation_id"`
	Metadata      map[string]string `json:"metadata"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

type ChargeOutcome struct {
	IntentID      string             `json:"intent_id"`
	CorrelationID string             `json:"correlation_id"`
	IntentStatus  string             `json:"intent_status"`
	FailureReason string             `json:"failure_reason,omitempty"`
	Record        *TransactionRecord `json:"record,omitempty"`
}

// WebhookEvent is the inbound notification payload. Processors nest the
// object under data.object; relays may flatten it to a top-level object.
type WebhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object WebhookObject `json:"object"`
	} `json:"data"`
	Object *WebhookObject `json:"object,omitempty"`
}

// Subject returns the object the event is about.
func (e *WebhookEvent) Subject() WebhookObject {
	if e.Data.Object.ID == "" && e.Object != nil {
		return *e.Object
	}
	return e.Data.Object
}

type WebhookObject struct {
	ID               string            `json:"id"`
	Object           string            `json:"object"`
	Status           string            `json:"status"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error,omitempty"`
}

// ReconciledEvent is published after a record changes.
type ReconciledEvent struct {
	IntentID       string            `json:"intent_id"`
	Status         TransactionStatus `json:"status"`
	PreviousStatus TransactionStatus `json:"previous_status,omitempty"`
	Source         string            `json:"source"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Timestamp      time.Time         `json:"timestamp"`
}
