package handlers_test

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/api"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/models"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/processor"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/reader"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/service"
)

type fakeOrchestrator struct {
	charge  func(amount int64, currency, correlationID string) (*models.ChargeOutcome, error)
	get     func(intentID string) (*models.TransactionRecord, error)
	refund  func(intentID string, amount *int64) (*models.TransactionRecord, error)
	save    func(processor string, fields map[string]string, mode models.Mode) error
	webhook func(processor string, raw []byte, signature string) error
	readers *reader.Manager
}

func (f *fakeOrchestrator) ChargeAmount(_ context.Context, amount int64, currency, correlationID string) (*models.ChargeOutcome, error) {
	return f.charge(amount, currency, correlationID)
}

func (f *fakeOrchestrator) GetTransaction(_ context.Context, intentID string) (*models.TransactionRecord, error) {
	return f.get(intentID)
}

func (f *fakeOrchestrator) Refund(_ context.Context, intentID string, amount *int64) (*models.TransactionRecord, error) {
	return f.refund(intentID, amount)
}

func (f *fakeOrchestrator) SaveProcessorCredential(_ context.Context, processor string, fields map[string]string, mode models.Mode) error {
	return f.save(processor, fields, mode)
}

func (f *fakeOrchestrator) OnWebhook(_ context.Context, processor string, raw []byte, signature string) error {
	return f.webhook(processor, raw, signature)
}

func (f *fakeOrchestrator) Readers() *reader.Manager { return f.readers }

func newFake() *fakeOrchestrator {
	driver := reader.NewSimulatedDriver(reader.DefaultSimulatedReader())
	cfg := reader.DefaultConfig()
	cfg.DiscoveryTimeout = time.Second
	return &fakeOrchestrator{readers: reader.NewManager(driver, processor.NewSimulatedProcessor(""), cfg)}
}

func do(t *testing.T, f *fakeOrchestrator, method, path, body string, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	api.NewRouter(f).ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func TestHealth(t *testing.T) {
	w, body := do(t, newFake(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestCharge(t *testing.T) {
	f := newFake()
	f.charge = func(amount int64, currency, correlationID string) (*models.ChargeOutcome, error) {
		assert.Equal(t, int64(1250), amount)
		assert.Equal(t, "usd", currency)
		assert.Equal(t, "order-1", correlationID)
		return &models.ChargeOutcome{IntentID: "pi_1", CorrelationID: correlationID, IntentStatus: models.IntentSucceeded}, nil
	}

	w, body := do(t, f, http.MethodPost, "/charges", `{"amount":1250,"currency":"usd","correlation_id":"order-1"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pi_1", body["intent_id"])
	assert.Equal(t, "succeeded", body["intent_status"])
}

func TestCharge_Declined(t *testing.T) {
	f := newFake()
	f.charge = func(int64, string, string) (*models.ChargeOutcome, error) {
		return &models.ChargeOutcome{IntentID: "pi_1", IntentStatus: models.IntentRequiresPaymentMethod, FailureReason: "Your card was declined."}, nil
	}

	w, body := do(t, f, http.MethodPost, "/charges", `{"amount":1005,"currency":"usd"}`)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "Your card was declined.", body["failure_reason"])
}

func TestCharge_ErrorMapping(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		code  int
		stage string
	}{
		{"invalid amount", &service.StageError{Stage: service.StageCreate, Err: fmt.Errorf("%w: 0", service.ErrInvalidAmount)}, http.StatusBadRequest, ""},
		{"discovery timeout", reader.ErrDiscoveryTimeout, http.StatusServiceUnavailable, "reader"},
		{"token", fmt.Errorf("%w: down", reader.ErrConnectionToken), http.StatusServiceUnavailable, "reader"},
		{"collect", &service.StageError{Stage: service.StageCollect, IntentID: "pi_1", Err: context.DeadlineExceeded}, http.StatusBadGateway, "collect_payment_method"},
		{"confirm", &service.StageError{Stage: service.StageConfirm, IntentID: "pi_1", Err: fmt.Errorf("timeout")}, http.StatusBadGateway, "confirm_intent"},
		{"canceled", context.Canceled, http.StatusRequestTimeout, ""},
		{"other", fmt.Errorf("disk full"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFake()
			f.charge = func(int64, string, string) (*models.ChargeOutcome, error) { return nil, tt.err }

			w, body := do(t, f, http.MethodPost, "/charges", `{"amount":100,"currency":"usd"}`)
			assert.Equal(t, tt.code, w.Code)
			if tt.stage != "" {
				assert.Equal(t, tt.stage, body["stage"])
			}
		})
	}
}

func TestCharge_BadBody(t *testing.T) {
	f := newFake()
	f.charge = func(int64, string, string) (*models.ChargeOutcome, error) {
		t.Fatal("ChargeAmount must not be called")
		return nil, nil
	}

	for _, body := range []string{"", "{", `{"currency":"usd"}`, `{"amount":100}`} {
		w, _ := do(t, f, http.MethodPost, "/charges", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestGetTransaction(t *testing.T) {
	f := newFake()
	f.get = func(id string) (*models.TransactionRecord, error) {
		if id == "pi_1" {
			return &models.TransactionRecord{IntentID: "pi_1", Status: models.StatusSucceeded, Amount: 100, Currency: "usd"}, nil
		}
		return nil, fmt.Errorf("transaction %s: %w", id, sql.ErrNoRows)
	}

	w, body := do(t, f, http.MethodGet, "/transactions/pi_1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "succeeded", body["status"])

	w, _ = do(t, f, http.MethodGet, "/transactions/pi_missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRefund(t *testing.T) {
	f := newFake()
	var gotAmount *int64
	f.refund = func(id string, amount *int64) (*models.TransactionRecord, error) {
		gotAmount = amount
		return &models.TransactionRecord{IntentID: id, Status: models.StatusSucceeded}, nil
	}

	w, _ := do(t, f, http.MethodPost, "/transactions/pi_1/refund", `{"amount":300}`)
	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, gotAmount)
	assert.Equal(t, int64(300), *gotAmount)

	w, _ = do(t, f, http.MethodPost, "/transactions/pi_1/refund", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, gotAmount, "no body refunds the remainder")
}

func TestWebhook(t *testing.T) {
	f := newFake()
	var gotSignature string
	f.webhook = func(name string, raw []byte, signature string) error {
		gotSignature = signature
		switch name {
		case "stripe":
			return nil
		case "broken":
			return fmt.Errorf("%w: bad signature", service.ErrInvalidWebhook)
		case "flaky":
			return fmt.Errorf("database is locked")
		}
		return fmt.Errorf("%w: %s", processor.ErrUnknownProcessor, name)
	}

	w, _ := do(t, f, http.MethodPost, "/webhooks/stripe", `{"id":"evt_1"}`, "Stripe-Signature", "t=1,v1=abc")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "t=1,v1=abc", gotSignature)

	w, _ = do(t, f, http.MethodPost, "/webhooks/broken", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, f, http.MethodPost, "/webhooks/flaky", `{}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w, _ = do(t, f, http.MethodPost, "/webhooks/adyen", `{}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSaveCredential(t *testing.T) {
	f := newFake()
	f.save = func(name string, fields map[string]string, mode models.Mode) error {
		assert.Equal(t, "stripe", name)
		assert.Equal(t, models.ModeTest, mode)
		assert.Equal(t, "sk_test_x", fields["secret_key"])
		return nil
	}

	w, _ := do(t, f, http.MethodPut, "/processors/stripe/credentials/test", `{"fields":{"secret_key":"sk_test_x"}}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "sk_test_x")

	w, _ = do(t, f, http.MethodPut, "/processors/stripe/credentials/staging", `{"fields":{"secret_key":"x"}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, f, http.MethodPut, "/processors/stripe/credentials/live", `{"fields":{}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReaderEndpoints(t *testing.T) {
	f := newFake()

	w, body := do(t, f, http.MethodGet, "/reader", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "idle", body["state"])

	w, body = do(t, f, http.MethodDelete, "/reader/discovery", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["canceled"])

	w, body = do(t, f, http.MethodPost, "/reader/connect", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bound", body["state"])

	w, body = do(t, f, http.MethodDelete, "/reader", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "idle", body["state"])
}
