package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/models"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/telemetry"
)

const StripeName = "stripe"

var ErrMissingSecret = errors.New("processor credential is missing a required field")

// APIError is a non-2xx answer from the processor.
type APIError struct {
	HTTPStatus  int    `json:"-"`
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("stripe: %d %s/%s: %s", e.HTTPStatus, e.Type, e.Code, e.Message)
}

// CardDeclined reports a definitive decline of the presented card.
func (e *APIError) CardDeclined() bool {
	return e.Type == "card_error"
}

// StripeClient calls the Stripe REST API with the secret key held in the
// vault for its mode. The key is read per call so a rotated credential takes
// effect immediately.
type StripeClient struct {
	baseURL string
	mode    models.Mode
	creds   interfaces.CredentialSource
	http    *http.Client
	now     func() time.Time
}

func NewStripeClient(baseURL string, mode models.Mode, creds interfaces.CredentialSource, httpClient *http.Client) *StripeClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &StripeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		mode:    mode,
		creds:   creds,
		http:    httpClient,
		now:     time.Now,
	}
}

func (c *StripeClient) Name() string { return StripeName }

func (c *StripeClient) field(ctx context.Context, name string) (string, error) {
	fields, err := c.creds.LoadActiveCredential(ctx, StripeName, c.mode)
	if err != nil {
		return "", err
	}
	v := fields[name]
	if v == "" {
		return "", fmt.Errorf("%w: %s/%s %s", ErrMissingSecret, StripeName, c.mode, name)
	}
	return v, nil
}

func (c *StripeClient) do(ctx context.Context, method, path string, form url.Values, out any) error {
	key, err := c.field(ctx, "secret_key")
	if err != nil {
		return err
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+key)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("stripe: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("stripe: reading %s %s: %w", method, path, err)
	}

	if resp.StatusCode >= 300 {
		var envelope struct {
			Error APIError `json:"error"`
		}
		if err := sonic.Unmarshal(raw, &envelope); err != nil {
			return &APIError{HTTPStatus: resp.StatusCode, Type: "api_error", Message: strings.TrimSpace(string(raw))}
		}
		envelope.Error.HTTPStatus = resp.StatusCode
		return &envelope.Error
	}

	if out == nil {
		return nil
	}
	if err := sonic.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("stripe: decoding %s %s: %w", method, path, err)
	}
	return nil
}

func (c *StripeClient) CreateConnectionToken(ctx context.Context) (string, error) {
	var out struct {
		Secret string `json:"secret"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/terminal/connection_tokens", url.Values{}, &out); err != nil {
		return "", err
	}
	return out.Secret, nil
}

func (c *StripeClient) CreatePaymentIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (*models.PaymentIntent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amount, 10))
	form.Set("currency", strings.ToLower(currency))
	form.Add("payment_method_types[]", "card_present")
	form.Set("capture_method", "automatic")
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		form.Set("metadata["+k+"]", metadata[k])
	}

	var intent models.PaymentIntent
	if err := c.do(ctx, http.MethodPost, "/v1/payment_intents", form, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func (c *StripeClient) RetrieveIntent(ctx context.Context, intentID string) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	if err := c.do(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(intentID), nil, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// ConfirmIntent turns a card decline into a result; only transport and API
// failures, where the charge outcome is unknown, are returned as errors.
func (c *StripeClient) ConfirmIntent(ctx context.Context, intentID string) (*models.ConfirmResult, error) {
	var intent models.PaymentIntent
	err := c.do(ctx, http.MethodPost, "/v1/payment_intents/"+url.PathEscape(intentID)+"/confirm", url.Values{}, &intent)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.CardDeclined() {
		code := apiErr.DeclineCode
		if code == "" {
			code = apiErr.Code
		}
		return &models.ConfirmResult{
			IntentID:      intentID,
			Status:        models.IntentRequiresPaymentMethod,
			FailureCode:   code,
			FailureReason: apiErr.Message,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &models.ConfirmResult{IntentID: intent.ID, Status: intent.Status}, nil
}

func (c *StripeClient) Refund(ctx context.Context, intentID string, amount *int64) (*models.Refund, error) {
	form := url.Values{}
	form.Set("payment_intent", intentID)
	if amount != nil {
		form.Set("amount", strconv.FormatInt(*amount, 10))
	}
	var refund models.Refund
	if err := c.do(ctx, http.MethodPost, "/v1/refunds", form, &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

// VerifyWebhook checks the signature header against the stored webhook
// secret. Without a stored secret deliveries are accepted unverified.
func (c *StripeClient) VerifyWebhook(ctx context.Context, payload []byte, signature string) error {
	secret, err := c.field(ctx, "webhook_secret")
	if errors.Is(err, ErrMissingSecret) {
		telemetry.Logger.Warn("No webhook secret stored, accepting unsigned delivery",
			zap.String("processor", StripeName), zap.String("mode", string(c.mode)))
		return nil
	}
	if err != nil {
		return err
	}
	return VerifySignature(payload, signature, secret, c.now(), DefaultSignatureTolerance)
}
