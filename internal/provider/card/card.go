// internal/provider/card/card.go
package card

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"donation-service/config"
	"donation-service/internal/domain"
	"donation-service/internal/provider"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	intentSucceeded = "succeeded"
	intentCanceled  = "canceled"

	eventSucceeded = "payment_intent.succeeded"
	eventFailed    = "payment_intent.payment_failed"
	eventCanceled  = "payment_intent.canceled"

	SignatureHeader = "Stripe-Signature"
)

var hundred = decimal.NewFromInt(100)

type CardProvider struct {
	config     config.CardConfig
	baseURL    string
	tolerance  time.Duration
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

func NewCardProvider(cfg config.CardConfig, tolerance time.Duration, httpClient *http.Client, logger *zap.Logger) *CardProvider {
	return &CardProvider{
		config:     cfg,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		tolerance:  tolerance,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
}

func (c *CardProvider) Rail() domain.Rail { return domain.RailCard }

// PaymentIntent is the subset of the processor's intent object we read.
type PaymentIntent struct {
	ID               string            `json:"id"`
	Object           string            `json:"object"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Status           string            `json:"status"`
	ClientSecret     string            `json:"client_secret"`
	ReceiptEmail     string            `json:"receipt_email"`
	LatestCharge     string            `json:"latest_charge"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *PaymentError     `json:"last_payment_error"`
}

type PaymentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MinorUnits converts an amount to the processor's integer minor units.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

func (c *CardProvider) Initiate(ctx context.Context, req *domain.InitiateRequest) (*provider.Initiation, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(MinorUnits(req.Amount), 10))
	form.Set("currency", strings.ToLower(string(req.Currency)))
	form.Set("automatic_payment_methods[enabled]", "true")
	form.Set("description", "Donation")
	form.Set("metadata[owner_id]", req.OwnerID)
	form.Set("metadata[is_anonymous]", strconv.FormatBool(req.Donor.IsAnonymous))
	if req.Donor.DisplayName != "" {
		form.Set("metadata[donor_name]", req.Donor.DisplayName)
	}
	if req.Donor.Email != "" {
		form.Set("receipt_email", req.Donor.Email)
	}

	var intent PaymentIntent
	if err := c.send(ctx, http.MethodPost, "/v1/payment_intents", form, &intent); err != nil {
		return nil, provider.Classify(c.Rail(), err)
	}
	if intent.ID == "" || intent.ClientSecret == "" {
		return nil, domain.NewProviderUnavailableError(c.Rail(), fmt.Errorf("intent response missing id or client secret"))
	}

	c.logger.Info("payment intent created",
		zap.String("intent_id", intent.ID),
		zap.Int64("amount_minor", intent.Amount),
		zap.String("currency", intent.Currency))

	return &provider.Initiation{
		Reference:    intent.ID,
		Status:       domain.StatusPending,
		ClientSecret: intent.ClientSecret,
		Metadata: map[string]interface{}{
			"amount_minor": intent.Amount,
		},
		Raw: redactIntent(intent),
	}, nil
}

// Confirm retrieves the intent after the client finished card entry.
func (c *CardProvider) Confirm(ctx context.Context, reference string) (*domain.Observation, error) {
	var intent PaymentIntent
	if err := c.send(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(reference), nil, &intent); err != nil {
		return nil, provider.ClassifyQuery(c.Rail(), err)
	}
	return observe(&intent), nil
}

func observe(intent *PaymentIntent) *domain.Observation {
	obs := &domain.Observation{
		Reference:  intent.ID,
		Status:     domain.StatusPending,
		ResultCode: intent.Status,
	}
	switch intent.Status {
	case intentSucceeded:
		obs.Status = domain.StatusCompleted
		obs.DonorEmail = intent.ReceiptEmail
		obs.Metadata = map[string]interface{}{"intent_status": intent.Status}
		if intent.LatestCharge != "" {
			obs.Metadata["charge_id"] = intent.LatestCharge
		}
	case intentCanceled:
		// final on the provider side, same outcome as the canceled webhook
		obs.Status = domain.StatusFailed
		obs.Metadata = map[string]interface{}{"intent_status": intent.Status}
	}
	return obs
}

type webhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object PaymentIntent `json:"object"`
	} `json:"data"`
}

// ParseCallback verifies the signature header and maps intent events onto
// observations. Other event types are ignored.
func (c *CardProvider) ParseCallback(_ context.Context, header http.Header, body []byte) (*domain.Observation, error) {
	if err := c.verifySignature(header.Get(SignatureHeader), body); err != nil {
		return nil, &domain.Error{Kind: domain.KindUnauthorized, Message: "invalid card webhook signature", Err: err}
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, domain.NewValidationError(fmt.Sprintf("failed to parse card webhook: %v", err), nil)
	}

	intent := &event.Data.Object
	var obs *domain.Observation
	switch event.Type {
	case eventSucceeded:
		obs = observe(intent)
		obs.Status = domain.StatusCompleted
	case eventFailed, eventCanceled:
		obs = &domain.Observation{Reference: intent.ID, Status: domain.StatusFailed, ResultCode: intent.Status}
		obs.Metadata = map[string]interface{}{"intent_status": intent.Status}
		if intent.LastPaymentError != nil {
			obs.Metadata["failure_code"] = intent.LastPaymentError.Code
			obs.Metadata["failure_message"] = intent.LastPaymentError.Message
			obs.ResultDesc = intent.LastPaymentError.Message
		}
	default:
		return nil, nil
	}
	if obs.Metadata == nil {
		obs.Metadata = map[string]interface{}{}
	}
	obs.Metadata["webhook_event_id"] = event.ID
	return obs, nil
}

// verifySignature checks a header of the form t=<unix>,v1=<hex hmac> where the
// HMAC-SHA256 covers "<t>.<body>".
func (c *CardProvider) verifySignature(header string, body []byte) error {
	if c.config.WebhookSecret == "" {
		return fmt.Errorf("webhook secret not configured")
	}
	if header == "" {
		return fmt.Errorf("missing %s header", SignatureHeader)
	}

	var (
		timestamp  string
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return fmt.Errorf("malformed signature header")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("bad signature timestamp: %w", err)
	}
	if age := c.now().Sub(time.Unix(ts, 0)); age > c.tolerance || age < -c.tolerance {
		return fmt.Errorf("signature timestamp outside tolerance")
	}

	expected := Sign(c.config.WebhookSecret, timestamp, body)
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return fmt.Errorf("no matching signature")
}

// Sign computes the v1 signature for a webhook payload.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *CardProvider) send(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	var body *strings.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	} else {
		body = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.SecretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	return provider.Do(c.httpClient, req, out)
}

// redactIntent drops the client secret before the response reaches the audit log.
func redactIntent(intent PaymentIntent) map[string]interface{} {
	intent.ClientSecret = ""
	return provider.ToMap(intent)
}
