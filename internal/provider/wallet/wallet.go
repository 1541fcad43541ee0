// internal/provider/wallet/wallet.go
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"donation-service/config"
	"donation-service/internal/domain"
	"donation-service/internal/provider"

	"go.uber.org/zap"
)

const (
	stateApproved = "approved"
	stateFailed   = "failed"

	eventSaleCompleted = "PAYMENT.SALE.COMPLETED"
	eventSaleDenied    = "PAYMENT.SALE.DENIED"

	verificationSuccess = "SUCCESS"
)

var supportedCurrencies = map[domain.Currency]bool{
	domain.CurrencyUSD: true,
	domain.CurrencyEUR: true,
	domain.CurrencyGBP: true,
}

// WalletProvider drives the redirect flow: create a sale, send the payer to
// the approval URL, then execute once they return. It is never polled.
type WalletProvider struct {
	config     config.WalletConfig
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewWalletProvider(cfg config.WalletConfig, httpClient *http.Client, logger *zap.Logger) *WalletProvider {
	return &WalletProvider{
		config:     cfg,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

func (w *WalletProvider) Rail() domain.Rail { return domain.RailWalletRedirect }

type amount struct {
	Total    string `json:"total"`
	Currency string `json:"currency"`
}

type createPaymentRequest struct {
	Intent       string `json:"intent"`
	Payer        payer  `json:"payer"`
	RedirectURLs struct {
		ReturnURL string `json:"return_url"`
		CancelURL string `json:"cancel_url"`
	} `json:"redirect_urls"`
	Transactions []transaction `json:"transactions"`
}

type payer struct {
	PaymentMethod string `json:"payment_method,omitempty"`
	PayerInfo     *struct {
		Email   string `json:"email"`
		PayerID string `json:"payer_id"`
	} `json:"payer_info,omitempty"`
}

type transaction struct {
	Amount           amount            `json:"amount"`
	Description      string            `json:"description,omitempty"`
	RelatedResources []relatedResource `json:"related_resources,omitempty"`
}

type relatedResource struct {
	Sale *struct {
		ID    string `json:"id"`
		State string `json:"state"`
	} `json:"sale,omitempty"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

// Payment is the provider's payment resource.
type Payment struct {
	ID           string        `json:"id"`
	Intent       string        `json:"intent"`
	State        string        `json:"state"`
	Payer        payer         `json:"payer"`
	Transactions []transaction `json:"transactions"`
	Links        []link        `json:"links"`
}

func (p *Payment) approvalURL() string {
	for _, l := range p.Links {
		if l.Rel == "approval_url" {
			return l.Href
		}
	}
	return ""
}

func (p *Payment) saleID() string {
	for _, t := range p.Transactions {
		for _, r := range t.RelatedResources {
			if r.Sale != nil && r.Sale.ID != "" {
				return r.Sale.ID
			}
		}
	}
	return ""
}

func (w *WalletProvider) Initiate(ctx context.Context, req *domain.InitiateRequest) (*provider.Initiation, error) {
	if !supportedCurrencies[req.Currency] {
		return nil, domain.NewValidationError("wallet donations support USD, EUR and GBP",
			map[string]string{"currency": "unsupported for wallet_redirect"})
	}

	token, err := w.getAccessToken(ctx)
	if err != nil {
		return nil, provider.Classify(w.Rail(), fmt.Errorf("failed to get access token: %w", err))
	}

	body := createPaymentRequest{
		Intent: "sale",
		Payer:  payer{PaymentMethod: "paypal"},
		Transactions: []transaction{{
			Amount:      amount{Total: req.Amount.StringFixed(2), Currency: string(req.Currency)},
			Description: "Donation",
		}},
	}
	body.RedirectURLs.ReturnURL = w.config.ReturnURL
	body.RedirectURLs.CancelURL = w.config.CancelURL

	var payment Payment
	if err := w.makeRequest(ctx, http.MethodPost, "/v1/payments/payment", token, body, &payment); err != nil {
		return nil, provider.Classify(w.Rail(), err)
	}

	approval := payment.approvalURL()
	if payment.ID == "" || approval == "" {
		return nil, domain.NewProviderUnavailableError(w.Rail(), fmt.Errorf("payment response missing id or approval url"))
	}

	w.logger.Info("wallet payment created",
		zap.String("payment_id", payment.ID),
		zap.String("state", payment.State))

	return &provider.Initiation{
		Reference:   payment.ID,
		Status:      domain.StatusPending,
		RedirectURL: approval,
		Raw:         provider.ToMap(payment),
	}, nil
}

// Execute captures an approved payment. A provider decline is reported as a
// failed observation; transport errors leave the payment undecided.
func (w *WalletProvider) Execute(ctx context.Context, reference, payerID string) (*domain.Observation, error) {
	if payerID == "" {
		return nil, domain.NewValidationError("payer_id is required", map[string]string{"payer_id": "required"})
	}

	token, err := w.getAccessToken(ctx)
	if err != nil {
		return nil, provider.Classify(w.Rail(), fmt.Errorf("failed to get access token: %w", err))
	}

	path := "/v1/payments/payment/" + url.PathEscape(reference) + "/execute"
	var payment Payment
	err = w.makeRequest(ctx, http.MethodPost, path, token, map[string]string{"payer_id": payerID}, &payment)
	if err != nil {
		var se *provider.StatusError
		if errors.As(err, &se) && se.Declined() {
			w.logger.Warn("wallet execute declined",
				zap.String("payment_id", reference),
				zap.Int("status_code", se.StatusCode))
			return &domain.Observation{
				Reference:  reference,
				Status:     domain.StatusFailed,
				ResultCode: fmt.Sprintf("%d", se.StatusCode),
				ResultDesc: provider.Classify(w.Rail(), err).Error(),
				Metadata: map[string]interface{}{
					"payer_id":      payerID,
					"execute_error": strings.TrimSpace(string(se.Body)),
				},
			}, nil
		}
		return nil, provider.Classify(w.Rail(), err)
	}

	obs := &domain.Observation{
		Reference:  reference,
		Status:     domain.StatusPending,
		ResultCode: payment.State,
		Metadata:   map[string]interface{}{"payer_id": payerID, "payment_state": payment.State},
	}
	switch payment.State {
	case stateApproved:
		obs.Status = domain.StatusCompleted
		if payment.Payer.PayerInfo != nil {
			obs.DonorEmail = payment.Payer.PayerInfo.Email
		}
		if sale := payment.saleID(); sale != "" {
			obs.Metadata["sale_id"] = sale
		}
	case stateFailed:
		obs.Status = domain.StatusFailed
	}
	return obs, nil
}

type webhookEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID            string `json:"id"`
		ParentPayment string `json:"parent_payment"`
		State         string `json:"state"`
		ReasonCode    string `json:"reason_code"`
	} `json:"resource"`
}

type verifyRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

type verifyResponse struct {
	VerificationStatus string `json:"verification_status"`
}

// ParseCallback has the provider verify the transmission, then maps sale
// events onto the parent payment's reference.
func (w *WalletProvider) ParseCallback(ctx context.Context, header http.Header, body []byte) (*domain.Observation, error) {
	if !json.Valid(body) {
		return nil, domain.NewValidationError("wallet webhook body is not JSON", nil)
	}
	if err := w.verifyWebhook(ctx, header, body); err != nil {
		return nil, err
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, domain.NewValidationError(fmt.Sprintf("failed to parse wallet webhook: %v", err), nil)
	}

	obs := &domain.Observation{
		Reference:  event.Resource.ParentPayment,
		ResultCode: event.Resource.State,
		Metadata: map[string]interface{}{
			"webhook_event_id": event.ID,
			"sale_id":          event.Resource.ID,
		},
	}
	switch event.EventType {
	case eventSaleCompleted:
		obs.Status = domain.StatusCompleted
	case eventSaleDenied:
		obs.Status = domain.StatusFailed
		if event.Resource.ReasonCode != "" {
			obs.Metadata["reason_code"] = event.Resource.ReasonCode
		}
	default:
		return nil, nil
	}
	if obs.Reference == "" {
		return nil, domain.NewValidationError("wallet webhook missing parent_payment", nil)
	}
	return obs, nil
}

func (w *WalletProvider) verifyWebhook(ctx context.Context, header http.Header, body []byte) error {
	if w.config.WebhookID == "" {
		return &domain.Error{Kind: domain.KindUnauthorized, Message: "wallet webhook id not configured"}
	}

	token, err := w.getAccessToken(ctx)
	if err != nil {
		return provider.Classify(w.Rail(), fmt.Errorf("failed to get access token: %w", err))
	}

	req := verifyRequest{
		AuthAlgo:         header.Get("PAYPAL-AUTH-ALGO"),
		CertURL:          header.Get("PAYPAL-CERT-URL"),
		TransmissionID:   header.Get("PAYPAL-TRANSMISSION-ID"),
		TransmissionSig:  header.Get("PAYPAL-TRANSMISSION-SIG"),
		TransmissionTime: header.Get("PAYPAL-TRANSMISSION-TIME"),
		WebhookID:        w.config.WebhookID,
		WebhookEvent:     json.RawMessage(body),
	}

	var resp verifyResponse
	if err := w.makeRequest(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", token, req, &resp); err != nil {
		return provider.Classify(w.Rail(), err)
	}
	if resp.VerificationStatus != verificationSuccess {
		return &domain.Error{
			Kind:    domain.KindUnauthorized,
			Message: "wallet webhook verification failed: " + resp.VerificationStatus,
		}
	}
	return nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (w *WalletProvider) getAccessToken(ctx context.Context) (string, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(w.config.ClientID, w.config.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var token tokenResponse
	if err := provider.Do(w.httpClient, req, &token); err != nil {
		return "", err
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("empty access token")
	}
	return token.AccessToken, nil
}

func (w *WalletProvider) makeRequest(ctx context.Context, method, path, token string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, w.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	return provider.Do(w.httpClient, req, out)
}
