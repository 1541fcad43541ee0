// internal/provider/mpesa/mpesa.go
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"donation-service/config"
	"donation-service/internal/domain"
	"donation-service/internal/provider"

	"go.uber.org/zap"
)

const (
	timestampLayout = "20060102150405"

	resultSuccess         = "0"
	resultCancelledByUser = "1032"

	// errorCode returned by the query API while the push is still unanswered.
	errQueryStillProcessing = "500.001.1001"
)

var phonePattern = regexp.MustCompile(`^254[0-9]{9}$`)

type MpesaProvider struct {
	config     config.MpesaConfig
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

func NewMpesaProvider(cfg config.MpesaConfig, httpClient *http.Client, logger *zap.Logger) *MpesaProvider {
	return &MpesaProvider{
		config:     cfg,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
}

func (m *MpesaProvider) Rail() domain.Rail { return domain.RailMobilePush }

// NormalizePhone strips formatting and checks the 254XXXXXXXXX shape the STK
// API requires.
func NormalizePhone(raw string) (string, bool) {
	phone := strings.NewReplacer(" ", "", "-", "", "+", "").Replace(strings.TrimSpace(raw))
	return phone, phonePattern.MatchString(phone)
}

// ============================================
// STK PUSH (Lipa Na M-Pesa Online)
// ============================================

type STKPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// Initiate sends the push prompt to the donor's phone. A "0" response only
// means the prompt was delivered, not that the donor paid.
func (m *MpesaProvider) Initiate(ctx context.Context, req *domain.InitiateRequest) (*provider.Initiation, error) {
	if req.Currency != domain.CurrencyKES {
		return nil, domain.NewValidationError("mobile push donations must be in KES",
			map[string]string{"currency": "must be KES"})
	}
	phone, ok := NormalizePhone(req.PhoneNumber)
	if !ok {
		return nil, domain.NewValidationError("invalid phone number",
			map[string]string{"phone_number": "must match 254XXXXXXXXX"})
	}

	token, err := m.getAccessToken(ctx)
	if err != nil {
		return nil, provider.Classify(m.Rail(), fmt.Errorf("failed to get access token: %w", err))
	}

	timestamp, password := m.credentials()
	request := STKPushRequest{
		BusinessShortCode: m.config.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            req.Amount.Round(0).IntPart(),
		PartyA:            phone,
		PartyB:            m.config.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       m.config.CallbackURL,
		AccountReference:  m.config.AccountRef,
		TransactionDesc:   m.config.Description,
	}

	var response STKPushResponse
	if err := m.makeRequest(ctx, http.MethodPost, "/mpesa/stkpush/v1/processrequest", token, request, &response); err != nil {
		return nil, provider.Classify(m.Rail(), err)
	}

	if response.ResponseCode != resultSuccess || response.CheckoutRequestID == "" {
		m.logger.Warn("STK push rejected",
			zap.String("response_code", response.ResponseCode),
			zap.String("response_description", response.ResponseDescription))
		return nil, domain.NewProviderRejectedError(m.Rail(), response.ResponseDescription)
	}

	m.logger.Info("STK push sent",
		zap.String("checkout_request_id", response.CheckoutRequestID),
		zap.String("merchant_request_id", response.MerchantRequestID))

	return &provider.Initiation{
		Reference: response.CheckoutRequestID,
		Status:    domain.StatusPending,
		Message:   response.CustomerMessage,
		Metadata: map[string]interface{}{
			"phone_number":        phone,
			"merchant_request_id": response.MerchantRequestID,
		},
		Raw: provider.ToMap(response),
	}, nil
}

// ============================================
// STK QUERY
// ============================================

type STKQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type STKQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

type apiError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// QueryStatus asks Daraja for the outcome of a push. Each call derives a fresh
// password and token.
func (m *MpesaProvider) QueryStatus(ctx context.Context, reference string) (*domain.Observation, error) {
	token, err := m.getAccessToken(ctx)
	if err != nil {
		return nil, provider.ClassifyQuery(m.Rail(), fmt.Errorf("failed to get access token: %w", err))
	}

	timestamp, password := m.credentials()
	request := STKQueryRequest{
		BusinessShortCode: m.config.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: reference,
	}

	var response STKQueryResponse
	err = m.makeRequest(ctx, http.MethodPost, "/mpesa/stkpushquery/v1/query", token, request, &response)
	if err != nil {
		var se *provider.StatusError
		if errors.As(err, &se) {
			var apiErr apiError
			if json.Unmarshal(se.Body, &apiErr) == nil && apiErr.ErrorCode == errQueryStillProcessing {
				return &domain.Observation{
					Reference:  reference,
					Status:     domain.StatusPending,
					ResultCode: apiErr.ErrorCode,
					ResultDesc: apiErr.ErrorMessage,
				}, nil
			}
		}
		return nil, provider.ClassifyQuery(m.Rail(), err)
	}

	obs := &domain.Observation{
		Reference:  reference,
		Status:     domain.StatusPending,
		ResultCode: response.ResultCode,
		ResultDesc: response.ResultDesc,
	}
	if response.ResponseCode != resultSuccess {
		return obs, nil
	}

	obs.Metadata = map[string]interface{}{
		"result_code": response.ResultCode,
		"result_desc": response.ResultDesc,
	}
	switch response.ResultCode {
	case resultSuccess:
		obs.Status = domain.StatusCompleted
	case resultCancelledByUser:
		obs.Status = domain.StatusFailed
		obs.Metadata["cancelled_by_user"] = true
	default:
		obs.Status = domain.StatusFailed
	}
	return obs, nil
}

// ============================================
// STK CALLBACK
// ============================================

type STKCallbackRequest struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string      `json:"Name"`
					Value interface{} `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// callbackFields maps Daraja item names onto metadata keys.
var callbackFields = map[string]string{
	"MpesaReceiptNumber": "mpesa_receipt_number",
	"Amount":             "amount",
	"PhoneNumber":        "phone_number",
	"TransactionDate":    "transaction_date",
}

// ParseCallback decodes the STK result callback. Daraja does not sign
// callbacks; the reference must still match a pending record to have effect.
func (m *MpesaProvider) ParseCallback(_ context.Context, _ http.Header, payload []byte) (*domain.Observation, error) {
	var callback STKCallbackRequest
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&callback); err != nil {
		return nil, domain.NewValidationError(fmt.Sprintf("failed to parse callback: %v", err), nil)
	}

	stk := callback.Body.StkCallback
	if stk.CheckoutRequestID == "" {
		return nil, domain.NewValidationError("callback missing CheckoutRequestID", nil)
	}

	obs := &domain.Observation{
		Reference:  stk.CheckoutRequestID,
		ResultCode: fmt.Sprintf("%d", stk.ResultCode),
		ResultDesc: stk.ResultDesc,
		Metadata:   map[string]interface{}{},
	}

	if stk.ResultCode != 0 {
		obs.Status = domain.StatusFailed
		obs.Metadata["result_code"] = obs.ResultCode
		obs.Metadata["result_desc"] = stk.ResultDesc
		return obs, nil
	}

	obs.Status = domain.StatusCompleted
	for _, item := range stk.CallbackMetadata.Item {
		if key, ok := callbackFields[item.Name]; ok {
			obs.Metadata[key] = itemString(item.Value)
		}
	}
	return obs, nil
}

func itemString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}

// ============================================
// HELPERS
// ============================================

// credentials derives the per-request timestamp and password.
func (m *MpesaProvider) credentials() (timestamp, password string) {
	timestamp = m.now().Format(timestampLayout)
	password = base64.StdEncoding.EncodeToString([]byte(m.config.ShortCode + m.config.Passkey + timestamp))
	return timestamp, password
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (m *MpesaProvider) getAccessToken(ctx context.Context) (string, error) {
	url := m.baseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}

	auth := base64.StdEncoding.EncodeToString([]byte(m.config.ConsumerKey + ":" + m.config.ConsumerSecret))
	req.Header.Set("Authorization", "Basic "+auth)

	var token tokenResponse
	if err := provider.Do(m.httpClient, req, &token); err != nil {
		return "", err
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("empty access token")
	}
	return token.AccessToken, nil
}

func (m *MpesaProvider) makeRequest(ctx context.Context, method, path, token string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	return provider.Do(m.httpClient, req, out)
}
