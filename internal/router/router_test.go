package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"donation-service/config"
	"donation-service/internal/cache"
	"donation-service/internal/domain"
	"donation-service/internal/events"
	"donation-service/internal/handler"
	authmw "donation-service/internal/middleware"
	"donation-service/internal/provider"
	"donation-service/internal/provider/manual"
	"donation-service/internal/provider/mpesa"
	"donation-service/internal/repository"
	"donation-service/internal/usecase"
	"donation-service/pkg/jwtutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubVerifier map[string]*jwtutil.Claims

func (s stubVerifier) ParseAndValidate(token string) (*jwtutil.Claims, error) {
	if c, ok := s[token]; ok {
		return c, nil
	}
	return nil, jwtutil.ErrInvalidToken
}

// fakeCard stands in for the card processor: intents are numbered and
// Confirm reports whatever status the test last set.
type fakeCard struct {
	mu      sync.Mutex
	created int
	status  domain.DonationStatus
}

func (f *fakeCard) setStatus(s domain.DonationStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

func (f *fakeCard) Rail() domain.Rail { return domain.RailCard }

func (f *fakeCard) Initiate(_ context.Context, req *domain.InitiateRequest) (*provider.Initiation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return &provider.Initiation{
		Reference:    fmt.Sprintf("pi_test_%d", f.created),
		Status:       domain.StatusPending,
		ClientSecret: "secret",
	}, nil
}

func (f *fakeCard) Confirm(_ context.Context, ref string) (*domain.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &domain.Observation{Reference: ref, Status: f.status, DonorEmail: "receipt@example.com"}, nil
}

func (f *fakeCard) ParseCallback(_ context.Context, header http.Header, body []byte) (*domain.Observation, error) {
	if header.Get("Stripe-Signature") == "" {
		return nil, &domain.Error{Kind: domain.KindUnauthorized, Message: "invalid card webhook signature"}
	}
	var event struct {
		ID     string                `json:"id"`
		Status domain.DonationStatus `json:"status"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, domain.NewValidationError("bad body", nil)
	}
	return &domain.Observation{Reference: event.ID, Status: event.Status}, nil
}

type testServer struct {
	*httptest.Server
	card      *fakeCard
	engine    *usecase.ReconcileUsecase
	callbacks *handler.CallbackHandler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithPublisher(t, events.NewNopPublisher())
}

func newTestServerWithPublisher(t *testing.T, publisher events.Publisher) *testServer {
	t.Helper()
	logger := zap.NewNop()

	donations := repository.NewMemoryDonationRepository()
	providerEvents := repository.NewMemoryProviderEventRepository()
	engine := usecase.NewReconcileUsecase(donations, cache.NewNopStatusCache(), publisher, logger)

	card := &fakeCard{status: domain.StatusPending}
	registry := provider.NewRegistry(
		card,
		manual.NewManualProvider(config.ManualConfig{RecipientName: "Jane"}, logger),
		mpesa.NewMpesaProvider(config.MpesaConfig{}, provider.NewHTTPClient(time.Second), logger),
	)

	donationUC := usecase.NewDonationUsecase(registry, engine, providerEvents, logger)
	historyUC := usecase.NewHistoryUsecase(donations, providerEvents, logger)
	callbackUC := usecase.NewCallbackUsecase(registry, engine, providerEvents, 10*time.Millisecond, logger)

	auth := authmw.NewAuthMiddleware(stubVerifier{
		"donor": {UserID: "u1"},
		"other": {UserID: "u2"},
		"admin": {UserID: "ops", Role: jwtutil.RoleAdmin},
	}, logger)

	callbacks := handler.NewCallbackHandler(callbackUC, 5*time.Second, logger)
	h := SetupRoutes(Handlers{
		Donation: handler.NewDonationHandler(donationUC, historyUC, logger),
		Admin:    handler.NewAdminHandler(historyUC, engine, 24*time.Hour, logger),
		Callback: callbacks,
	}, auth, nil, logger)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, card: card, engine: engine, callbacks: callbacks}
}

type apiResponse struct {
	Success   bool              `json:"success"`
	Message   string            `json:"message"`
	ErrorKind string            `json:"error_kind"`
	Fields    map[string]string `json:"fields"`
	Data      json.RawMessage   `json:"data"`
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) (int, apiResponse) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestHealthAndAuth(t *testing.T) {
	s := newTestServer(t)

	resp, err := s.Client().Get(s.URL + "/api/v1/donations/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	code, out := s.do(t, http.MethodGet, "/api/v1/donations/history", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "No token provided", out.Message)

	code, _ = s.do(t, http.MethodGet, "/api/v1/donations/history", "forged", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, out = s.do(t, http.MethodGet, "/api/v1/admin/donations/pi_test_1", "donor", nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "Admin access required", out.Message)
}

func TestCardDonationLifecycle(t *testing.T) {
	s := newTestServer(t)

	code, out := s.do(t, http.MethodPost, "/api/v1/donations", "donor", map[string]interface{}{
		"rail":     "card",
		"amount":   "25.00",
		"currency": "USD",
		"donor":    map[string]interface{}{"donor_name": "Ada", "is_anonymous": true},
	})
	require.Equal(t, http.StatusAccepted, code, out.Message)
	initiated := decode[usecase.InitiateResult](t, out.Data)
	assert.Equal(t, "pi_test_1", initiated.Reference)
	assert.Equal(t, domain.StatusPending, initiated.Status)
	assert.Equal(t, "secret", initiated.ClientSecret)

	// still pending at the processor
	code, out = s.do(t, http.MethodPost, "/api/v1/donations/pi_test_1/confirm", "donor", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "payment not completed yet", out.Message)
	assert.Equal(t, domain.StatusPending, decode[domain.DonationView](t, out.Data).Status)

	s.card.setStatus(domain.StatusCompleted)
	code, out = s.do(t, http.MethodPost, "/api/v1/donations/pi_test_1/confirm", "donor", nil)
	require.Equal(t, http.StatusOK, code, out.Message)
	view := decode[domain.DonationView](t, out.Data)
	assert.Equal(t, domain.StatusCompleted, view.Status)
	require.NotNil(t, view.DonorEmail)
	assert.Equal(t, "receipt@example.com", *view.DonorEmail)
	assert.Equal(t, "Ada", *view.DonorName)

	code, out = s.do(t, http.MethodGet, "/api/v1/donations/pi_test_1/status", "other", nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "forbidden", out.ErrorKind)

	code, out = s.do(t, http.MethodGet, "/api/v1/donations/pi_missing/status", "donor", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "unknown_reference", out.ErrorKind)

	// operator view carries metadata and the audit trail, then refunds
	code, out = s.do(t, http.MethodGet, "/api/v1/admin/donations/pi_test_1", "admin", nil)
	require.Equal(t, http.StatusOK, code)
	admin := decode[usecase.AdminDonation](t, out.Data)
	assert.Equal(t, "u1", admin.OwnerID)
	assert.NotEmpty(t, admin.Events)

	code, out = s.do(t, http.MethodPost, "/api/v1/admin/donations/pi_test_1/refund", "admin", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, out.Fields, "reason")

	code, out = s.do(t, http.MethodPost, "/api/v1/admin/donations/pi_test_1/refund", "admin", map[string]string{"reason": "chargeback"})
	require.Equal(t, http.StatusOK, code, out.Message)
	refunded := decode[domain.DonationView](t, out.Data)
	assert.Equal(t, domain.StatusRefunded, refunded.Status)
	assert.Equal(t, "chargeback", refunded.ProviderMetadata["refund_reason"])
}

func TestInitiateValidationErrors(t *testing.T) {
	s := newTestServer(t)

	code, out := s.do(t, http.MethodPost, "/api/v1/donations", "donor", map[string]interface{}{
		"rail":     "card",
		"amount":   "0.5",
		"currency": "JPY",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation", out.ErrorKind)
	assert.Contains(t, out.Fields, "amount")
	assert.Contains(t, out.Fields, "currency")

	code, out = s.do(t, http.MethodPost, "/api/v1/donations", "donor", map[string]interface{}{
		"rail":     "wallet_redirect",
		"amount":   "10",
		"currency": "USD",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "unsupported_rail", out.ErrorKind)
}

func TestManualDonationHistoryAndStats(t *testing.T) {
	s := newTestServer(t)

	for _, amount := range []string{"10", "20.50"} {
		code, out := s.do(t, http.MethodPost, "/api/v1/donations", "donor", map[string]interface{}{
			"rail":     "manual_transfer",
			"amount":   amount,
			"currency": "KES",
		})
		require.Equal(t, http.StatusCreated, code, out.Message)
		assert.Equal(t, domain.StatusCompleted, decode[usecase.InitiateResult](t, out.Data).Status)
	}

	code, out := s.do(t, http.MethodGet, "/api/v1/donations/history?page=1&limit=1", "donor", nil)
	require.Equal(t, http.StatusOK, code)
	page := decode[domain.HistoryPage](t, out.Data)
	assert.Len(t, page.Donations, 1)
	assert.Equal(t, domain.Pagination{Page: 1, PageSize: 1, Total: 2, Pages: 2}, page.Pagination)
	assert.Nil(t, page.Donations[0].ProviderMetadata)

	code, out = s.do(t, http.MethodGet, "/api/v1/donations/stats", "donor", nil)
	require.Equal(t, http.StatusOK, code)
	stats := decode[domain.DonationStats](t, out.Data)
	assert.Equal(t, 2, stats.TotalDonations)
	assert.True(t, stats.TotalAmount.Equal(decimal.RequireFromString("30.5")))
	assert.Equal(t, []domain.Rail{domain.RailManualTransfer}, stats.PaymentMethods)

	code, out = s.do(t, http.MethodGet, "/api/v1/donations/stats", "other", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Zero(t, decode[domain.DonationStats](t, out.Data).TotalDonations)
}

func TestMpesaCallbackAcksAndApplies(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	d := domain.NewDonation("don_1", &domain.InitiateRequest{
		OwnerID:  "u1",
		Rail:     domain.RailMobilePush,
		Amount:   decimal.NewFromInt(100),
		Currency: domain.CurrencyKES,
	}, "ws_CO_1", nil, time.Now())
	require.NoError(t, s.engine.RecordInitiated(ctx, d))

	payload := `{"Body":{"stkCallback":{"MerchantRequestID":"m1","CheckoutRequestID":"ws_CO_1","ResultCode":0,"ResultDesc":"ok","CallbackMetadata":{"Item":[{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"}]}}}}`
	resp, err := s.Client().Post(s.URL+"/api/v1/callbacks/mpesa/stk", "application/json", bytes.NewBufferString(payload))
	require.NoError(t, err)
	var ack map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]string{"ResultCode": "0", "ResultDesc": "Success"}, ack)

	require.NoError(t, s.callbacks.Wait(ctx))

	got, err := s.engine.QueryStatus(ctx, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, "NLJ7RT61SV", got.ProviderMetadata["mpesa_receipt_number"])

	// unparseable payloads are still acknowledged
	resp, err = s.Client().Post(s.URL+"/api/v1/callbacks/mpesa/stk", "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

type countingPublisher struct {
	mu sync.Mutex
	n  int
}

func (p *countingPublisher) Publish(context.Context, events.StatusChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	return nil
}

func (p *countingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

// Mirrors the shutdown order in cmd/server: stop HTTP, wait for acknowledged
// callbacks, then close the dispatcher.
func TestShutdownWaitsForAcknowledgedCallbacks(t *testing.T) {
	sink := &countingPublisher{}
	dispatcher := events.NewDispatcher(sink, 16, time.Second, zap.NewNop())
	s := newTestServerWithPublisher(t, dispatcher)
	ctx := context.Background()

	d := domain.NewDonation("don_late", &domain.InitiateRequest{
		OwnerID:  "u1",
		Rail:     domain.RailMobilePush,
		Amount:   decimal.NewFromInt(50),
		Currency: domain.CurrencyKES,
	}, "ws_CO_late", nil, time.Now())
	require.NoError(t, s.engine.RecordInitiated(ctx, d))

	payload := `{"Body":{"stkCallback":{"MerchantRequestID":"m1","CheckoutRequestID":"ws_CO_late","ResultCode":0,"ResultDesc":"ok","CallbackMetadata":{"Item":[{"Name":"MpesaReceiptNumber","Value":"QKX1AB2CD3"}]}}}}`
	resp, err := s.Client().Post(s.URL+"/api/v1/callbacks/mpesa/stk", "application/json", bytes.NewBufferString(payload))
	require.NoError(t, err)
	resp.Body.Close()

	s.Close()
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, s.callbacks.Wait(waitCtx))
	assert.NotPanics(t, dispatcher.Close)

	got, err := s.engine.QueryStatus(ctx, "ws_CO_late")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 1, sink.count())
}

func TestCardWebhook(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(t, http.MethodPost, "/api/v1/donations", "donor", map[string]interface{}{
		"rail": "card", "amount": "5", "currency": "USD",
	})
	require.Equal(t, http.StatusAccepted, code)

	post := func(signature string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, s.URL+"/api/v1/callbacks/card",
			bytes.NewBufferString(`{"id":"pi_test_1","status":"failed"}`))
		require.NoError(t, err)
		if signature != "" {
			req.Header.Set("Stripe-Signature", signature)
		}
		resp, err := s.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, post("").StatusCode)
	assert.Equal(t, http.StatusOK, post("t=1,v1=x").StatusCode)

	got, err := s.engine.QueryStatus(context.Background(), "pi_test_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)

	// redelivery is a no-op
	assert.Equal(t, http.StatusOK, post("t=1,v1=x").StatusCode)
}

func TestAdminExpireStale(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(t, http.MethodPost, "/api/v1/donations", "donor", map[string]interface{}{
		"rail": "card", "amount": "5", "currency": "USD",
	})
	require.Equal(t, http.StatusAccepted, code)

	code, out := s.do(t, http.MethodPost, "/api/v1/admin/reconcile/expire", "admin", map[string]interface{}{"older_than": "soon"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, out.Fields, "older_than")

	// default horizon is a day, nothing qualifies yet
	code, out = s.do(t, http.MethodPost, "/api/v1/admin/reconcile/expire", "admin", nil)
	require.Equal(t, http.StatusOK, code, out.Message)
	assert.Empty(t, decode[usecase.ExpireResult](t, out.Data).Expired)

	time.Sleep(5 * time.Millisecond)
	code, out = s.do(t, http.MethodPost, "/api/v1/admin/reconcile/expire", "admin", map[string]interface{}{"older_than": "1ms"})
	require.Equal(t, http.StatusOK, code, out.Message)
	assert.Equal(t, []string{"pi_test_1"}, decode[usecase.ExpireResult](t, out.Data).Expired)

	code, out = s.do(t, http.MethodGet, "/api/v1/donations/pi_test_1/status", "donor", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, domain.StatusFailed, decode[domain.DonationView](t, out.Data).Status)
}
