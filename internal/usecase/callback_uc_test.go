package usecase

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"donation-service/config"
	"donation-service/internal/domain"
	"donation-service/internal/provider"
	"donation-service/internal/provider/mpesa"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const stkSuccessCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "CallbackMetadata": {
        "Item": [
          {"Name": "Amount", "Value": 100},
          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
          {"Name": "TransactionDate", "Value": 20191219102115},
          {"Name": "PhoneNumber", "Value": 254708374149}
        ]
      }
    }
  }
}`

const stkCancelledCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 1032,
      "ResultDesc": "Request cancelled by user"
    }
  }
}`

const stkReference = "ws_CO_191220191020363925"

func newCallbackUC(env *testEnv, retryDelay time.Duration, adapters ...provider.Adapter) *CallbackUsecase {
	return NewCallbackUsecase(provider.NewRegistry(adapters...), env.engine, env.events, retryDelay, zap.NewNop())
}

func mpesaAdapter() *mpesa.MpesaProvider {
	return mpesa.NewMpesaProvider(config.MpesaConfig{}, http.DefaultClient, zap.NewNop())
}

func TestMpesaCallbackSuccess(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	d := pendingDonation("user-1", stkReference, domain.RailMobilePush)
	d.ProviderMetadata = map[string]interface{}{"phone_number": "254708374149", "merchant_request_id": "29115-34620561-1"}
	require.NoError(t, env.engine.RecordInitiated(ctx, d))

	uc := newCallbackUC(env, time.Millisecond, mpesaAdapter())
	require.NoError(t, uc.Process(ctx, domain.RailMobilePush, http.Header{}, []byte(stkSuccessCallback)))

	stored, err := env.donations.GetByReference(ctx, stkReference)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	assert.Equal(t, "NLJ7RT61SV", stored.ProviderMetadata["mpesa_receipt_number"])
	assert.Equal(t, "20191219102115", stored.ProviderMetadata["transaction_date"])
	assert.Equal(t, "29115-34620561-1", stored.ProviderMetadata["merchant_request_id"])

	events, err := env.events.ListByReference(ctx, stkReference)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventCallback, events[0].EventType)
	assert.Equal(t, "0", events[0].ResultCode)
}

func TestMpesaCallbackFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.engine.RecordInitiated(ctx, pendingDonation("user-1", stkReference, domain.RailMobilePush)))

	uc := newCallbackUC(env, time.Millisecond, mpesaAdapter())
	require.NoError(t, uc.Process(ctx, domain.RailMobilePush, http.Header{}, []byte(stkCancelledCallback)))

	stored, err := env.donations.GetByReference(ctx, stkReference)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, "1032", stored.ProviderMetadata["result_code"])
	assert.Equal(t, "Request cancelled by user", stored.ProviderMetadata["result_desc"])
}

func TestCallbackAfterConfirmIsNoOp(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.engine.RecordInitiated(ctx, pendingDonation("user-1", stkReference, domain.RailMobilePush)))
	_, err := env.engine.ApplyTerminal(ctx, domain.TerminalSignal{Reference: stkReference, Status: domain.StatusFailed, Source: domain.SourcePoll})
	require.NoError(t, err)

	uc := newCallbackUC(env, time.Millisecond, mpesaAdapter())
	require.NoError(t, uc.Process(ctx, domain.RailMobilePush, http.Header{}, []byte(stkSuccessCallback)))

	stored, err := env.donations.GetByReference(ctx, stkReference)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status, "first terminal signal wins")
}

func TestCallbackBeforeRecordIsRetriedOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	uc := newCallbackUC(env, 100*time.Millisecond, mpesaAdapter())

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = env.engine.RecordInitiated(context.Background(), pendingDonation("user-1", stkReference, domain.RailMobilePush))
	}()

	require.NoError(t, uc.Process(ctx, domain.RailMobilePush, http.Header{}, []byte(stkSuccessCallback)))

	stored, err := env.donations.GetByReference(ctx, stkReference)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
}

func TestCallbackForUnknownReferenceIsDropped(t *testing.T) {
	env := newTestEnv(t, nil)
	uc := newCallbackUC(env, time.Millisecond, mpesaAdapter())

	err := uc.Process(context.Background(), domain.RailMobilePush, http.Header{}, []byte(stkSuccessCallback))
	assert.NoError(t, err)

	_, err = env.donations.GetByReference(context.Background(), stkReference)
	assert.ErrorIs(t, err, domain.ErrUnknownReference)
}

func TestCallbackRetryHonoursContext(t *testing.T) {
	env := newTestEnv(t, nil)
	uc := newCallbackUC(env, time.Hour, mpesaAdapter())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := uc.Process(ctx, domain.RailMobilePush, http.Header{}, []byte(stkSuccessCallback))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallbackParseErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	rejecting := NewMockAdapter(domain.RailCard)
	rejecting.CallbackFn = func(context.Context, http.Header, []byte) (*domain.Observation, error) {
		return nil, &domain.Error{Kind: domain.KindUnauthorized, Message: "bad signature"}
	}
	uc := newCallbackUC(env, time.Millisecond, rejecting)

	err := uc.Process(context.Background(), domain.RailCard, http.Header{}, []byte(`{}`))
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	err = uc.Process(context.Background(), domain.RailWalletRedirect, http.Header{}, []byte(`{}`))
	assert.ErrorIs(t, err, domain.ErrUnsupportedRail)
}

func TestIgnoredCallbackEvent(t *testing.T) {
	env := newTestEnv(t, nil)
	uc := newCallbackUC(env, time.Millisecond, NewMockAdapter(domain.RailCard))

	assert.NoError(t, uc.Process(context.Background(), domain.RailCard, http.Header{}, []byte(`{"type":"charge.refunded"}`)))
}

func TestCallbackLedgerFailurePropagates(t *testing.T) {
	env := newTestEnv(t, &FailingRepository{DonationRepository: nil, FailTransition: true})
	uc := newCallbackUC(env, time.Millisecond, mpesaAdapter())

	err := uc.Process(context.Background(), domain.RailMobilePush, http.Header{}, []byte(stkSuccessCallback))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrLedgerUnavailable))
}
