// internal/handler/callback_handler.go
package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"donation-service/internal/domain"
	"donation-service/internal/usecase"
	"donation-service/pkg/response"

	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type CallbackHandler struct {
	callbackUC     *usecase.CallbackUsecase
	processTimeout time.Duration
	logger         *zap.Logger

	// background callback processing started after the provider was acked
	inflight sync.WaitGroup
}

func NewCallbackHandler(callbackUC *usecase.CallbackUsecase, processTimeout time.Duration, logger *zap.Logger) *CallbackHandler {
	return &CallbackHandler{
		callbackUC:     callbackUC,
		processTimeout: processTimeout,
		logger:         logger,
	}
}

// HandleMpesaSTKCallback acknowledges immediately and processes in the
// background; M-Pesa does not retry on our failures anyway.
func (h *CallbackHandler) HandleMpesaSTKCallback(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("received M-Pesa STK callback", zap.String("remote_addr", r.RemoteAddr))

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Error("failed to read callback payload", zap.Error(err))
		h.sendMpesaResponse(w, "1", "Failed to read payload")
		return
	}

	header := r.Header.Clone()
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		// the request context is cancelled once we respond
		ctx, cancel := context.WithTimeout(context.Background(), h.processTimeout)
		defer cancel()

		if err := h.callbackUC.Process(ctx, domain.RailMobilePush, header, payload); err != nil {
			h.logger.Error("failed to process M-Pesa STK callback", zap.Error(err))
		}
	}()

	h.sendMpesaResponse(w, "0", "Success")
}

// Wait blocks until background callback processing has finished or ctx is
// done. Call it after the HTTP server has stopped accepting requests.
func (h *CallbackHandler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleCardWebhook processes synchronously so that a failure reaches the
// provider as a non-2xx and gets redelivered.
func (h *CallbackHandler) HandleCardWebhook(w http.ResponseWriter, r *http.Request) {
	h.handleSync(w, r, domain.RailCard)
}

func (h *CallbackHandler) HandleWalletWebhook(w http.ResponseWriter, r *http.Request) {
	h.handleSync(w, r, domain.RailWalletRedirect)
}

func (h *CallbackHandler) handleSync(w http.ResponseWriter, r *http.Request, rail domain.Rail) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		response.DomainError(w, r, domain.NewValidationError("failed to read payload", nil))
		return
	}

	if err := h.callbackUC.Process(r.Context(), rail, r.Header, payload); err != nil {
		h.logger.Warn("webhook processing failed",
			zap.String("rail", string(rail)),
			zap.Error(err))
		response.DomainError(w, r, err)
		return
	}
	response.Message(w, r, http.StatusOK, "received", nil)
}

func (h *CallbackHandler) sendMpesaResponse(w http.ResponseWriter, resultCode, resultDesc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := map[string]string{
		"ResultCode": resultCode,
		"ResultDesc": resultDesc,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode callback response", zap.Error(err))
	}
}
