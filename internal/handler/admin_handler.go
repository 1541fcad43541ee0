package handler

import (
	"net/http"
	"time"

	"donation-service/internal/domain"
	"donation-service/internal/middleware"
	"donation-service/internal/usecase"
	"donation-service/pkg/response"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.uber.org/zap"
)

// AdminHandler serves operator endpoints. Routes are mounted behind
// RequireAdmin.
type AdminHandler struct {
	historyUC  *usecase.HistoryUsecase
	reconcile  *usecase.ReconcileUsecase
	staleAfter time.Duration
	logger     *zap.Logger
}

func NewAdminHandler(historyUC *usecase.HistoryUsecase, reconcile *usecase.ReconcileUsecase, staleAfter time.Duration, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		historyUC:  historyUC,
		reconcile:  reconcile,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// GetDonation handles GET /api/v1/admin/donations/{reference}
func (h *AdminHandler) GetDonation(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")

	d, err := h.historyUC.GetDonation(r.Context(), reference)
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, d)
}

type refundRequest struct {
	Reason string `json:"reason"`
}

// RefundDonation handles POST /api/v1/admin/donations/{reference}/refund
func (h *AdminHandler) RefundDonation(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	actor, _ := middleware.GetUserID(r.Context())

	var req refundRequest
	if err := render.DecodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		response.DomainError(w, r, domain.NewValidationError("invalid JSON body", nil))
		return
	}
	if req.Reason == "" {
		response.DomainError(w, r, domain.NewValidationError("invalid refund request", map[string]string{"reason": "is required"}))
		return
	}

	d, err := h.reconcile.Refund(r.Context(), reference, req.Reason, actor)
	if err != nil {
		h.logger.Warn("refund failed",
			zap.String("provider_reference", reference),
			zap.String("actor", actor),
			zap.Error(err))
		response.DomainError(w, r, err)
		return
	}

	h.logger.Info("donation refunded",
		zap.String("provider_reference", reference),
		zap.String("actor", actor))
	response.JSON(w, r, http.StatusOK, d.View(domain.ViewOptions{OwnerView: true, IncludeMetadata: true}))
}

type expireRequest struct {
	OlderThan string `json:"older_than"`
	Limit     int    `json:"limit"`
}

// ExpireStale handles POST /api/v1/admin/reconcile/expire
func (h *AdminHandler) ExpireStale(w http.ResponseWriter, r *http.Request) {
	var req expireRequest
	if r.ContentLength != 0 {
		if err := render.DecodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
			response.DomainError(w, r, domain.NewValidationError("invalid JSON body", nil))
			return
		}
	}

	olderThan := h.staleAfter
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil || d <= 0 {
			response.DomainError(w, r, domain.NewValidationError("invalid expire request",
				map[string]string{"older_than": "must be a positive duration such as 24h"}))
			return
		}
		olderThan = d
	}

	result, err := h.reconcile.ExpireStalePending(r.Context(), olderThan, req.Limit)
	if err != nil {
		response.DomainError(w, r, err)
		return
	}

	h.logger.Info("stale pending donations expired",
		zap.Duration("older_than", olderThan),
		zap.Int("examined", result.Examined),
		zap.Int("expired", len(result.Expired)))
	response.JSON(w, r, http.StatusOK, result)
}
