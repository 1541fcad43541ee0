// internal/handler/donation_handler.go
package handler

import (
	"net/http"
	"strconv"

	"donation-service/internal/domain"
	"donation-service/internal/middleware"
	"donation-service/internal/usecase"
	"donation-service/pkg/response"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.uber.org/zap"
)

type DonationHandler struct {
	donationUC *usecase.DonationUsecase
	historyUC  *usecase.HistoryUsecase
	logger     *zap.Logger
}

func NewDonationHandler(donationUC *usecase.DonationUsecase, historyUC *usecase.HistoryUsecase, logger *zap.Logger) *DonationHandler {
	return &DonationHandler{
		donationUC: donationUC,
		historyUC:  historyUC,
		logger:     logger,
	}
}

// InitiateDonation handles POST /api/v1/donations
func (h *DonationHandler) InitiateDonation(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req domain.InitiateRequest
	if err := render.DecodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		response.DomainError(w, r, domain.NewValidationError("invalid JSON body", nil))
		return
	}
	req.OwnerID = ownerID

	result, err := h.donationUC.Initiate(r.Context(), &req)
	if err != nil {
		h.logError("initiate donation failed", ownerID, "", err)
		response.DomainError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Status == domain.StatusPending {
		status = http.StatusAccepted
	}
	response.JSON(w, r, status, result)
}

// ConfirmDonation handles POST /api/v1/donations/{reference}/confirm
func (h *DonationHandler) ConfirmDonation(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := middleware.GetUserID(r.Context())
	reference := chi.URLParam(r, "reference")

	d, err := h.donationUC.Confirm(r.Context(), ownerID, reference)
	if err != nil {
		h.logError("confirm donation failed", ownerID, reference, err)
		response.DomainError(w, r, err)
		return
	}
	if d.Status == domain.StatusPending {
		response.DomainErrorWithData(w, r, domain.NewValidationError("payment not completed yet", nil), ownerView(d))
		return
	}
	response.JSON(w, r, http.StatusOK, ownerView(d))
}

type executeRequest struct {
	PayerID string `json:"payer_id"`
}

// ExecuteDonation handles POST /api/v1/donations/{reference}/execute
func (h *DonationHandler) ExecuteDonation(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := middleware.GetUserID(r.Context())
	reference := chi.URLParam(r, "reference")

	var req executeRequest
	if err := render.DecodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		response.DomainError(w, r, domain.NewValidationError("invalid JSON body", nil))
		return
	}

	d, err := h.donationUC.Execute(r.Context(), ownerID, reference, req.PayerID)
	if err != nil {
		h.logError("execute donation failed", ownerID, reference, err)
		if d != nil {
			response.DomainErrorWithData(w, r, err, ownerView(d))
			return
		}
		response.DomainError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, ownerView(d))
}

// GetStatus handles GET /api/v1/donations/{reference}/status
func (h *DonationHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := middleware.GetUserID(r.Context())
	reference := chi.URLParam(r, "reference")
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))

	d, err := h.donationUC.Status(r.Context(), ownerID, reference, refresh)
	if err != nil {
		h.logError("get donation status failed", ownerID, reference, err)
		response.DomainError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, ownerView(d))
}

// GetHistory handles GET /api/v1/donations/history?page=&limit=
func (h *DonationHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := middleware.GetUserID(r.Context())
	q := r.URL.Query()

	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit == 0 {
		limit, _ = strconv.Atoi(q.Get("page_size"))
	}

	history, err := h.historyUC.ListHistory(r.Context(), ownerID, page, limit)
	if err != nil {
		h.logError("list donation history failed", ownerID, "", err)
		response.DomainError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, history)
}

// GetStats handles GET /api/v1/donations/stats
func (h *DonationHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := middleware.GetUserID(r.Context())

	stats, err := h.historyUC.GetStats(r.Context(), ownerID)
	if err != nil {
		h.logError("get donation stats failed", ownerID, "", err)
		response.DomainError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, stats)
}

func (h *DonationHandler) logError(msg, ownerID, reference string, err error) {
	fields := []zap.Field{zap.String("owner_id", ownerID), zap.Error(err)}
	if reference != "" {
		fields = append(fields, zap.String("provider_reference", reference))
	}
	if domain.HTTPStatus(err) >= http.StatusInternalServerError {
		h.logger.Error(msg, fields...)
		return
	}
	h.logger.Debug(msg, fields...)
}

func ownerView(d *domain.Donation) domain.DonationView {
	return d.View(domain.ViewOptions{OwnerView: true})
}
