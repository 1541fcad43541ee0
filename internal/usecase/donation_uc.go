// internal/usecase/donation_uc.go
package usecase

import (
	"context"
	"errors"
	"time"

	"donation-service/internal/domain"
	"donation-service/internal/metrics"
	"donation-service/internal/provider"
	"donation-service/internal/repository"
	"donation-service/pkg/utils"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// InitiateResult is returned to the donor after initiation. RedirectURL and
// ClientSecret are set only for the rails that use them.
type InitiateResult struct {
	DonationID   string                `json:"donation_id"`
	Reference    string                `json:"reference"`
	Rail         domain.Rail           `json:"rail"`
	Status       domain.DonationStatus `json:"status"`
	RedirectURL  string                `json:"redirect_url,omitempty"`
	ClientSecret string                `json:"client_secret,omitempty"`
	Message      string                `json:"message,omitempty"`
}

// DonationUsecase runs the donor-facing flows: initiate, confirm, execute and
// status refresh. Adapters talk to providers; every status write goes through
// the ReconcileUsecase.
type DonationUsecase struct {
	registry *provider.Registry
	engine   *ReconcileUsecase
	audit    *AuditLogger
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
}

func NewDonationUsecase(
	registry *provider.Registry,
	engine *ReconcileUsecase,
	providerEvents repository.ProviderEventRepository,
	logger *zap.Logger,
) *DonationUsecase {
	return &DonationUsecase{
		registry: registry,
		engine:   engine,
		audit:    NewAuditLogger(providerEvents, logger),
		validate: newValidator(),
		logger:   logger,
		now:      time.Now,
	}
}

func (uc *DonationUsecase) Initiate(ctx context.Context, req *domain.InitiateRequest) (*InitiateResult, error) {
	if err := validateInitiate(uc.validate, req); err != nil {
		return nil, err
	}

	adapter, err := uc.registry.Get(req.Rail)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	init, err := adapter.Initiate(ctx, req)
	observeProvider(req.Rail, "initiate", start, err)
	if err != nil {
		metrics.Initiations.WithLabelValues(string(req.Rail), string(domain.KindOf(err))).Inc()
		uc.logger.Warn("donation initiation failed",
			zap.String("owner_id", req.OwnerID),
			zap.String("rail", string(req.Rail)),
			zap.Error(err))
		return nil, err
	}

	uc.audit.Record(ctx, init.Reference, req.Rail, domain.EventInitiate, "", init.Raw)

	d := domain.NewDonation(utils.GenerateID("don"), req, init.Reference, init.Metadata, uc.now())
	if init.Status == domain.StatusCompleted {
		err = uc.engine.RecordAsserted(ctx, d)
	} else {
		err = uc.engine.RecordInitiated(ctx, d)
	}
	if err != nil {
		if errors.Is(err, domain.ErrLedgerUnavailable) {
			// The provider holds a live payment we failed to record.
			uc.logger.Error("orphaned provider reference: provider accepted payment but ledger write failed",
				zap.String("provider_reference", init.Reference),
				zap.String("rail", string(req.Rail)),
				zap.String("owner_id", req.OwnerID),
				zap.String("amount", req.Amount.String()),
				zap.String("currency", string(req.Currency)),
				zap.Error(err))
		}
		metrics.Initiations.WithLabelValues(string(req.Rail), string(domain.KindOf(err))).Inc()
		return nil, err
	}

	metrics.Initiations.WithLabelValues(string(req.Rail), "ok").Inc()
	return &InitiateResult{
		DonationID:   d.ID,
		Reference:    d.ProviderReference,
		Rail:         d.Rail,
		Status:       d.Status,
		RedirectURL:  init.RedirectURL,
		ClientSecret: init.ClientSecret,
		Message:      init.Message,
	}, nil
}

// Confirm re-reads a card payment after the client finished its side. A
// non-terminal provider answer leaves the donation pending.
func (uc *DonationUsecase) Confirm(ctx context.Context, ownerID, reference string) (*domain.Donation, error) {
	d, err := uc.owned(ctx, ownerID, reference)
	if err != nil {
		return nil, err
	}
	if d.Status.IsTerminal() {
		return d, nil
	}

	confirmer, ok := uc.registry.Confirmer(d.Rail)
	if !ok {
		return nil, domain.NewValidationError(string(d.Rail)+" donations cannot be confirmed", nil)
	}

	start := time.Now()
	obs, err := confirmer.Confirm(ctx, reference)
	observeProvider(d.Rail, "confirm", start, err)
	if err != nil {
		return nil, err
	}
	uc.audit.Record(ctx, reference, d.Rail, domain.EventConfirm, obs.ResultCode, obs.Metadata)

	return uc.applyObservation(ctx, d, obs, domain.SourceConfirm)
}

// Execute captures an approved wallet payment. A provider decline marks the
// donation failed and is reported to the caller as provider_rejected.
func (uc *DonationUsecase) Execute(ctx context.Context, ownerID, reference, payerID string) (*domain.Donation, error) {
	d, err := uc.owned(ctx, ownerID, reference)
	if err != nil {
		return nil, err
	}
	if d.Status.IsTerminal() {
		return d, nil
	}

	executor, ok := uc.registry.Executor(d.Rail)
	if !ok {
		return nil, domain.NewValidationError(string(d.Rail)+" donations cannot be executed", nil)
	}

	start := time.Now()
	obs, err := executor.Execute(ctx, reference, payerID)
	observeProvider(d.Rail, "execute", start, err)
	if err != nil {
		return nil, err
	}
	uc.audit.Record(ctx, reference, d.Rail, domain.EventExecute, obs.ResultCode, obs.Metadata)

	updated, err := uc.applyObservation(ctx, d, obs, domain.SourceConfirm)
	if err != nil {
		return nil, err
	}
	if obs.Status == domain.StatusFailed && updated.Status == domain.StatusFailed {
		return updated, domain.NewProviderRejectedError(d.Rail, obs.ResultDesc)
	}
	return updated, nil
}

// Status returns the owner's donation. With refresh set, a pending donation
// on a queryable rail is re-checked with the provider first; provider outages
// leave the stored status in place.
func (uc *DonationUsecase) Status(ctx context.Context, ownerID, reference string, refresh bool) (*domain.Donation, error) {
	d, err := uc.owned(ctx, ownerID, reference)
	if err != nil {
		return nil, err
	}
	if !refresh || d.Status.IsTerminal() {
		return d, nil
	}

	querier, ok := uc.registry.StatusQuerier(d.Rail)
	if !ok {
		return d, nil
	}

	start := time.Now()
	obs, err := querier.QueryStatus(ctx, reference)
	observeProvider(d.Rail, "query", start, err)
	if err != nil {
		if domain.IsRetryable(err) {
			uc.logger.Warn("status refresh failed, returning stored status",
				zap.String("provider_reference", reference),
				zap.Error(err))
			return d, nil
		}
		return nil, err
	}
	uc.audit.Record(ctx, reference, d.Rail, domain.EventQuery, obs.ResultCode, obs.Metadata)

	return uc.applyObservation(ctx, d, obs, domain.SourcePoll)
}

func (uc *DonationUsecase) applyObservation(ctx context.Context, d *domain.Donation, obs *domain.Observation, source domain.SignalSource) (*domain.Donation, error) {
	if !obs.Terminal() {
		return d, nil
	}
	if obs.Reference == "" {
		obs.Reference = d.ProviderReference
	}
	res, err := uc.engine.ApplyTerminal(ctx, obs.Signal(source))
	if err != nil {
		return nil, err
	}
	return res.Donation, nil
}

// owned loads a donation and checks it belongs to ownerID.
func (uc *DonationUsecase) owned(ctx context.Context, ownerID, reference string) (*domain.Donation, error) {
	d, err := uc.engine.QueryStatus(ctx, reference)
	if err != nil {
		return nil, err
	}
	if d.OwnerID != ownerID {
		return nil, &domain.Error{Kind: domain.KindForbidden, Message: "donation belongs to another user"}
	}
	return d, nil
}

func observeProvider(rail domain.Rail, operation string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = string(domain.KindOf(err))
		if result == "" {
			result = "error"
		}
	}
	metrics.ProviderDuration.WithLabelValues(string(rail), operation, result).Observe(time.Since(start).Seconds())
}
