// internal/usecase/reconcile_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"donation-service/internal/cache"
	"donation-service/internal/domain"
	"donation-service/internal/events"
	"donation-service/internal/metrics"
	"donation-service/internal/repository"

	"go.uber.org/zap"
)

// FailureReasonTimeout is recorded when reconciliation gives up on a pending
// donation.
const FailureReasonTimeout = "reconciliation_timeout"

// Outcome says what ApplyTerminal did with a signal.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeConflict  Outcome = "conflict"
)

type ApplyResult struct {
	Donation *domain.Donation
	Outcome  Outcome
}

type ExpireResult struct {
	Examined int      `json:"examined"`
	Expired  []string `json:"expired"`
}

// ReconcileUsecase owns every status write. Confirmation, callbacks, polling
// and admin actions all funnel through it.
type ReconcileUsecase struct {
	donations repository.DonationRepository
	cache     cache.StatusCache
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewReconcileUsecase(
	donations repository.DonationRepository,
	statusCache cache.StatusCache,
	publisher events.Publisher,
	logger *zap.Logger,
) *ReconcileUsecase {
	return &ReconcileUsecase{
		donations: donations,
		cache:     statusCache,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// RecordInitiated writes the pending entry for a freshly initiated payment.
func (uc *ReconcileUsecase) RecordInitiated(ctx context.Context, d *domain.Donation) error {
	if d.Status != domain.StatusPending {
		return domain.NewValidationError(fmt.Sprintf("initiated donation must be pending, got %s", d.Status), nil)
	}
	return uc.insert(ctx, d)
}

// RecordAsserted writes a manual-transfer donation directly as completed in a
// single insert; there is never a pending row for it.
func (uc *ReconcileUsecase) RecordAsserted(ctx context.Context, d *domain.Donation) error {
	if d.Rail != domain.RailManualTransfer {
		return domain.NewValidationError("only manual transfers can be recorded as asserted", nil)
	}
	d.Status = domain.StatusCompleted
	if err := uc.insert(ctx, d); err != nil {
		return err
	}

	metrics.Transitions.WithLabelValues(string(d.Rail), string(d.Status), string(domain.SourceManual), metrics.Verified(false)).Inc()
	uc.cache.Set(ctx, d)
	uc.publish(ctx, d, "", domain.SourceManual)
	return nil
}

func (uc *ReconcileUsecase) insert(ctx context.Context, d *domain.Donation) error {
	err := uc.donations.Create(ctx, d)
	if err == nil {
		uc.logger.Info("donation recorded",
			zap.String("donation_id", d.ID),
			zap.String("provider_reference", d.ProviderReference),
			zap.String("rail", string(d.Rail)),
			zap.String("status", string(d.Status)))
		return nil
	}
	if errors.Is(err, domain.ErrDuplicateReference) {
		uc.logger.Warn("duplicate provider reference",
			zap.String("provider_reference", d.ProviderReference),
			zap.String("rail", string(d.Rail)))
		return err
	}
	return domain.NewLedgerUnavailableError(err)
}

// ApplyTerminal moves a pending donation to the signalled terminal status.
// Repeating the current status is a no-op. A different terminal value is
// logged as a conflict and ignored; the first terminal signal wins and the
// call still succeeds.
func (uc *ReconcileUsecase) ApplyTerminal(ctx context.Context, sig domain.TerminalSignal) (*ApplyResult, error) {
	if !sig.Status.Valid() || !domain.CanTransition(domain.StatusPending, sig.Status) {
		return nil, domain.NewValidationError(fmt.Sprintf("%s is not a terminal provider outcome", sig.Status), nil)
	}
	if sig.Reference == "" {
		return nil, domain.NewValidationError("terminal signal without reference", nil)
	}

	d, applied, err := uc.transition(ctx, sig.Reference, domain.StatusPending, sig.Status, sig.Metadata, sig.DonorEmail)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownReference) {
			metrics.Signals.WithLabelValues(string(sig.Source), "unknown").Inc()
			return nil, err
		}
		if errors.Is(err, domain.ErrInvalidTransition) {
			return nil, err
		}
		return nil, domain.NewLedgerUnavailableError(err)
	}

	logFields := []zap.Field{
		zap.String("provider_reference", sig.Reference),
		zap.String("source", string(sig.Source)),
		zap.String("signal", string(sig.Status)),
		zap.String("status", string(d.Status)),
	}

	if applied {
		metrics.Signals.WithLabelValues(string(sig.Source), string(OutcomeApplied)).Inc()
		metrics.Transitions.WithLabelValues(string(d.Rail), string(d.Status), string(sig.Source), metrics.Verified(d.Rail != domain.RailManualTransfer)).Inc()
		uc.logger.Info("donation status updated", logFields...)
		uc.cache.Set(ctx, d)
		uc.publish(ctx, d, domain.StatusPending, sig.Source)
		return &ApplyResult{Donation: d, Outcome: OutcomeApplied}, nil
	}

	if d.Status == sig.Status || (d.Status == domain.StatusRefunded && sig.Status == domain.StatusCompleted) {
		metrics.Signals.WithLabelValues(string(sig.Source), string(OutcomeDuplicate)).Inc()
		uc.logger.Debug("terminal signal already applied", logFields...)
		return &ApplyResult{Donation: d, Outcome: OutcomeDuplicate}, nil
	}

	conflict := domain.NewConflictingSignalError(sig.Reference, d.Status, sig.Status)
	metrics.Signals.WithLabelValues(string(sig.Source), string(OutcomeConflict)).Inc()
	uc.logger.Warn("conflicting terminal signal ignored", append(logFields, zap.Error(conflict))...)
	return &ApplyResult{Donation: d, Outcome: OutcomeConflict}, nil
}

// QueryStatus is read-only. Terminal records are served from the cache.
func (uc *ReconcileUsecase) QueryStatus(ctx context.Context, reference string) (*domain.Donation, error) {
	if d, ok := uc.cache.Get(ctx, reference); ok {
		return d, nil
	}

	d, err := uc.donations.GetByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownReference) {
			return nil, err
		}
		return nil, domain.NewLedgerUnavailableError(err)
	}
	uc.cache.Set(ctx, d)
	return d, nil
}

// Refund is the administrative completed -> refunded transition. Refunding an
// already refunded donation returns it unchanged.
func (uc *ReconcileUsecase) Refund(ctx context.Context, reference, reason, actor string) (*domain.Donation, error) {
	metadata := map[string]interface{}{
		"refund_reason": reason,
		"refunded_by":   actor,
		"refunded_at":   uc.now().UTC().Format(time.RFC3339),
	}

	d, applied, err := uc.transition(ctx, reference, domain.StatusCompleted, domain.StatusRefunded, metadata, "")
	if err != nil {
		if errors.Is(err, domain.ErrUnknownReference) || errors.Is(err, domain.ErrInvalidTransition) {
			return nil, err
		}
		return nil, domain.NewLedgerUnavailableError(err)
	}

	if !applied {
		if d.Status == domain.StatusRefunded {
			return d, nil
		}
		return nil, domain.NewInvalidTransitionError(reference, d.Status, domain.StatusRefunded)
	}

	metrics.Transitions.WithLabelValues(string(d.Rail), string(d.Status), string(domain.SourceAdmin), metrics.Verified(true)).Inc()
	uc.logger.Info("donation refunded",
		zap.String("provider_reference", reference),
		zap.String("actor", actor),
		zap.String("reason", reason))
	uc.cache.Set(ctx, d)
	uc.publish(ctx, d, domain.StatusCompleted, domain.SourceAdmin)
	return d, nil
}

// ExpireStalePending gives up on donations that stayed pending longer than
// olderThan and marks them failed through the same conditional update as
// provider signals, so a late success that lands first still wins.
func (uc *ReconcileUsecase) ExpireStalePending(ctx context.Context, olderThan time.Duration, limit int) (*ExpireResult, error) {
	if olderThan <= 0 {
		return nil, domain.NewValidationError("older_than must be positive", nil)
	}
	if limit <= 0 {
		limit = 100
	}

	cutoff := uc.now().Add(-olderThan)
	stale, err := uc.donations.ListPendingBefore(ctx, cutoff, limit)
	if err != nil {
		return nil, domain.NewLedgerUnavailableError(err)
	}

	result := &ExpireResult{Examined: len(stale), Expired: []string{}}
	for _, d := range stale {
		res, err := uc.ApplyTerminal(ctx, domain.TerminalSignal{
			Reference: d.ProviderReference,
			Status:    domain.StatusFailed,
			Source:    domain.SourceExpiry,
			Metadata: map[string]interface{}{
				"failure_reason": FailureReasonTimeout,
				"expired_at":     uc.now().UTC().Format(time.RFC3339),
			},
		})
		if err != nil {
			return result, err
		}
		if res.Outcome == OutcomeApplied {
			result.Expired = append(result.Expired, d.ProviderReference)
		}
	}

	uc.logger.Info("stale pending donations expired",
		zap.Time("cutoff", cutoff),
		zap.Int("examined", result.Examined),
		zap.Int("expired", len(result.Expired)))
	return result, nil
}

// transition is the single path to the conditional ledger update. Edges
// outside the lifecycle never reach the repository.
func (uc *ReconcileUsecase) transition(
	ctx context.Context,
	reference string,
	from, to domain.DonationStatus,
	metadata map[string]interface{},
	donorEmail string,
) (*domain.Donation, bool, error) {
	if !domain.CanTransition(from, to) {
		return nil, false, domain.NewInvalidTransitionError(reference, from, to)
	}
	return uc.donations.Transition(ctx, reference, from, to, metadata, donorEmail)
}

func (uc *ReconcileUsecase) publish(ctx context.Context, d *domain.Donation, from domain.DonationStatus, source domain.SignalSource) {
	event := events.NewStatusChanged(d, from, source, d.Rail != domain.RailManualTransfer)
	if err := uc.publisher.Publish(ctx, event); err != nil {
		uc.logger.Error("failed to publish status event",
			zap.String("provider_reference", d.ProviderReference),
			zap.Error(err))
	}
}
