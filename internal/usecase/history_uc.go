// internal/usecase/history_uc.go
package usecase

import (
	"context"
	"errors"
	"sort"

	"donation-service/internal/domain"
	"donation-service/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HistoryUsecase serves read views. It never writes.
type HistoryUsecase struct {
	donations      repository.DonationRepository
	providerEvents repository.ProviderEventRepository
	logger         *zap.Logger
}

func NewHistoryUsecase(
	donations repository.DonationRepository,
	providerEvents repository.ProviderEventRepository,
	logger *zap.Logger,
) *HistoryUsecase {
	return &HistoryUsecase{donations: donations, providerEvents: providerEvents, logger: logger}
}

// ListHistory returns one page of the owner's donations, newest first,
// without provider metadata.
func (uc *HistoryUsecase) ListHistory(ctx context.Context, ownerID string, page, pageSize int) (*domain.HistoryPage, error) {
	page, pageSize = domain.NormalizePage(page, pageSize)

	records, total, err := uc.donations.ListByOwner(ctx, ownerID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, domain.NewLedgerUnavailableError(err)
	}

	views := make([]domain.DonationView, 0, len(records))
	for _, d := range records {
		views = append(views, d.View(domain.ViewOptions{OwnerView: true}))
	}
	return &domain.HistoryPage{
		Donations:  views,
		Pagination: domain.NewPagination(page, pageSize, total),
	}, nil
}

// GetStats aggregates completed donations only. Totals add amounts as
// recorded; ByCurrency keeps the per-currency split.
func (uc *HistoryUsecase) GetStats(ctx context.Context, ownerID string) (*domain.DonationStats, error) {
	rows, err := uc.donations.CompletedTotals(ctx, ownerID)
	if err != nil {
		return nil, domain.NewLedgerUnavailableError(err)
	}
	return buildStats(rows), nil
}

func buildStats(rows []repository.TotalsRow) *domain.DonationStats {
	stats := &domain.DonationStats{
		TotalAmount:     decimal.Zero,
		AverageDonation: decimal.Zero,
		Currencies:      []domain.Currency{},
		PaymentMethods:  []domain.Rail{},
		ByCurrency:      []domain.CurrencyTotal{},
	}

	byCurrency := map[domain.Currency]*domain.CurrencyTotal{}
	rails := map[domain.Rail]bool{}
	for _, row := range rows {
		stats.TotalAmount = stats.TotalAmount.Add(row.Total)
		stats.TotalDonations += row.Count
		rails[row.Rail] = true

		ct, ok := byCurrency[row.Currency]
		if !ok {
			ct = &domain.CurrencyTotal{Currency: row.Currency, Total: decimal.Zero}
			byCurrency[row.Currency] = ct
		}
		ct.Total = ct.Total.Add(row.Total)
		ct.Count += row.Count
	}

	if stats.TotalDonations > 0 {
		stats.AverageDonation = stats.TotalAmount.
			Div(decimal.NewFromInt(int64(stats.TotalDonations))).
			Round(2)
	}

	for currency, ct := range byCurrency {
		stats.Currencies = append(stats.Currencies, currency)
		stats.ByCurrency = append(stats.ByCurrency, *ct)
	}
	for rail := range rails {
		stats.PaymentMethods = append(stats.PaymentMethods, rail)
	}
	sort.Slice(stats.Currencies, func(i, j int) bool { return stats.Currencies[i] < stats.Currencies[j] })
	sort.Slice(stats.ByCurrency, func(i, j int) bool { return stats.ByCurrency[i].Currency < stats.ByCurrency[j].Currency })
	sort.Slice(stats.PaymentMethods, func(i, j int) bool { return stats.PaymentMethods[i] < stats.PaymentMethods[j] })
	return stats
}

// AdminDonation is the operator view of one donation.
type AdminDonation struct {
	Donation domain.DonationView     `json:"donation"`
	OwnerID  string                  `json:"owner_id"`
	Events   []*domain.ProviderEvent `json:"provider_events"`
}

// GetDonation returns the full record, provider metadata and audit trail
// included.
func (uc *HistoryUsecase) GetDonation(ctx context.Context, reference string) (*AdminDonation, error) {
	d, err := uc.donations.GetByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownReference) {
			return nil, err
		}
		return nil, domain.NewLedgerUnavailableError(err)
	}

	events, err := uc.providerEvents.ListByReference(ctx, reference)
	if err != nil {
		uc.logger.Warn("failed to load provider events",
			zap.String("provider_reference", reference),
			zap.Error(err))
		events = nil
	}
	if events == nil {
		events = []*domain.ProviderEvent{}
	}

	return &AdminDonation{
		Donation: d.View(domain.ViewOptions{OwnerView: true, IncludeMetadata: true}),
		OwnerID:  d.OwnerID,
		Events:   events,
	}, nil
}
