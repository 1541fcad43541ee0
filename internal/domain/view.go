package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AnonymousDisplayName replaces the donor name of anonymous donations in
// views rendered for anyone other than the owner.
const AnonymousDisplayName = "Anonymous"

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// DonationView is the read-side projection of a Donation.
type DonationView struct {
	ID               string                 `json:"id"`
	Reference        string                 `json:"reference"`
	Amount           decimal.Decimal        `json:"amount"`
	Currency         Currency               `json:"currency"`
	Rail             Rail                   `json:"rail"`
	Status           DonationStatus         `json:"status"`
	DonorName        *string                `json:"donor_name,omitempty"`
	DonorEmail       *string                `json:"donor_email,omitempty"`
	Message          *string                `json:"message,omitempty"`
	IsAnonymous      bool                   `json:"is_anonymous"`
	ProviderMetadata map[string]interface{} `json:"provider_metadata,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// ViewOptions controls which fields a view exposes.
type ViewOptions struct {
	// OwnerView is true when the reader is the donation's owner.
	OwnerView bool
	// IncludeMetadata exposes provider metadata (admin views).
	IncludeMetadata bool
}

func (d *Donation) View(opts ViewOptions) DonationView {
	v := DonationView{
		ID:          d.ID,
		Reference:   d.ProviderReference,
		Amount:      d.Amount,
		Currency:    d.Currency,
		Rail:        d.Rail,
		Status:      d.Status,
		DonorName:   cloneString(d.DonorDisplayName),
		DonorEmail:  cloneString(d.DonorEmail),
		Message:     cloneString(d.Message),
		IsAnonymous: d.IsAnonymous,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
	if d.IsAnonymous && !opts.OwnerView {
		name := AnonymousDisplayName
		v.DonorName = &name
		v.DonorEmail = nil
	}
	if opts.IncludeMetadata {
		v.ProviderMetadata = MergeMetadata(nil, d.ProviderMetadata)
	}
	return v
}

// Pagination describes one page of a listing.
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"limit"`
	Total    int `json:"total"`
	Pages    int `json:"pages"`
}

// NewPagination clamps page and size to sane values and computes the page count.
func NewPagination(page, pageSize, total int) Pagination {
	page, pageSize = NormalizePage(page, pageSize)
	pages := 0
	if total > 0 {
		pages = (total + pageSize - 1) / pageSize
	}
	return Pagination{Page: page, PageSize: pageSize, Total: total, Pages: pages}
}

// NormalizePage applies the default size and bounds to a 1-based page request.
func NormalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}

type HistoryPage struct {
	Donations  []DonationView `json:"donations"`
	Pagination Pagination     `json:"pagination"`
}

// CurrencyTotal aggregates completed donations in a single currency.
type CurrencyTotal struct {
	Currency Currency        `json:"currency"`
	Total    decimal.Decimal `json:"total"`
	Count    int             `json:"count"`
}

// DonationStats summarizes an owner's completed donations. TotalAmount and
// AverageDonation add amounts as recorded, without currency conversion;
// ByCurrency carries the per-currency breakdown.
type DonationStats struct {
	TotalAmount     decimal.Decimal `json:"total_amount"`
	TotalDonations  int             `json:"total_donations"`
	AverageDonation decimal.Decimal `json:"average_donation"`
	Currencies      []Currency      `json:"currencies"`
	PaymentMethods  []Rail          `json:"payment_methods"`
	ByCurrency      []CurrencyTotal `json:"by_currency"`
}
