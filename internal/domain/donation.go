// internal/domain/donation.go
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Currency string
type Rail string
type DonationStatus string

const (
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
	CurrencyGBP Currency = "GBP"
	CurrencyKES Currency = "KES"
)

const (
	RailCard           Rail = "card"
	RailWalletRedirect Rail = "wallet_redirect"
	RailMobilePush     Rail = "mobile_push"
	RailManualTransfer Rail = "manual_transfer"
)

const (
	StatusPending   DonationStatus = "pending"
	StatusCompleted DonationStatus = "completed"
	StatusFailed    DonationStatus = "failed"
	StatusRefunded  DonationStatus = "refunded"
)

// Field limits for donor-supplied free text.
const (
	MaxDisplayNameLength = 100
	MaxMessageLength     = 500
	MaxEmailLength       = 254
)

// MinAmount is the smallest accepted donation in any currency.
var MinAmount = decimal.NewFromInt(1)

var supportedCurrencies = map[Currency]bool{
	CurrencyUSD: true,
	CurrencyEUR: true,
	CurrencyGBP: true,
	CurrencyKES: true,
}

var supportedRails = map[Rail]bool{
	RailCard:           true,
	RailWalletRedirect: true,
	RailMobilePush:     true,
	RailManualTransfer: true,
}

func (c Currency) Valid() bool { return supportedCurrencies[c] }

func (r Rail) Valid() bool { return supportedRails[r] }

// Donation is a single ledger entry. Everything except Status,
// ProviderMetadata, DonorEmail and UpdatedAt is fixed at creation.
type Donation struct {
	ID                string                 `json:"id" db:"id"`
	OwnerID           string                 `json:"owner_id" db:"owner_id"`
	Amount            decimal.Decimal        `json:"amount" db:"amount"`
	Currency          Currency               `json:"currency" db:"currency"`
	Rail              Rail                   `json:"rail" db:"rail"`
	ProviderReference string                 `json:"provider_reference" db:"provider_reference"`
	Status            DonationStatus         `json:"status" db:"status"`
	DonorDisplayName  *string                `json:"donor_display_name,omitempty" db:"donor_display_name"`
	DonorEmail        *string                `json:"donor_email,omitempty" db:"donor_email"`
	Message           *string                `json:"message,omitempty" db:"message"`
	IsAnonymous       bool                   `json:"is_anonymous" db:"is_anonymous"`
	ProviderMetadata  map[string]interface{} `json:"provider_metadata,omitempty" db:"provider_metadata"`
	CreatedAt         time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep-enough copy for handing records across the store
// boundary; metadata maps are copied so callers cannot mutate stored state.
func (d *Donation) Clone() *Donation {
	if d == nil {
		return nil
	}
	cp := *d
	cp.DonorDisplayName = cloneString(d.DonorDisplayName)
	cp.DonorEmail = cloneString(d.DonorEmail)
	cp.Message = cloneString(d.Message)
	cp.ProviderMetadata = MergeMetadata(nil, d.ProviderMetadata)
	return &cp
}

// DonorFields are the optional, donor-supplied fields captured at initiation.
type DonorFields struct {
	DisplayName string `json:"donor_name" validate:"omitempty,max=100"`
	Email       string `json:"donor_email" validate:"omitempty,email,max=254"`
	Message     string `json:"message" validate:"omitempty,max=500"`
	IsAnonymous bool   `json:"is_anonymous"`
}

// InitiateRequest is the rail-agnostic initiation input. OwnerID comes from
// the auth collaborator, never from the request body.
type InitiateRequest struct {
	OwnerID     string          `json:"-" validate:"required"`
	Rail        Rail            `json:"rail" validate:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    Currency        `json:"currency" validate:"required"`
	PhoneNumber string          `json:"phone_number,omitempty"`
	Donor       DonorFields     `json:"donor"`
}

// NewDonation builds the pending ledger entry for a successful initiation.
func NewDonation(id string, req *InitiateRequest, reference string, metadata map[string]interface{}, now time.Time) *Donation {
	return &Donation{
		ID:                id,
		OwnerID:           req.OwnerID,
		Amount:            req.Amount,
		Currency:          req.Currency,
		Rail:              req.Rail,
		ProviderReference: reference,
		Status:            StatusPending,
		DonorDisplayName:  optionalString(req.Donor.DisplayName),
		DonorEmail:        optionalString(req.Donor.Email),
		Message:           optionalString(req.Donor.Message),
		IsAnonymous:       req.Donor.IsAnonymous,
		ProviderMetadata:  MergeMetadata(nil, metadata),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// MergeMetadata returns a new map holding every key of existing plus the keys
// of extra that existing does not already have. Existing keys are never
// overwritten.
func MergeMetadata(existing, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(existing)+len(extra))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range extra {
		if _, ok := out[k]; ok {
			continue
		}
		out[k] = v
	}
	return out
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
