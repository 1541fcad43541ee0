// internal/repository/memory.go
package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"donation-service/internal/domain"

	"github.com/shopspring/decimal"
)

// MemoryOption configures the in-memory stores.
type MemoryOption func(*memoryClock)

type memoryClock struct {
	now func() time.Time
}

// WithClock overrides the time source used for updated_at and created_at.
func WithClock(now func() time.Time) MemoryOption {
	return func(c *memoryClock) { c.now = now }
}

func newClock(opts []MemoryOption) memoryClock {
	c := memoryClock{now: time.Now}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// memoryDonationRepo is a process-local ledger. The mutex makes every
// Transition a compare-and-set on status, matching the conditional UPDATE of
// the Postgres store.
type memoryDonationRepo struct {
	mu    sync.RWMutex
	clock memoryClock
	byRef map[string]*domain.Donation
}

func NewMemoryDonationRepository(opts ...MemoryOption) DonationRepository {
	return &memoryDonationRepo{
		clock: newClock(opts),
		byRef: make(map[string]*domain.Donation),
	}
}

func (r *memoryDonationRepo) Create(_ context.Context, d *domain.Donation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byRef[d.ProviderReference]; exists {
		return domain.NewDuplicateReferenceError(d.ProviderReference)
	}

	now := r.clock.now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}
	if d.ProviderMetadata == nil {
		d.ProviderMetadata = map[string]interface{}{}
	}
	r.byRef[d.ProviderReference] = d.Clone()
	return nil
}

func (r *memoryDonationRepo) GetByReference(_ context.Context, reference string) (*domain.Donation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byRef[reference]
	if !ok {
		return nil, domain.NewUnknownReferenceError(reference)
	}
	return d.Clone(), nil
}

func (r *memoryDonationRepo) Transition(
	_ context.Context,
	reference string,
	from, to domain.DonationStatus,
	metadata map[string]interface{},
	donorEmail string,
) (*domain.Donation, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byRef[reference]
	if !ok {
		return nil, false, domain.NewUnknownReferenceError(reference)
	}
	if d.Status != from {
		return d.Clone(), false, nil
	}

	d.Status = to
	d.ProviderMetadata = domain.MergeMetadata(d.ProviderMetadata, metadata)
	if d.DonorEmail == nil && donorEmail != "" {
		email := donorEmail
		d.DonorEmail = &email
	}
	d.UpdatedAt = r.clock.now()
	return d.Clone(), true, nil
}

func (r *memoryDonationRepo) ListByOwner(_ context.Context, ownerID string, limit, offset int) ([]*domain.Donation, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owned := r.filter(func(d *domain.Donation) bool { return d.OwnerID == ownerID })
	sort.Slice(owned, func(i, j int) bool {
		if owned[i].CreatedAt.Equal(owned[j].CreatedAt) {
			return owned[i].ID > owned[j].ID
		}
		return owned[i].CreatedAt.After(owned[j].CreatedAt)
	})

	total := len(owned)
	if offset >= total {
		return []*domain.Donation{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}

	out := make([]*domain.Donation, 0, end-offset)
	for _, d := range owned[offset:end] {
		out = append(out, d.Clone())
	}
	return out, total, nil
}

func (r *memoryDonationRepo) CompletedTotals(_ context.Context, ownerID string) ([]TotalsRow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type bucket struct {
		currency domain.Currency
		rail     domain.Rail
	}
	sums := map[bucket]*TotalsRow{}
	for _, d := range r.byRef {
		if d.OwnerID != ownerID || d.Status != domain.StatusCompleted {
			continue
		}
		key := bucket{d.Currency, d.Rail}
		row, ok := sums[key]
		if !ok {
			row = &TotalsRow{Currency: d.Currency, Rail: d.Rail, Total: decimal.Zero}
			sums[key] = row
		}
		row.Count++
		row.Total = row.Total.Add(d.Amount)
	}

	out := make([]TotalsRow, 0, len(sums))
	for _, row := range sums {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Currency == out[j].Currency {
			return out[i].Rail < out[j].Rail
		}
		return out[i].Currency < out[j].Currency
	})
	return out, nil
}

func (r *memoryDonationRepo) ListPendingBefore(_ context.Context, cutoff time.Time, limit int) ([]*domain.Donation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stale := r.filter(func(d *domain.Donation) bool {
		return d.Status == domain.StatusPending && d.CreatedAt.Before(cutoff)
	})
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	if len(stale) > limit {
		stale = stale[:limit]
	}

	out := make([]*domain.Donation, 0, len(stale))
	for _, d := range stale {
		out = append(out, d.Clone())
	}
	return out, nil
}

// filter must be called with r.mu held.
func (r *memoryDonationRepo) filter(keep func(*domain.Donation) bool) []*domain.Donation {
	var out []*domain.Donation
	for _, d := range r.byRef {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}

type memoryProviderEventRepo struct {
	mu     sync.Mutex
	clock  memoryClock
	nextID int64
	events []*domain.ProviderEvent
}

func NewMemoryProviderEventRepository(opts ...MemoryOption) ProviderEventRepository {
	return &memoryProviderEventRepo{clock: newClock(opts)}
}

func (r *memoryProviderEventRepo) Create(_ context.Context, event *domain.ProviderEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	event.ID = r.nextID
	event.CreatedAt = r.clock.now()

	cp := *event
	cp.Payload = domain.MergeMetadata(nil, event.Payload)
	r.events = append(r.events, &cp)
	return nil
}

func (r *memoryProviderEventRepo) ListByReference(_ context.Context, reference string) ([]*domain.ProviderEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.ProviderEvent
	for _, ev := range r.events {
		if ev.Reference == reference {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}
