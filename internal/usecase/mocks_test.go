package usecase

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"donation-service/internal/cache"
	"donation-service/internal/domain"
	"donation-service/internal/events"
	"donation-service/internal/provider"
	"donation-service/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrMockLedger = errors.New("mock ledger error")

// MockAdapter implements every provider capability with overridable funcs
// and counts calls.
type MockAdapter struct {
	mu         sync.Mutex
	RailValue  domain.Rail
	InitiateFn func(ctx context.Context, req *domain.InitiateRequest) (*provider.Initiation, error)
	ConfirmFn  func(ctx context.Context, ref string) (*domain.Observation, error)
	ExecuteFn  func(ctx context.Context, ref, payerID string) (*domain.Observation, error)
	QueryFn    func(ctx context.Context, ref string) (*domain.Observation, error)
	CallbackFn func(ctx context.Context, header http.Header, body []byte) (*domain.Observation, error)
	Calls      map[string]int
}

func NewMockAdapter(rail domain.Rail) *MockAdapter {
	return &MockAdapter{RailValue: rail, Calls: map[string]int{}}
}

func (m *MockAdapter) count(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls[op]++
}

func (m *MockAdapter) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[op]
}

func (m *MockAdapter) Rail() domain.Rail { return m.RailValue }

func (m *MockAdapter) Initiate(ctx context.Context, req *domain.InitiateRequest) (*provider.Initiation, error) {
	m.count("initiate")
	if m.InitiateFn != nil {
		return m.InitiateFn(ctx, req)
	}
	return &provider.Initiation{Reference: "ref_default", Status: domain.StatusPending}, nil
}

func (m *MockAdapter) Confirm(ctx context.Context, ref string) (*domain.Observation, error) {
	m.count("confirm")
	if m.ConfirmFn != nil {
		return m.ConfirmFn(ctx, ref)
	}
	return &domain.Observation{Reference: ref, Status: domain.StatusPending}, nil
}

func (m *MockAdapter) Execute(ctx context.Context, ref, payerID string) (*domain.Observation, error) {
	m.count("execute")
	if m.ExecuteFn != nil {
		return m.ExecuteFn(ctx, ref, payerID)
	}
	return &domain.Observation{Reference: ref, Status: domain.StatusPending}, nil
}

func (m *MockAdapter) QueryStatus(ctx context.Context, ref string) (*domain.Observation, error) {
	m.count("query")
	if m.QueryFn != nil {
		return m.QueryFn(ctx, ref)
	}
	return &domain.Observation{Reference: ref, Status: domain.StatusPending}, nil
}

func (m *MockAdapter) ParseCallback(ctx context.Context, header http.Header, body []byte) (*domain.Observation, error) {
	m.count("callback")
	if m.CallbackFn != nil {
		return m.CallbackFn(ctx, header, body)
	}
	return nil, nil
}

// MockPublisher records published events.
type MockPublisher struct {
	mu     sync.Mutex
	Events []events.StatusChanged
}

func (p *MockPublisher) Publish(_ context.Context, event events.StatusChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Events = append(p.Events, event)
	return nil
}

func (p *MockPublisher) Published() []events.StatusChanged {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.StatusChanged(nil), p.Events...)
}

// MockCache is a map-backed status cache.
type MockCache struct {
	mu    sync.Mutex
	items map[string]*domain.Donation
}

func NewMockCache() *MockCache { return &MockCache{items: map[string]*domain.Donation{}} }

func (c *MockCache) Get(_ context.Context, ref string) (*domain.Donation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.items[ref]
	return d.Clone(), ok
}

func (c *MockCache) Set(_ context.Context, d *domain.Donation) {
	if !d.Status.IsTerminal() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[d.ProviderReference] = d.Clone()
}

func (c *MockCache) Delete(_ context.Context, ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, ref)
}

var _ cache.StatusCache = (*MockCache)(nil)

// FailingRepository wraps a repository and fails selected operations.
type FailingRepository struct {
	repository.DonationRepository
	FailCreate     bool
	FailTransition bool
}

func (r *FailingRepository) Create(ctx context.Context, d *domain.Donation) error {
	if r.FailCreate {
		return ErrMockLedger
	}
	return r.DonationRepository.Create(ctx, d)
}

func (r *FailingRepository) Transition(ctx context.Context, ref string, from, to domain.DonationStatus, md map[string]interface{}, email string) (*domain.Donation, bool, error) {
	if r.FailTransition {
		return nil, false, ErrMockLedger
	}
	return r.DonationRepository.Transition(ctx, ref, from, to, md, email)
}

// testEnv bundles an engine over in-memory stores.
type testEnv struct {
	donations repository.DonationRepository
	events    repository.ProviderEventRepository
	cache     *MockCache
	publisher *MockPublisher
	engine    *ReconcileUsecase
}

func newTestEnv(t *testing.T, donations repository.DonationRepository) *testEnv {
	t.Helper()
	if donations == nil {
		donations = repository.NewMemoryDonationRepository()
	}
	env := &testEnv{
		donations: donations,
		events:    repository.NewMemoryProviderEventRepository(),
		cache:     NewMockCache(),
		publisher: &MockPublisher{},
	}
	env.engine = NewReconcileUsecase(env.donations, env.cache, env.publisher, zap.NewNop())
	return env
}

func pendingDonation(owner, ref string, rail domain.Rail) *domain.Donation {
	currency := domain.CurrencyUSD
	if rail == domain.RailMobilePush {
		currency = domain.CurrencyKES
	}
	return domain.NewDonation("don_"+ref, &domain.InitiateRequest{
		OwnerID:  owner,
		Rail:     rail,
		Amount:   decimal.NewFromInt(25),
		Currency: currency,
	}, ref, nil, testNow)
}
