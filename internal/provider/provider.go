// internal/provider/provider.go
package provider

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"donation-service/internal/domain"
)

// Adapter is implemented by every payment rail.
type Adapter interface {
	Rail() domain.Rail
	// Initiate starts a payment with the provider. No ledger record exists
	// yet; the returned reference becomes its idempotency key.
	Initiate(ctx context.Context, req *domain.InitiateRequest) (*Initiation, error)
}

// Confirmer re-reads a payment synchronously after the client finished its
// side of the flow (card rail).
type Confirmer interface {
	Confirm(ctx context.Context, reference string) (*domain.Observation, error)
}

// Executor completes a redirect payment the payer has approved (wallet rail).
type Executor interface {
	Execute(ctx context.Context, reference, payerID string) (*domain.Observation, error)
}

// StatusQuerier asks the provider for the current state of a payment
// (mobile-push rail).
type StatusQuerier interface {
	QueryStatus(ctx context.Context, reference string) (*domain.Observation, error)
}

// CallbackParser authenticates and decodes an inbound provider notification.
// A nil observation with a nil error means the event is irrelevant.
type CallbackParser interface {
	ParseCallback(ctx context.Context, header http.Header, body []byte) (*domain.Observation, error)
}

// Initiation is the adapter's answer to Initiate.
type Initiation struct {
	Reference string
	// Status is pending for every rail except manual transfer.
	Status       domain.DonationStatus
	RedirectURL  string
	ClientSecret string
	Message      string
	Metadata     map[string]interface{}
	// Raw is the provider response, kept for the audit log.
	Raw map[string]interface{}
}

// Registry dispatches operations to the adapter registered for a rail.
type Registry struct {
	adapters map[domain.Rail]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.Rail]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Rail()] = a
}

func (r *Registry) Get(rail domain.Rail) (Adapter, error) {
	a, ok := r.adapters[rail]
	if !ok {
		return nil, &domain.Error{
			Kind:    domain.KindUnsupportedRail,
			Message: fmt.Sprintf("rail %q is not enabled", rail),
		}
	}
	return a, nil
}

// Rails lists the enabled rails in a stable order.
func (r *Registry) Rails() []domain.Rail {
	out := make([]domain.Rail, 0, len(r.adapters))
	for rail := range r.adapters {
		out = append(out, rail)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) Confirmer(rail domain.Rail) (Confirmer, bool) {
	c, ok := r.adapters[rail].(Confirmer)
	return c, ok
}

func (r *Registry) Executor(rail domain.Rail) (Executor, bool) {
	e, ok := r.adapters[rail].(Executor)
	return e, ok
}

func (r *Registry) StatusQuerier(rail domain.Rail) (StatusQuerier, bool) {
	q, ok := r.adapters[rail].(StatusQuerier)
	return q, ok
}

func (r *Registry) CallbackParser(rail domain.Rail) (CallbackParser, bool) {
	p, ok := r.adapters[rail].(CallbackParser)
	return p, ok
}
