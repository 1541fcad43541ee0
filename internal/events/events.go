// internal/events/events.go
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"donation-service/internal/domain"
	"donation-service/internal/metrics"
	"donation-service/pkg/utils"

	"go.uber.org/zap"
)

// StatusChanged is emitted after every applied status transition. Consumers
// such as the achievement engine deduplicate on EventID.
type StatusChanged struct {
	EventID    string                `json:"event_id"`
	DonationID string                `json:"donation_id"`
	Reference  string                `json:"reference"`
	OwnerID    string                `json:"owner_id"`
	Rail       domain.Rail           `json:"rail"`
	Amount     string                `json:"amount"`
	Currency   domain.Currency       `json:"currency"`
	From       domain.DonationStatus `json:"from,omitempty"`
	To         domain.DonationStatus `json:"to"`
	Source     domain.SignalSource   `json:"source"`
	Verified   bool                  `json:"verified"`
	OccurredAt time.Time             `json:"occurred_at"`
}

// NewStatusChanged builds the event for d having moved from `from` to its
// current status.
func NewStatusChanged(d *domain.Donation, from domain.DonationStatus, source domain.SignalSource, verified bool) StatusChanged {
	return StatusChanged{
		EventID:    utils.NewEventID(),
		DonationID: d.ID,
		Reference:  d.ProviderReference,
		OwnerID:    d.OwnerID,
		Rail:       d.Rail,
		Amount:     d.Amount.StringFixed(2),
		Currency:   d.Currency,
		From:       from,
		To:         d.Status,
		Source:     source,
		Verified:   verified,
		OccurredAt: d.UpdatedAt,
	}
}

type Publisher interface {
	Publish(ctx context.Context, event StatusChanged) error
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event StatusChanged) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopPublisher struct{}

func NewNopPublisher() Publisher { return nopPublisher{} }

func (nopPublisher) Publish(context.Context, StatusChanged) error { return nil }

// ErrDispatcherClosed is returned by Publish once Close has been called.
var ErrDispatcherClosed = errors.New("event dispatcher closed")

// Dispatcher decouples publishing from the request path: Publish enqueues and
// a single worker delivers in order. When the buffer is full the event is
// dropped and counted.
type Dispatcher struct {
	next    Publisher
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan StatusChanged
	wg     sync.WaitGroup
}

func NewDispatcher(next Publisher, buffer int, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		next:    next,
		timeout: timeout,
		logger:  logger,
		queue:   make(chan StatusChanged, buffer),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) Publish(_ context.Context, event StatusChanged) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.PublishErrors.WithLabelValues("dispatcher_closed").Inc()
		d.logger.Warn("dispatcher closed, dropping status event",
			zap.String("event_id", event.EventID),
			zap.String("provider_reference", event.Reference))
		return ErrDispatcherClosed
	}

	select {
	case d.queue <- event:
		return nil
	default:
		metrics.PublishErrors.WithLabelValues("dispatcher_full").Inc()
		d.logger.Error("event queue full, dropping status event",
			zap.String("event_id", event.EventID),
			zap.String("provider_reference", event.Reference))
		return errors.New("event queue full")
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for event := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.next.Publish(ctx, event); err != nil {
			d.logger.Error("failed to publish status event",
				zap.String("event_id", event.EventID),
				zap.String("provider_reference", event.Reference),
				zap.String("to", string(event.To)),
				zap.Error(err))
		}
		cancel()
	}
}

// Close stops accepting events and waits for the queue to drain. Later
// Publish calls return ErrDispatcherClosed.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
