// Package poller drives the status polling loop. It only reads: every check
// goes through the service, which decides whether anything changes.
package poller

import (
	"context"
	"errors"
	"time"

	"donation-service/internal/domain"

	"go.uber.org/zap"
)

var ErrAttemptsExhausted = errors.New("poller: attempts exhausted before a terminal status")

const (
	DefaultInitialDelay = 5 * time.Second
	DefaultInterval     = 10 * time.Second
	DefaultMaxAttempts  = 30
)

// CheckFunc reports the current status of one donation.
type CheckFunc func(ctx context.Context) (domain.DonationStatus, error)

type Poller struct {
	InitialDelay time.Duration
	Interval     time.Duration
	MaxAttempts  int
	Logger       *zap.Logger
}

func New(initialDelay, interval time.Duration, maxAttempts int, logger *zap.Logger) *Poller {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		InitialDelay: initialDelay,
		Interval:     interval,
		MaxAttempts:  maxAttempts,
		Logger:       logger,
	}
}

// Run calls check until it reports a terminal status, attempts run out or
// ctx ends. Check errors count as attempts. On exhaustion the last known
// status is returned with ErrAttemptsExhausted.
func (p *Poller) Run(ctx context.Context, check CheckFunc) (domain.DonationStatus, error) {
	last := domain.StatusPending

	timer := time.NewTimer(p.InitialDelay)
	defer timer.Stop()

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-timer.C:
		}

		status, err := check(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			p.Logger.Warn("status check failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
		case status.IsTerminal():
			return status, nil
		default:
			last = status
		}

		timer.Reset(p.Interval)
	}

	return last, ErrAttemptsExhausted
}
