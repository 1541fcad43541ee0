// internal/usecase/callback_uc.go
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"donation-service/internal/domain"
	"donation-service/internal/metrics"
	"donation-service/internal/provider"
	"donation-service/internal/repository"

	"go.uber.org/zap"
)

// CallbackUsecase turns provider notifications into terminal signals.
type CallbackUsecase struct {
	registry   *provider.Registry
	engine     *ReconcileUsecase
	audit      *AuditLogger
	retryDelay time.Duration
	logger     *zap.Logger
}

func NewCallbackUsecase(
	registry *provider.Registry,
	engine *ReconcileUsecase,
	providerEvents repository.ProviderEventRepository,
	retryDelay time.Duration,
	logger *zap.Logger,
) *CallbackUsecase {
	return &CallbackUsecase{
		registry:   registry,
		engine:     engine,
		audit:      NewAuditLogger(providerEvents, logger),
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// Parse authenticates and decodes a callback for rail. A nil observation
// means the notification carries nothing we act on.
func (uc *CallbackUsecase) Parse(ctx context.Context, rail domain.Rail, header http.Header, body []byte) (*domain.Observation, error) {
	parser, ok := uc.registry.CallbackParser(rail)
	if !ok {
		return nil, &domain.Error{Kind: domain.KindUnsupportedRail, Message: string(rail) + " callbacks are not enabled"}
	}
	obs, err := parser.ParseCallback(ctx, header, body)
	if err != nil {
		metrics.Callbacks.WithLabelValues(string(rail), "rejected").Inc()
		return nil, err
	}
	return obs, nil
}

// Apply feeds a parsed callback to the engine. A callback can outrun the
// ledger insert of its own initiation, so an unknown reference is retried
// once after the configured delay and then dropped.
func (uc *CallbackUsecase) Apply(ctx context.Context, rail domain.Rail, obs *domain.Observation, body []byte) error {
	if obs == nil {
		metrics.Callbacks.WithLabelValues(string(rail), "ignored").Inc()
		return nil
	}

	uc.audit.Record(ctx, obs.Reference, rail, domain.EventCallback, obs.ResultCode, rawPayload(body))

	if !obs.Terminal() {
		metrics.Callbacks.WithLabelValues(string(rail), "ignored").Inc()
		return nil
	}

	res, err := uc.engine.ApplyTerminal(ctx, obs.Signal(domain.SourceCallback))
	if errors.Is(err, domain.ErrUnknownReference) {
		uc.logger.Info("callback for unknown reference, retrying once",
			zap.String("rail", string(rail)),
			zap.String("provider_reference", obs.Reference),
			zap.Duration("delay", uc.retryDelay))

		if err := sleep(ctx, uc.retryDelay); err != nil {
			return err
		}
		res, err = uc.engine.ApplyTerminal(ctx, obs.Signal(domain.SourceCallback))
		if errors.Is(err, domain.ErrUnknownReference) {
			metrics.Callbacks.WithLabelValues(string(rail), "dropped").Inc()
			uc.logger.Warn("dropping callback for unknown reference",
				zap.String("rail", string(rail)),
				zap.String("provider_reference", obs.Reference),
				zap.String("signal", string(obs.Status)))
			return nil
		}
	}
	if err != nil {
		metrics.Callbacks.WithLabelValues(string(rail), "error").Inc()
		return err
	}

	metrics.Callbacks.WithLabelValues(string(rail), string(res.Outcome)).Inc()
	return nil
}

// Process parses and applies in one step. Used where the provider has already
// been acknowledged.
func (uc *CallbackUsecase) Process(ctx context.Context, rail domain.Rail, header http.Header, body []byte) error {
	obs, err := uc.Parse(ctx, rail, header, body)
	if err != nil {
		return err
	}
	return uc.Apply(ctx, rail, obs, body)
}

func rawPayload(body []byte) map[string]interface{} {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return map[string]interface{}{"raw": string(body)}
	}
	return payload
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
