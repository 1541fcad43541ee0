package usecase

import (
	"context"

	"donation-service/internal/domain"
	"donation-service/internal/repository"

	"go.uber.org/zap"
)

// AuditLogger appends provider interactions to the event log. Failures are
// logged and never fail the calling flow.
type AuditLogger struct {
	repo   repository.ProviderEventRepository
	logger *zap.Logger
}

func NewAuditLogger(repo repository.ProviderEventRepository, logger *zap.Logger) *AuditLogger {
	return &AuditLogger{repo: repo, logger: logger}
}

func (a *AuditLogger) Record(ctx context.Context, reference string, rail domain.Rail, eventType domain.ProviderEventType, resultCode string, payload map[string]interface{}) {
	if a == nil || a.repo == nil {
		return
	}
	event := &domain.ProviderEvent{
		Reference:  reference,
		Rail:       rail,
		EventType:  eventType,
		ResultCode: resultCode,
		Payload:    payload,
	}
	if err := a.repo.Create(ctx, event); err != nil {
		a.logger.Warn("failed to record provider event",
			zap.String("provider_reference", reference),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}
