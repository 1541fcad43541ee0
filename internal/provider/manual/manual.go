// internal/provider/manual/manual.go
package manual

import (
	"context"
	"fmt"
	"time"

	"donation-service/config"
	"donation-service/internal/domain"
	"donation-service/internal/provider"
	"donation-service/pkg/utils"

	"go.uber.org/zap"
)

// VerificationSelfReported marks records whose completion was asserted by the
// donor and never confirmed by a provider.
const VerificationSelfReported = "self_reported"

// ManualProvider records out-of-band transfers. It makes no external call and
// reports the donation as completed immediately.
type ManualProvider struct {
	config config.ManualConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewManualProvider(cfg config.ManualConfig, logger *zap.Logger) *ManualProvider {
	return &ManualProvider{config: cfg, logger: logger, now: time.Now}
}

func (m *ManualProvider) Rail() domain.Rail { return domain.RailManualTransfer }

func (m *ManualProvider) Initiate(_ context.Context, req *domain.InitiateRequest) (*provider.Initiation, error) {
	reference := fmt.Sprintf("manual_%d_%s_%s", m.now().UnixMilli(), req.OwnerID, utils.NewULID())

	metadata := map[string]interface{}{
		"verification": VerificationSelfReported,
		"payment_type": "manual",
	}
	if m.config.RecipientName != "" {
		metadata["recipient_name"] = m.config.RecipientName
	}
	if m.config.RecipientPhone != "" {
		metadata["recipient_phone"] = m.config.RecipientPhone
	}
	if req.PhoneNumber != "" {
		metadata["sender_phone"] = req.PhoneNumber
	}

	m.logger.Warn("recording unverified manual donation",
		zap.String("owner_id", req.OwnerID),
		zap.String("reference", reference),
		zap.String("amount", req.Amount.String()),
		zap.String("currency", string(req.Currency)))

	return &provider.Initiation{
		Reference: reference,
		Status:    domain.StatusCompleted,
		Message:   "Donation recorded",
		Metadata:  metadata,
	}, nil
}
