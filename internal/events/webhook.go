package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"donation-service/config"
	"donation-service/internal/domain"
	"donation-service/internal/metrics"

	"go.uber.org/zap"
)

// WebhookNotifier tells the achievement-unlock engine about completed
// donations. Requests carry X-API-Key, X-Timestamp and an X-Signature HMAC
// over "<body>.<timestamp>".
type WebhookNotifier struct {
	config     config.NotifierConfig
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

func NewWebhookNotifier(cfg config.NotifierConfig, httpClient *http.Client, logger *zap.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		config:     cfg,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
}

// Publish only forwards transitions into completed; the engine downstream
// cares about money received, nothing else.
func (n *WebhookNotifier) Publish(ctx context.Context, event StatusChanged) error {
	if event.To != domain.StatusCompleted {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	timestamp := n.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", n.config.APIKey)
	req.Header.Set("X-Timestamp", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-Signature", GenerateSignature(payload, timestamp, n.config.APISecret))

	resp, err := n.httpClient.Do(req)
	if err != nil {
		metrics.PublishErrors.WithLabelValues("webhook").Inc()
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.PublishErrors.WithLabelValues("webhook").Inc()
		return fmt.Errorf("achievement webhook returned status %d: %s", resp.StatusCode, string(body))
	}

	n.logger.Info("achievement engine notified",
		zap.String("event_id", event.EventID),
		zap.String("owner_id", event.OwnerID),
		zap.String("provider_reference", event.Reference))
	return nil
}

func GenerateSignature(payload []byte, timestamp int64, secret string) string {
	message := fmt.Sprintf("%s.%d", string(payload), timestamp)
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}
