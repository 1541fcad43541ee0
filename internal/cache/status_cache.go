// internal/cache/status_cache.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"donation-service/config"
	"donation-service/internal/domain"
	"donation-service/internal/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StatusCache holds terminal donation records keyed by provider reference.
// Pending records are never cached because their status can still move.
type StatusCache interface {
	Get(ctx context.Context, reference string) (*domain.Donation, bool)
	Set(ctx context.Context, d *domain.Donation)
	Delete(ctx context.Context, reference string)
}

// NewRedisClient opens a pooled client and checks connectivity.
func NewRedisClient(cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr(),
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        50,
		MinIdleConns:    5,
		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnMaxLifetime: 30 * time.Minute,
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info("redis connected", zap.String("addr", cfg.Addr()))
	return client, nil
}

type redisStatusCache struct {
	client redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisStatusCache(client redis.Cmdable, ttl time.Duration, logger *zap.Logger) StatusCache {
	return &redisStatusCache{client: client, ttl: ttl, logger: logger}
}

func StatusKey(reference string) string {
	return fmt.Sprintf("donation:status:v1:%s", reference)
}

// Get treats every redis failure as a miss; the ledger stays authoritative.
func (c *redisStatusCache) Get(ctx context.Context, reference string) (*domain.Donation, bool) {
	data, err := c.client.Get(ctx, StatusKey(reference)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("status cache get failed", zap.String("provider_reference", reference), zap.Error(err))
		}
		metrics.StatusCache.WithLabelValues("miss").Inc()
		return nil, false
	}

	var d domain.Donation
	if err := json.Unmarshal(data, &d); err != nil {
		c.logger.Warn("status cache entry corrupt", zap.String("provider_reference", reference), zap.Error(err))
		metrics.StatusCache.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.StatusCache.WithLabelValues("hit").Inc()
	return &d, true
}

func (c *redisStatusCache) Set(ctx context.Context, d *domain.Donation) {
	if d == nil || !d.Status.IsTerminal() {
		return
	}
	data, err := json.Marshal(d)
	if err != nil {
		c.logger.Warn("status cache marshal failed", zap.String("provider_reference", d.ProviderReference), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, StatusKey(d.ProviderReference), data, c.ttl).Err(); err != nil {
		c.logger.Warn("status cache set failed", zap.String("provider_reference", d.ProviderReference), zap.Error(err))
	}
}

func (c *redisStatusCache) Delete(ctx context.Context, reference string) {
	if err := c.client.Del(ctx, StatusKey(reference)).Err(); err != nil {
		c.logger.Warn("status cache delete failed", zap.String("provider_reference", reference), zap.Error(err))
	}
}

type nopStatusCache struct{}

// NewNopStatusCache is used when redis is not configured.
func NewNopStatusCache() StatusCache { return nopStatusCache{} }

func (nopStatusCache) Get(context.Context, string) (*domain.Donation, bool) { return nil, false }
func (nopStatusCache) Set(context.Context, *domain.Donation)                {}
func (nopStatusCache) Delete(context.Context, string)                       {}
