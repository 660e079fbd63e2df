// Package cache provides an optional cross-instance status mirror backed
// by Redis, adapted from storage/cache.go: same "nil client means disabled,
// every method is a safe no-op" shape, repurposed from caching node height
// samples to caching the last-known apply status and 2PC round outcome per
// instance, which an operator dashboard (out of scope) could read without
// hitting every peer's peer RPC listener.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Mirror is the optional Redis-backed status mirror. A nil client means
// disabled; every method degrades to a no-op rather than erroring, since
// this is purely an operability aid, never load-bearing for correctness.
type Mirror struct {
	client *redis.Client
	logger *zap.Logger
}

// New builds a Mirror. If uri is empty or unreachable, the mirror is
// disabled and every subsequent call is a no-op.
func New(uri string, logger *zap.Logger) *Mirror {
	if uri == "" {
		logger.Info("status mirror disabled: no redis uri configured")
		return &Mirror{logger: logger}
	}

	opt, err := redis.ParseURL(uri)
	if err != nil {
		logger.Error("failed to parse redis uri, status mirror disabled", zap.Error(err))
		return &Mirror{logger: logger}
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, status mirror disabled", zap.Error(err))
		return &Mirror{logger: logger}
	}

	logger.Info("status mirror enabled", zap.String("addr", opt.Addr))
	return &Mirror{client: client, logger: logger}
}

// SetApplyStatus records this instance's last apply outcome ("ready" or
// "error: <message>") under a key scoped to instanceUUID.
func (m *Mirror) SetApplyStatus(ctx context.Context, instanceUUID, status string, ttl time.Duration) {
	if m.client == nil {
		return
	}
	key := fmt.Sprintf("clusterapply:status:%s", instanceUUID)
	if err := m.client.Set(ctx, key, status, ttl).Err(); err != nil {
		m.logger.Warn("failed to mirror apply status", zap.String("key", key), zap.Error(err))
	}
}

// GetApplyStatus retrieves the last mirrored apply status for instanceUUID.
func (m *Mirror) GetApplyStatus(ctx context.Context, instanceUUID string) (string, bool) {
	if m.client == nil {
		return "", false
	}
	key := fmt.Sprintf("clusterapply:status:%s", instanceUUID)
	val, err := m.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			m.logger.Warn("failed to read mirrored apply status", zap.String("key", key), zap.Error(err))
		}
		return "", false
	}
	return val, true
}

// SetLastRoundOutcome records the outcome of the most recent clusterwide
// patch round this instance initiated ("committed", "aborted", or
// "atomic_rejected").
func (m *Mirror) SetLastRoundOutcome(ctx context.Context, instanceUUID, outcome string) {
	if m.client == nil {
		return
	}
	key := fmt.Sprintf("clusterapply:last_round:%s", instanceUUID)
	if err := m.client.Set(ctx, key, outcome, 24*time.Hour).Err(); err != nil {
		m.logger.Warn("failed to mirror last round outcome", zap.String("key", key), zap.Error(err))
	}
}

// IsEnabled reports whether the mirror has a live Redis connection.
func (m *Mirror) IsEnabled() bool {
	return m.client != nil
}

// Close closes the underlying Redis connection, if any.
func (m *Mirror) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}
