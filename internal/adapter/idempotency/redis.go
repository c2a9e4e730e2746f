package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"server/internal/domain"
)

// RedisSeenSet is the production idempotency filter: one key per
// (provider, event id) pair with a TTL covering the provider's redelivery
// window. Exact-once is not the goal, no-double-apply is.
type RedisSeenSet struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisSeenSet creates a RedisSeenSet with the given retention window.
func NewRedisSeenSet(client *redis.Client, retention time.Duration) *RedisSeenSet {
	if retention <= 0 {
		retention = 72 * time.Hour
	}
	return &RedisSeenSet{client: client, retention: retention}
}

// Seen reports whether the event was already applied.
func (s *RedisSeenSet) Seen(ctx context.Context, provider domain.Provider, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, seenKey(provider, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("seen-set lookup: %w", err)
	}
	return n > 0, nil
}

// Mark records the event as applied.
func (s *RedisSeenSet) Mark(ctx context.Context, provider domain.Provider, eventID string) error {
	if err := s.client.Set(ctx, seenKey(provider, eventID), 1, s.retention).Err(); err != nil {
		return fmt.Errorf("seen-set mark: %w", err)
	}
	return nil
}

func seenKey(provider domain.Provider, eventID string) string {
	return fmt.Sprintf("entitlement:evt:%s:%s", provider, eventID)
}

var _ domain.SeenSet = (*RedisSeenSet)(nil)
