package trigger

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const deliveryTTL = 24 * time.Hour

// IdempotencyCache deduplicates webhook deliveries across restarts and
// replicas.
type IdempotencyCache interface {
	// TryMark claims the delivery key. Returns false when it was already
	// claimed.
	TryMark(ctx context.Context, key string) (bool, error)
}

// RedisCache claims delivery keys with SET NX and a TTL.
type RedisCache struct {
	redis *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache { return &RedisCache{redis: rdb} }

func (c *RedisCache) TryMark(ctx context.Context, key string) (bool, error) {
	return c.redis.SetNX(ctx, "trigger:delivery:"+key, 1, deliveryTTL).Result()
}

// NoopCache accepts every delivery. Used when Redis is not configured.
type NoopCache struct{}

func (NoopCache) TryMark(ctx context.Context, key string) (bool, error) { return true, nil }
