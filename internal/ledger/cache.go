package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisCache caches user balances in Redis with a short TTL. A cache miss
// or Redis failure falls back to the store; invalidation happens on every
// append, so the TTL only bounds staleness across processes.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &RedisCache{client: client, ttl: ttl}
}

func balanceKey(userID int64) string {
	return fmt.Sprintf("genledger:balance:%d", userID)
}

func (c *RedisCache) Get(ctx context.Context, userID int64) (int64, bool) {
	val, err := c.client.Get(ctx, balanceKey(userID)).Int64()
	if err != nil {
		return 0, false
	}
	return val, true
}

func (c *RedisCache) Set(ctx context.Context, userID int64, balance int64) {
	c.client.Set(ctx, balanceKey(userID), balance, c.ttl)
}

func (c *RedisCache) Invalidate(ctx context.Context, userID int64) {
	c.client.Del(ctx, balanceKey(userID))
}

var _ BalanceCache = (*RedisCache)(nil)
