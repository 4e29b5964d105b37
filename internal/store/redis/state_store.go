// Package redis provides Redis-based implementations of the store interfaces.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fleetguard/internal/config"
	"fleetguard/internal/store"
)

// prefixSeen namespaces deduplication keys.
const prefixSeen = "fleetguard:seen:"

// Compile-time check that SeenCache satisfies the interface.
var _ store.SeenCache = (*SeenCache)(nil)

// NewClient creates a Redis client and verifies the connection.
func NewClient(cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

// SeenCache implements store.SeenCache using Redis keys with a TTL.
// Expiry is enforced by Redis, so the cache stays bounded without
// client-side eviction and survives process restarts.
type SeenCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSeenCache creates a new Redis-backed seen cache.
func NewSeenCache(client *redis.Client, ttl time.Duration) *SeenCache {
	if ttl <= 0 {
		ttl = store.DefaultSeenTTL
	}
	return &SeenCache{client: client, ttl: ttl}
}

// MarkSeen records the ID with SET NX and reports whether it was new.
func (c *SeenCache) MarkSeen(ctx context.Context, id string) (bool, error) {
	ok, err := c.client.SetNX(ctx, prefixSeen+id, 1, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark event seen: %w", err)
	}
	return ok, nil
}

// Close is a no-op; the client is shared and owned by the caller.
func (c *SeenCache) Close() error {
	return nil
}
