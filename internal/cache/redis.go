// Package cache stores offloaded very large payloads so feed readers can
// fetch them without going through the queues.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fanout/internal/types"
)

// TypeRedis is the cache type reported in telemetry.
const TypeRedis = "redis"

// redisAPI is the subset of the go-redis client used here.
type redisAPI interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password types.SecretString
	DB       int
}

// NewRedisClient opens a go-redis client. The connection is established lazily.
func NewRedisClient(opts Options) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password.Unmask(),
		DB:       opts.DB,
	})
}

// RedisCache writes payload copies with an expiry.
type RedisCache struct {
	client redisAPI
}

// NewRedisCache wraps a go-redis client.
func NewRedisCache(client redisAPI) *RedisCache {
	return &RedisCache{client: client}
}

// Set stores value under key for ttl. A zero ttl keeps the key without expiry.
func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// Ping checks connectivity for health probes.
func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: ping: %w", err)
	}
	return nil
}
