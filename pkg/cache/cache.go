// Package cache holds the Redis integrations of the pipeline: a byte
// payload cache backing the LLM parser and a cross-node request quota.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tetrad-labs/countersign/pkg/parser"
)

// NewClient builds a Redis client the way the rest of the package expects
// it. Callers share one client between the cache and the quota limiter.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// RedisCache stores opaque payloads under caller-built keys. The LLM
// parser keys entries as parse:<parserID>:<sha256(input)>; the cache does
// not interpret keys or values.
type RedisCache struct {
	client *redis.Client
}

var _ parser.ParseCache = (*RedisCache)(nil)

// NewRedisCache wraps an existing client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get returns the payload stored under key. A missing key is a miss,
// (nil, false, nil), never an error.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	return data, true, nil
}

// Set stores value under key for ttl. A ttl of zero stores without expiry.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// Ping verifies connectivity, used by readiness checks.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
