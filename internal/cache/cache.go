// Package cache provides Redis-backed rate limiting and event publication
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/savegress/medledger/internal/config"
)

// Cache wraps the Redis client used for API rate limiting and for
// publishing committed events to external audit tooling
type Cache struct {
	client    *redis.Client
	keyPrefix string
	enabled   bool
}

// New creates a new Cache instance
func New(cfg *config.RedisConfig) (*Cache, error) {
	if !cfg.Enabled {
		return &Cache{enabled: false}, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "medledger"
	}

	return &Cache{
		client:    client,
		keyPrefix: prefix,
		enabled:   true,
	}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsEnabled returns whether the cache is enabled
func (c *Cache) IsEnabled() bool {
	return c.enabled
}

// key generates a cache key with prefix
func (c *Cache) key(parts ...string) string {
	key := c.keyPrefix
	for _, part := range parts {
		key += ":" + part
	}
	return key
}

// Publish sends a payload to a pub/sub channel as JSON
func (c *Cache) Publish(ctx context.Context, channel string, payload interface{}) error {
	if !c.enabled {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return c.client.Publish(ctx, channel, data).Err()
}

// RateLimitKey returns the rate limit key for an identifier
func (c *Cache) RateLimitKey(identifier string, window time.Duration) string {
	windowStart := time.Now().Truncate(window).Unix()
	return fmt.Sprintf("ratelimit:%s:%d", identifier, windowStart)
}

// CheckRateLimit checks if rate limit is exceeded
func (c *Cache) CheckRateLimit(ctx context.Context, identifier string, limit int64, window time.Duration) (bool, int64, error) {
	if !c.enabled {
		return false, limit, nil
	}

	key := c.key(c.RateLimitKey(identifier, window))

	pipe := c.client.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, 0, err
	}

	count := incrCmd.Val()
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	return count > limit, remaining, nil
}
