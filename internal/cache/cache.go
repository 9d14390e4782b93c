// Package cache is the best-effort read cache shared by the escrow service
// and the read endpoints. Values are stored as JSON so the cached shape
// matches the API shape. A Redis outage degrades to misses, never to
// failed requests.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rcache "github.com/go-redis/cache/v9"
	"github.com/mbd888/tradeescrow/internal/metrics"
	"github.com/redis/go-redis/v9"
)

const (
	localSize = 10000
	localTTL  = 30 * time.Second
)

// Cache wraps go-redis/cache with a TinyLFU local tier in front of Redis.
type Cache struct {
	c *rcache.Cache
}

// New creates a cache. A nil client gives a process-local cache only.
func New(client *redis.Client) *Cache {
	opts := &rcache.Options{
		LocalCache: rcache.NewTinyLFU(localSize, localTTL),
	}
	if client != nil {
		opts.Redis = client
	}
	return &Cache{c: rcache.New(opts)}
}

// Connect parses a redis:// URL and verifies the server is reachable.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Get decodes the entry for key into dst. It reports false on a miss.
func (c *Cache) Get(ctx context.Context, key string, dst interface{}) (bool, error) {
	var raw []byte
	err := c.c.Get(ctx, key, &raw)
	if errors.Is(err, rcache.ErrCacheMiss) {
		metrics.CacheRequestsTotal.WithLabelValues("miss").Inc()
		return false, nil
	}
	if err != nil {
		metrics.CacheRequestsTotal.WithLabelValues("error").Inc()
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		metrics.CacheRequestsTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	metrics.CacheRequestsTotal.WithLabelValues("hit").Inc()
	return true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.c.Set(&rcache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: raw,
		TTL:   ttl,
	})
}

// Invalidate deletes every key, continuing past failures. The first error
// is returned.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) error {
	var first error
	for _, key := range keys {
		if err := c.c.Delete(ctx, key); err != nil && !errors.Is(err, rcache.ErrCacheMiss) && first == nil {
			first = err
		}
	}
	return first
}
