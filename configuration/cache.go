package configuration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pevans/intelliscrape/scraper"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a recomputed configuration is reused.
	DefaultTTL = 30 * time.Minute
	// keyPrefix namespaces cache keys.
	keyPrefix = "intelliscrape:config:"
)

// CacheKey returns the cache key of a type.
func CacheKey(typ string) string {
	return keyPrefix + typ
}

// Cache holds recently recomputed configurations. Implementations do not
// lock across Get and Set: two workers missing at once both recompute and
// the last Set wins.
type Cache interface {
	Get(ctx context.Context, typ string) (scraper.Configuration, bool, error)
	Set(ctx context.Context, typ string, cfg scraper.Configuration, ttl time.Duration) error
	Delete(ctx context.Context, typ string) error
}

type memoryEntry struct {
	cfg       scraper.Configuration
	expiresAt time.Time
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

// Get implements Cache. Expired entries are dropped on read.
func (c *MemoryCache) Get(_ context.Context, typ string) (scraper.Configuration, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[CacheKey(typ)]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, CacheKey(typ))
		return nil, false, nil
	}
	return entry.cfg.Clone(), true, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, typ string, cfg scraper.Configuration, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[CacheKey(typ)] = memoryEntry{cfg: cfg.Clone(), expiresAt: c.now().Add(ttl)}
	return nil
}

// Delete implements Cache.
func (c *MemoryCache) Delete(_ context.Context, typ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, CacheKey(typ))
	return nil
}

// RedisCache shares recomputed configurations between processes. Values
// are JSON and expire through Redis' own TTL.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a cache on an existing client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, typ string) (scraper.Configuration, bool, error) {
	data, err := c.client.Get(ctx, CacheKey(typ)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cached configuration: %w", err)
	}

	var cfg scraper.Configuration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cached configuration: %w", err)
	}
	return cfg, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, typ string, cfg scraper.Configuration, ttl time.Duration) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}
	if err := c.client.Set(ctx, CacheKey(typ), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache configuration: %w", err)
	}
	return nil
}

// Delete implements Cache.
func (c *RedisCache) Delete(ctx context.Context, typ string) error {
	if err := c.client.Del(ctx, CacheKey(typ)).Err(); err != nil {
		return fmt.Errorf("failed to delete cached configuration: %w", err)
	}
	return nil
}
