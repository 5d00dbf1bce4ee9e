package configuration

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pevans/intelliscrape/scraper"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sampleConfig = scraper.Configuration{
	{Name: "title", Type: "post", Selectors: []string{"//h1"}},
	{Name: "author", Type: "post", Selectors: []string{`//span[@class="author"]`, `//div[@id="author"]`}},
}

// Test helper: start an in-memory Redis and a client for it
func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

// TestCacheKey verifies the key layout
func TestCacheKey(t *testing.T) {
	assert.Equal(t, "intelliscrape:config:post", CacheKey("post"))
}

// TestMemoryCache_Expiry verifies entries live for their TTL
func TestMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := NewMemoryCache()
	cache.now = func() time.Time { return now }

	require.NoError(t, cache.Set(ctx, "post", sampleConfig, DefaultTTL))

	got, ok, err := cache.Get(ctx, "post")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sampleConfig, got)

	now = now.Add(DefaultTTL)
	_, ok, err = cache.Get(ctx, "post")
	require.NoError(t, err)
	assert.False(t, ok, "entry should expire at its TTL")
}

// TestMemoryCache_IsolatesCallers verifies cached values are copies
func TestMemoryCache_IsolatesCallers(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	cfg := sampleConfig.Clone()

	require.NoError(t, cache.Set(ctx, "post", cfg, time.Minute))
	cfg[0].Selectors[0] = "//changed"

	got, _, err := cache.Get(ctx, "post")
	require.NoError(t, err)
	assert.Equal(t, "//h1", got[0].Selectors[0])

	require.NoError(t, cache.Delete(ctx, "post"))
	_, ok, err := cache.Get(ctx, "post")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestRedisCache_RoundTrip verifies configurations survive JSON storage
func TestRedisCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	mr, client := setupRedis(t)
	cache := NewRedisCache(client)

	_, ok, err := cache.Get(ctx, "post")
	require.NoError(t, err)
	assert.False(t, ok, "empty cache should miss")

	require.NoError(t, cache.Set(ctx, "post", sampleConfig, DefaultTTL))
	assert.True(t, mr.Exists("intelliscrape:config:post"))
	assert.Equal(t, DefaultTTL, mr.TTL("intelliscrape:config:post"))

	got, ok, err := cache.Get(ctx, "post")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sampleConfig, got)
}

// TestRedisCache_Expiry verifies Redis' TTL evicts entries
func TestRedisCache_Expiry(t *testing.T) {
	ctx := context.Background()
	mr, client := setupRedis(t)
	cache := NewRedisCache(client)

	require.NoError(t, cache.Set(ctx, "post", sampleConfig, time.Minute))
	mr.FastForward(2 * time.Minute)

	_, ok, err := cache.Get(ctx, "post")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestRedisCache_Delete verifies invalidation
func TestRedisCache_Delete(t *testing.T) {
	ctx := context.Background()
	mr, client := setupRedis(t)
	cache := NewRedisCache(client)

	require.NoError(t, cache.Set(ctx, "post", sampleConfig, time.Minute))
	require.NoError(t, cache.Delete(ctx, "post"))

	assert.False(t, mr.Exists(CacheKey("post")))
}

// TestRedisCache_CorruptValue verifies undecodable entries are errors
func TestRedisCache_CorruptValue(t *testing.T) {
	ctx := context.Background()
	mr, client := setupRedis(t)
	require.NoError(t, mr.Set(CacheKey("post"), "{not json"))

	_, ok, err := NewRedisCache(client).Get(ctx, "post")

	assert.Error(t, err)
	assert.False(t, ok)
}
