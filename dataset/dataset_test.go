package dataset

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper: clock that advances one second per call
type tickingClock struct {
	t time.Time
}

func (c *tickingClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

// Test helper: create a store in a temp directory
func setupStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	clock := &tickingClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.now)}, opts...)

	store, err := NewStore(filepath.Join(t.TempDir(), "examples.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// TestHashURL verifies the key is the hex sha256 of the URL
func TestHashURL(t *testing.T) {
	assert.Equal(t,
		"f0e6a6a97042a4f1f1c87f5f7d44315b2d852c2df5c7991cc66241bf7072d1c4",
		HashURL("http://example.com"))
	assert.Len(t, HashURL("anything"), 64)
}

// TestRecordOrUpdate_Create verifies new records are stored
func TestRecordOrUpdate_Create(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	created, err := store.RecordOrUpdate(ctx, "http://example.com/a", "post", "v1",
		map[string][]string{"title": {"Hello"}})

	require.NoError(t, err)
	assert.True(t, created)

	rec, err := store.Get(ctx, "http://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, HashURL("http://example.com/a"), rec.URLHash)
	assert.Equal(t, "post", rec.Type)
	assert.Equal(t, "v1", rec.Variant)
	assert.Equal(t, map[string][]string{"title": {"Hello"}}, rec.Fields)
	assert.Equal(t, rec.CreatedAt, rec.UpdatedAt)
}

// TestRecordOrUpdate_UpdatesInPlace verifies one record per URL
func TestRecordOrUpdate_UpdatesInPlace(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	url := "http://example.com/a"

	_, err := store.RecordOrUpdate(ctx, url, "post", "v1", map[string][]string{"title": {"Old"}})
	require.NoError(t, err)
	first, err := store.Get(ctx, url)
	require.NoError(t, err)

	created, err := store.RecordOrUpdate(ctx, url, "post", "v2", map[string][]string{"title": {"New"}})
	require.NoError(t, err)
	assert.False(t, created, "second write should update")

	rec, err := store.Get(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, []string{"New"}, rec.Fields["title"])
	assert.Equal(t, "v2", rec.Variant)
	assert.Equal(t, first.CreatedAt, rec.CreatedAt)
	assert.True(t, rec.UpdatedAt.After(first.UpdatedAt))

	all, err := store.ListByType(ctx, "post")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// TestRecordOrUpdate_BoundedRetention verifies the oldest records of a
// variant are evicted at the limit
func TestRecordOrUpdate_BoundedRetention(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	for i := range 105 {
		_, err := store.RecordOrUpdate(ctx, fmt.Sprintf("http://example.com/%d", i), "post", "v1",
			map[string][]string{"title": {fmt.Sprint(i)}})
		require.NoError(t, err)
	}

	count, err := store.CountByTypeAndVariant(ctx, "post", "v1")
	require.NoError(t, err)
	assert.Equal(t, DefaultLimit, count)

	for i := range 5 {
		_, err := store.Get(ctx, fmt.Sprintf("http://example.com/%d", i))
		assert.ErrorIs(t, err, ErrRecordNotFound, "record %d should be evicted", i)
	}
	_, err = store.Get(ctx, "http://example.com/5")
	assert.NoError(t, err)
	_, err = store.Get(ctx, "http://example.com/104")
	assert.NoError(t, err)
}

// TestRecordOrUpdate_LimitPerVariant verifies variants are bounded
// independently
func TestRecordOrUpdate_LimitPerVariant(t *testing.T) {
	store := setupStore(t, WithLimit(2))
	ctx := context.Background()

	for i := range 3 {
		_, err := store.RecordOrUpdate(ctx, fmt.Sprintf("http://a/%d", i), "post", "v1", nil)
		require.NoError(t, err)
		_, err = store.RecordOrUpdate(ctx, fmt.Sprintf("http://b/%d", i), "post", "v2", nil)
		require.NoError(t, err)
	}
	_, err := store.RecordOrUpdate(ctx, "http://c/0", "page", "v1", nil)
	require.NoError(t, err)

	v1, err := store.ListByTypeAndVariant(ctx, "post", "v1")
	require.NoError(t, err)
	require.Len(t, v1, 2)
	assert.Equal(t, "http://a/2", v1[0].URL, "newest first")
	assert.Equal(t, "http://a/1", v1[1].URL)

	v2, err := store.CountByTypeAndVariant(ctx, "post", "v2")
	require.NoError(t, err)
	assert.Equal(t, 2, v2)

	pages, err := store.CountByTypeAndVariant(ctx, "page", "v1")
	require.NoError(t, err)
	assert.Equal(t, 1, pages)
}

// TestRecordOrUpdate_RefreshedRecordSurvives verifies an update counts as
// recent for eviction
func TestRecordOrUpdate_RefreshedRecordSurvives(t *testing.T) {
	store := setupStore(t, WithLimit(2))
	ctx := context.Background()

	_, err := store.RecordOrUpdate(ctx, "http://a/0", "post", "v1", nil)
	require.NoError(t, err)
	_, err = store.RecordOrUpdate(ctx, "http://a/1", "post", "v1", nil)
	require.NoError(t, err)
	_, err = store.RecordOrUpdate(ctx, "http://a/0", "post", "v1", nil)
	require.NoError(t, err)
	_, err = store.RecordOrUpdate(ctx, "http://a/2", "post", "v1", nil)
	require.NoError(t, err)

	_, err = store.Get(ctx, "http://a/1")
	assert.ErrorIs(t, err, ErrRecordNotFound)
	_, err = store.Get(ctx, "http://a/0")
	assert.NoError(t, err)
}

// TestListByType verifies ordering and type filtering
func TestListByType(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	_, err := store.RecordOrUpdate(ctx, "http://x/1", "post", "v1", nil)
	require.NoError(t, err)
	_, err = store.RecordOrUpdate(ctx, "http://x/2", "post", "v2", nil)
	require.NoError(t, err)
	_, err = store.RecordOrUpdate(ctx, "http://x/3", "page", "v1", nil)
	require.NoError(t, err)

	posts, err := store.ListByType(ctx, "post")
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "http://x/2", posts[0].URL)
	assert.Equal(t, "http://x/1", posts[1].URL)

	none, err := store.ListByType(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)

	types, err := store.Types(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"page", "post"}, types)
}

// TestUpdateVariant verifies a record moves between variants
func TestUpdateVariant(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	_, err := store.RecordOrUpdate(ctx, "http://x/1", "post", "v1", map[string][]string{"a": {"1"}})
	require.NoError(t, err)
	before, err := store.Get(ctx, "http://x/1")
	require.NoError(t, err)

	require.NoError(t, store.UpdateVariant(ctx, "http://x/1", "v9"))

	rec, err := store.Get(ctx, "http://x/1")
	require.NoError(t, err)
	assert.Equal(t, "v9", rec.Variant)
	assert.Equal(t, before.Fields, rec.Fields)
	assert.Equal(t, before.UpdatedAt, rec.UpdatedAt)

	assert.ErrorIs(t, store.UpdateVariant(ctx, "http://missing", "v1"), ErrRecordNotFound)
}

// TestDelete verifies records can be removed
func TestDelete(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	_, err := store.RecordOrUpdate(ctx, "http://x/1", "post", "v1", nil)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "http://x/1"))
	_, err = store.Get(ctx, "http://x/1")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	assert.NoError(t, store.Delete(ctx, "http://x/1"), "deleting twice is not an error")
}
