package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient(10, time.Hour)
	defer c.Close()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, c.Delete(ctx, "k"))
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryClientPerEntryTTL(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient(10, time.Hour)
	now := time.Date(2025, 5, 12, 8, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "short", []byte("x"), time.Minute))
	require.NoError(t, c.Set(ctx, "forever", []byte("y"), 0))

	now = now.Add(2 * time.Minute)

	_, err := c.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrCacheMiss)
	got, err := c.Get(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), got)
}

func TestMemoryClientEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient(2, time.Hour)

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))
	_, _ = c.Get(ctx, "a")
	require.NoError(t, c.Set(ctx, "c", []byte("3"), 0))

	_, err := c.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.Equal(t, 2, c.Len())
}

func TestMemoryClientDeleteByPrefix(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient(10, time.Hour)

	require.NoError(t, c.Set(ctx, "llm:a:1", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "llm:a:2", []byte("2"), 0))
	require.NoError(t, c.Set(ctx, "llm:b:1", []byte("3"), 0))

	require.NoError(t, c.DeleteByPrefix(ctx, "llm:a:"))
	assert.Equal(t, 1, c.Len())
}

func TestExtractionKey(t *testing.T) {
	k1 := ExtractionKey("model-x", []byte("image-bytes"))
	k2 := ExtractionKey("model-x", []byte("image-bytes"))
	k3 := ExtractionKey("model-y", []byte("image-bytes"))

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Regexp(t, `^llm:model-x:[0-9a-f]{64}$`, k1)
	assert.Equal(t, "a:b:c", CacheKey("a", "b", "c"))
}
