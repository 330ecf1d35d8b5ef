package vcache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tieredcache "github.com/wolfeidau/tiered-cache"
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	if cfg.Dimension == 0 {
		cfg.Dimension = 3
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestNew_RequiresDimension(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, tieredcache.ErrValidation)
}

func TestNew_Defaults(t *testing.T) {
	c := newTestCache(t, Config{})
	stats := c.Statistics()
	assert.Equal(t, defaultMaxSize, stats.MaxSize)
	assert.Equal(t, defaultPromotionThreshold, stats.PromotionThreshold)
	assert.Equal(t, defaultPromotionRequeueStep, stats.PromotionRequeueStep)
	assert.Equal(t, 3, stats.Dimension)
}

func TestCache_PutGet(t *testing.T) {
	t.Run("round-trip copies vector and metadata", func(t *testing.T) {
		c := newTestCache(t, Config{})

		vec := []float32{1, 2, 3}
		meta := map[string]any{"label": "a"}
		ok, err := c.Put("a", vec, meta)
		require.NoError(t, err)
		require.True(t, ok)

		vec[0] = 42
		meta["label"] = "mutated"

		got, ok := c.Get("a")
		require.True(t, ok)
		assert.Equal(t, []float32{1, 2, 3}, got.Vector)
		assert.Equal(t, "a", got.Metadata["label"])
		assert.Equal(t, 1, got.AccessCount)

		got.Vector[1] = 99
		again, ok := c.Peek("a")
		require.True(t, ok)
		assert.Equal(t, float32(2), again.Vector[1], "returned vectors must not alias cache state")
	})

	t.Run("nested metadata does not alias", func(t *testing.T) {
		c := newTestCache(t, Config{})

		meta := map[string]any{"source": map[string]any{"doc": "d1"}, "tags": []any{"x"}}
		_, err := c.Put("a", []float32{1, 0, 0}, meta)
		require.NoError(t, err)

		meta["source"].(map[string]any)["doc"] = "mutated"
		meta["tags"].([]any)[0] = "mutated"

		got, ok := c.Peek("a")
		require.True(t, ok)
		assert.Equal(t, "d1", got.Metadata["source"].(map[string]any)["doc"])
		assert.Equal(t, "x", got.Metadata["tags"].([]any)[0])

		got.Metadata["source"].(map[string]any)["doc"] = "from caller"
		again, _ := c.Peek("a")
		assert.Equal(t, "d1", again.Metadata["source"].(map[string]any)["doc"])
	})

	t.Run("miss returns nil", func(t *testing.T) {
		c := newTestCache(t, Config{})
		got, ok := c.Get("missing")
		assert.False(t, ok)
		assert.Nil(t, got)
		assert.EqualValues(t, 1, c.Statistics().Misses)
	})

	t.Run("dimension mismatch fails", func(t *testing.T) {
		c := newTestCache(t, Config{})
		ok, err := c.Put("a", []float32{1, 2}, nil)
		assert.False(t, ok)

		var ive *tieredcache.InvalidVectorError
		require.ErrorAs(t, err, &ive)
		assert.Zero(t, c.Len())
	})

	t.Run("empty oid fails", func(t *testing.T) {
		c := newTestCache(t, Config{})
		_, err := c.Put("", []float32{1, 2, 3}, nil)
		require.ErrorIs(t, err, tieredcache.ErrValidation)
	})

	t.Run("peek does not count access", func(t *testing.T) {
		c := newTestCache(t, Config{})
		_, err := c.Put("a", []float32{1, 0, 0}, nil)
		require.NoError(t, err)

		for range 3 {
			_, ok := c.Peek("a")
			require.True(t, ok)
		}
		got, _ := c.Get("a")
		assert.Equal(t, 1, got.AccessCount)
	})
}

// Overwriting replaces vector and metadata and resets the access count.
func TestCache_IdempotentOverwrite(t *testing.T) {
	c := newTestCache(t, Config{PromotionThreshold: 100})

	_, err := c.Put("a", []float32{1, 0, 0}, map[string]any{"v": 1})
	require.NoError(t, err)
	for range 4 {
		c.Get("a")
	}

	_, err = c.Put("a", []float32{0, 1, 0}, map[string]any{"v": 2})
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, []float32{0, 1, 0}, got.Vector)
	assert.Equal(t, map[string]any{"v": 2}, got.Metadata)
	assert.Equal(t, 1, got.AccessCount, "only post-overwrite gets count")

	matches := c.SearchSimilar([]float32{0, 1, 0}, 5, 0.9)
	require.Len(t, matches, 1)
	assert.Equal(t, "a", matches[0].OID)
}

func TestCache_SearchSimilar(t *testing.T) {
	c := newTestCache(t, Config{})

	assert.Empty(t, c.SearchSimilar([]float32{1, 0, 0}, 5, 0), "empty cache")

	_, _ = c.Put("x", []float32{10, 0, 0}, nil)
	_, _ = c.Put("y", []float32{0, 3, 0}, nil)
	_, _ = c.Put("xy", []float32{1, 1, 0}, nil)
	_, _ = c.Put("neg", []float32{-1, 0, 0}, nil)

	t.Run("ranks by cosine similarity", func(t *testing.T) {
		got := c.SearchSimilar([]float32{2, 0, 0}, 10, -1)
		require.Len(t, got, 4)
		assert.Equal(t, "x", got[0].OID)
		assert.InDelta(t, 1.0, got[0].SimilarityScore, 1e-6)
		assert.Equal(t, "xy", got[1].OID)
		assert.Equal(t, "neg", got[3].OID)
		for i := 1; i < len(got); i++ {
			assert.GreaterOrEqual(t, got[i-1].SimilarityScore, got[i].SimilarityScore)
		}
	})

	t.Run("threshold drops weak matches", func(t *testing.T) {
		got := c.SearchSimilar([]float32{1, 0, 0}, 10, 0.5)
		require.Len(t, got, 2)
		assert.Equal(t, "x", got[0].OID)
		assert.Equal(t, "xy", got[1].OID)
	})

	t.Run("limits to k", func(t *testing.T) {
		assert.Len(t, c.SearchSimilar([]float32{1, 0, 0}, 1, -1), 1)
		assert.Empty(t, c.SearchSimilar([]float32{1, 0, 0}, 0, -1))
	})

	t.Run("wrong dimension returns empty", func(t *testing.T) {
		assert.Empty(t, c.SearchSimilar([]float32{1, 0}, 3, 0))
	})

	t.Run("does not count accesses", func(t *testing.T) {
		got, _ := c.Peek("x")
		assert.Zero(t, got.AccessCount)
	})
}

func TestCache_Remove(t *testing.T) {
	c := newTestCache(t, Config{PromotionThreshold: 1})
	_, _ = c.Put("a", []float32{1, 0, 0}, nil)
	_, _ = c.Put("b", []float32{0, 1, 0}, nil)
	c.Get("a")
	require.Len(t, c.PeekPromotions(), 1)

	assert.True(t, c.Remove("a"))
	assert.False(t, c.Remove("a"))

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Empty(t, c.PeekPromotions(), "remove drops the queued promotion")

	got := c.SearchSimilar([]float32{1, 0, 0}, 5, -1)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].OID)
}

func TestCache_Clear(t *testing.T) {
	c := newTestCache(t, Config{MaxSize: 2, PromotionThreshold: 1})
	for i := range 4 {
		_, err := c.Put(fmt.Sprintf("k%d", i), []float32{1, float32(i), 0}, nil)
		require.NoError(t, err)
	}
	c.Get("k3")
	require.NotZero(t, c.Statistics().EvictionCount)

	c.Clear()

	stats := c.Statistics()
	assert.Zero(t, stats.CurrentSize)
	assert.Zero(t, stats.EvictionCount)
	assert.Zero(t, stats.EvictionCycles)
	assert.Zero(t, stats.PromotionQueueDepth)
	assert.Empty(t, c.SearchSimilar([]float32{1, 0, 0}, 5, -1))

	_, err := c.Put("again", []float32{1, 0, 0}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
}

func TestCache_PromotionTimestamps(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := newTestCache(t, Config{PromotionThreshold: 2, Now: func() time.Time { return fixed }})
	_, _ = c.Put("a", []float32{1, 0, 0}, nil)
	c.Get("a")
	c.Get("a")

	got := c.DrainPromotions()
	require.Len(t, got, 1)
	assert.Equal(t, fixed, got[0].EnqueuedAt)
	assert.Equal(t, 2, got[0].AccessCountAtEnqueue)
}
