package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := NewMemory[int](2, 0)
	c.Set(ctx, "a", 1)
	c.Set(ctx, "b", 2)

	_, ok := c.Get(ctx, "a")
	require.True(t, ok)

	c.Set(ctx, "c", 3)

	_, ok = c.Get(ctx, "b")
	assert.False(t, ok, "b should have been evicted")
	v, ok := c.Get(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, c.Len())
}

func TestMemoryExpiresEntries(t *testing.T) {
	ctx := context.Background()
	c := NewMemory[string](10, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set(ctx, "k", "v")
	_, ok := c.Get(ctx, "k")
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestMemoryConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := NewMemory[int](50, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := string(rune('a' + (i+j)%26))
				c.Set(ctx, key, j)
				c.Get(ctx, key)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 26)
}

func TestTieredBackfillsLocal(t *testing.T) {
	ctx := context.Background()
	local := NewMemory[string](10, 0)
	shared := NewMemory[string](10, 0)
	shared.Set(ctx, "k", "shared")

	tiered := NewTiered[string](local, shared)
	v, ok := tiered.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "shared", v)

	v, ok = local.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, "shared", v)
}
