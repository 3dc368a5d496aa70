package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(t *testing.T, ttl time.Duration) (*Cache[string, int], *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := newCache[string, int](ttl, clock.Now)
	t.Cleanup(c.Stop)
	return c, clock
}

func TestCache_SetGet(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	stats := c.GetStats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(t, time.Minute)

	c.Set("a", 1)
	c.SetWithTTL("b", 2, time.Hour)
	clock.Advance(2 * time.Minute)

	_, ok := c.Get("a")
	assert.False(t, ok)
	v, ok := c.Get("b")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	assert.Equal(t, 1, c.Purge())
	assert.Equal(t, 1, c.Size())
}

func TestCache_GetOrLoad(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	calls := 0
	load := func(context.Context) (int, error) {
		calls++
		return 42, nil
	}

	v, err := c.GetOrLoad(ctx, "answer", load)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	v, err = c.GetOrLoad(ctx, "answer", load)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)
}

func TestCache_GetOrLoadErrorNotCached(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := c.GetOrLoad(ctx, "k", func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Size())

	v, err := c.GetOrLoad(ctx, "k", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestCache_DeleteAndClear(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Clear()
	assert.Equal(t, 0, c.Size())

	c.Stop()
	c.Stop()
}
