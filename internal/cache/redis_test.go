package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oggyb/muzz-live/internal/cache"
	"github.com/oggyb/muzz-live/internal/config"
)

func newCache(t *testing.T) *cache.RedisCache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := config.New()
	cfg.Redis.Addr = mr.Addr()
	return cache.NewRedisCache(cfg)
}

func TestWaitingSetIsFIFO(t *testing.T) {
	ctx := context.Background()
	c := newCache(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, c.AddWaiting(ctx, "u2", base.Add(time.Second)))
	require.NoError(t, c.AddWaiting(ctx, "u1", base))
	require.NoError(t, c.AddWaiting(ctx, "u3", base.Add(2*time.Second)))

	members, err := c.WaitingMembers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2", "u3"}, members)

	rank, found, err := c.WaitingRank(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(2), rank)

	n, err := c.WaitingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestWaitingRankMiss(t *testing.T) {
	c := newCache(t)
	_, found, err := c.WaitingRank(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRemoveWaiting(t *testing.T) {
	ctx := context.Background()
	c := newCache(t)
	now := time.Now()

	require.NoError(t, c.AddWaiting(ctx, "u1", now))
	require.NoError(t, c.AddWaiting(ctx, "u2", now))
	require.NoError(t, c.RemoveWaiting(ctx, "u1", "u2", "missing"))
	require.NoError(t, c.RemoveWaiting(ctx))

	n, err := c.WaitingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestActiveAndPremiumSets(t *testing.T) {
	ctx := context.Background()
	c := newCache(t)

	require.NoError(t, c.MarkActive(ctx, "u1", "u2"))
	ok, err := c.IsActive(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.UnmarkActive(ctx, "u1"))
	members, err := c.ActiveMembers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, members)

	require.NoError(t, c.SetPremium(ctx, "u9", true))
	ok, err = c.IsPremium(ctx, "u9")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.SetPremium(ctx, "u9", false))
	ok, err = c.IsPremium(ctx, "u9")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatchCounterBucket(t *testing.T) {
	ctx := context.Background()
	c := newCache(t)
	now := time.Date(2026, 3, 4, 5, 30, 0, 0, time.UTC)

	require.NoError(t, c.IncrMatchCounter(ctx, now))
	require.NoError(t, c.IncrMatchCounter(ctx, now.Add(10*time.Minute)))

	key := c.KeyForMatchCounter(now)
	assert.Equal(t, "matches:accepted:2026030405", key)
	v, err := c.Client.Get(ctx, key).Int()
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestSumMatchCountersCoversWindow(t *testing.T) {
	ctx := context.Background()
	c := newCache(t)
	now := time.Date(2026, 3, 4, 5, 30, 0, 0, time.UTC)

	require.NoError(t, c.IncrMatchCounter(ctx, now))
	require.NoError(t, c.IncrMatchCounter(ctx, now.Add(-3*time.Hour)))
	require.NoError(t, c.IncrMatchCounter(ctx, now.Add(-30*time.Hour)))

	n, err := c.SumMatchCounters(ctx, now, 24)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
