package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"approvald/internal/cache"
)

func TestMemoryExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	m := cache.NewMemory()
	m.Now = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, "u1", "loc-a", []string{"leave.approve"}, time.Minute))
	perms, ok, err := m.Get(ctx, "u1", "loc-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"leave.approve"}, perms)

	_, ok, _ = m.Get(ctx, "u1", "loc-b")
	assert.False(t, ok, "entries are per location")

	now = now.Add(time.Minute)
	_, ok, _ = m.Get(ctx, "u1", "loc-a")
	assert.False(t, ok, "entry should expire at ttl")
}

func TestMemoryInvalidateDropsAllLocations(t *testing.T) {
	ctx := context.Background()
	m := cache.NewMemory()
	require.NoError(t, m.Set(ctx, "u1", "loc-a", []string{"p"}, 0))
	require.NoError(t, m.Set(ctx, "u1", "loc-b", []string{"p"}, 0))
	require.NoError(t, m.Set(ctx, "u2", "loc-a", []string{"p"}, 0))

	require.NoError(t, m.Invalidate(ctx, "u1"))
	_, ok, _ := m.Get(ctx, "u1", "loc-a")
	assert.False(t, ok)
	_, ok, _ = m.Get(ctx, "u1", "loc-b")
	assert.False(t, ok)
	_, ok, _ = m.Get(ctx, "u2", "loc-a")
	assert.True(t, ok)
}

func TestRedisRoundTripAndInvalidate(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	c := cache.NewRedisWithClient(client, "test:")

	require.NoError(t, c.Set(ctx, "u1", "loc-a", []string{"timesheet.approve", "leave.approve"}, time.Minute))
	perms, ok, err := c.Get(ctx, "u1", "loc-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"leave.approve", "timesheet.approve"}, perms)
	assert.True(t, srv.Exists("test:perm:u1:loc-a"))

	srv.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, "u1", "loc-a")
	require.NoError(t, err)
	assert.False(t, ok, "redis ttl should drop the entry")

	require.NoError(t, c.Set(ctx, "u1", "loc-a", []string{"p"}, 0))
	require.NoError(t, c.Set(ctx, "u1", "loc-b", []string{"p"}, 0))
	require.NoError(t, c.Invalidate(ctx, "u1"))
	_, ok, _ = c.Get(ctx, "u1", "loc-a")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "u1", "loc-b")
	assert.False(t, ok)
}

func TestNoopNeverHits(t *testing.T) {
	ctx := context.Background()
	var c cache.PermissionCache = cache.Noop{}
	require.NoError(t, c.Set(ctx, "u1", "loc", []string{"p"}, time.Minute))
	_, ok, err := c.Get(ctx, "u1", "loc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMerge(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, cache.Merge([]string{"c", "a"}, "b", "a"))
	assert.True(t, cache.Contains([]string{"a", "b"}, "b"))
	assert.False(t, cache.Contains(nil, "b"))
}
