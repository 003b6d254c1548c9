package app

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"approvald/internal/cache"
	"approvald/internal/config"
	"approvald/internal/domain"
)

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestOpenAppliesDefaultSeed(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Workspace = t.TempDir()
	ctx := context.Background()

	a, err := Open(ctx, cfg, quietLog(), Options{})
	require.NoError(t, err)

	users, err := a.Engine.Repo.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 4)

	// Reopening the same workspace must not duplicate templates.
	require.NoError(t, a.Close())
	a, err = Open(ctx, cfg, quietLog(), Options{})
	require.NoError(t, err)
	defer a.Close()
	templates, err := a.Engine.Repo.ListTemplates(ctx, domain.ResourceLeave)
	require.NoError(t, err)
	assert.Len(t, templates, 1)
}

func TestNewCacheBackends(t *testing.T) {
	ctx := context.Background()

	c, closeFn, err := NewCache(ctx, config.CacheConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &cache.Memory{}, c)
	require.NoError(t, closeFn())

	c, _, err = NewCache(ctx, config.CacheConfig{Backend: "none"})
	require.NoError(t, err)
	assert.IsType(t, cache.Noop{}, c)

	srv := miniredis.RunT(t)
	var rc config.CacheConfig
	rc.Backend = "redis"
	rc.Redis.Addr = srv.Addr()
	c, closeFn, err = NewCache(ctx, rc)
	require.NoError(t, err)
	assert.IsType(t, &cache.Redis{}, c)
	require.NoError(t, closeFn())

	_, _, err = NewCache(ctx, config.CacheConfig{Backend: "memcached"})
	assert.Error(t, err)
}

type countingExpirer struct {
	calls int
	err   error
}

func (c *countingExpirer) ExpireGrants(context.Context) (int, error) {
	c.calls++
	return 2, c.err
}

func TestHousekeeper(t *testing.T) {
	_, err := NewHousekeeper("not a schedule", &countingExpirer{}, quietLog())
	assert.Error(t, err)

	exp := &countingExpirer{}
	h, err := NewHousekeeper("*/5 * * * *", exp, quietLog())
	require.NoError(t, err)
	h.Run()
	exp.err = errors.New("db locked")
	h.Run()
	assert.Equal(t, 2, exp.calls)
	h.Start()
	h.Stop()
}
