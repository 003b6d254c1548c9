package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"approvald/internal/cache"
	"approvald/internal/config"
	"approvald/internal/db"
	"approvald/internal/engine"
	"approvald/internal/migrate"
)

// App is an opened workspace: database, cache and the engine over both.
type App struct {
	Config *config.Config
	DB     *sql.DB
	Cache  cache.PermissionCache
	Engine engine.Engine
	Log    logrus.FieldLogger
	closer func() error
}

type Options struct {
	// SkipSeed leaves the catalogue untouched.
	SkipSeed bool
}

// Open migrates the workspace database, connects the configured cache and
// applies the seed catalogue.
func Open(ctx context.Context, cfg *config.Config, log logrus.FieldLogger, opts Options) (*App, error) {
	conn, err := db.Open(db.Config{Workspace: cfg.Store.Workspace, BusyTimeoutMS: cfg.Store.BusyTimeoutMS})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	c, closeCache, err := NewCache(ctx, cfg.Cache)
	if err != nil {
		conn.Close()
		return nil, err
	}
	eng := engine.New(conn, c, log)
	if cfg.Cache.TTL > 0 {
		eng.Authority.TTL = cfg.Cache.TTL
	}
	a := &App{
		Config: cfg,
		DB:     conn,
		Cache:  c,
		Engine: eng,
		Log:    log,
		closer: func() error {
			cerr := closeCache()
			if err := conn.Close(); err != nil {
				return err
			}
			return cerr
		},
	}
	if !opts.SkipSeed {
		if err := eng.ApplySeed(ctx, cfg.Seed); err != nil {
			a.Close()
			return nil, fmt.Errorf("apply seed: %w", err)
		}
	}
	return a, nil
}

func (a *App) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	return a.closer()
}

// NewCache builds the permission cache named by cfg.Backend.
func NewCache(ctx context.Context, cfg config.CacheConfig) (cache.PermissionCache, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case "", "memory":
		return cache.NewMemory(), noop, nil
	case "none":
		return cache.Noop{}, noop, nil
	case "redis":
		r, err := cache.NewRedis(ctx, cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
}
