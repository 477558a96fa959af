// Package boot assembles the asset services from configuration. Every
// binary builds its dependencies through New so they are wired the same way.
package boot

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/yourorg/assetgw/internal/activities"
	"github.com/yourorg/assetgw/internal/audit"
	"github.com/yourorg/assetgw/internal/config"
	"github.com/yourorg/assetgw/internal/db"
	"github.com/yourorg/assetgw/internal/db/memdb"
	"github.com/yourorg/assetgw/internal/locks"
	"github.com/yourorg/assetgw/internal/policy"
	"github.com/yourorg/assetgw/internal/registry"
	"github.com/yourorg/assetgw/internal/relations"
	"github.com/yourorg/assetgw/internal/storage"
	"github.com/yourorg/assetgw/internal/types"
	"github.com/yourorg/assetgw/internal/upload"
)

// App holds the wired services of one process.
type App struct {
	Config    config.Config
	Log       *zap.Logger
	Repos     db.Repositories
	Store     storage.Store
	Audit     *audit.Service
	Uploads   *upload.Gateway
	Registry  *registry.Service
	Policy    *policy.Engine
	Relations *relations.Index
	Reaper    *activities.Activities

	closers []func() error
}

// New connects backends and builds the services. Optional backends (Redis,
// NATS) that cannot be reached are logged and skipped.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Config: cfg, Log: log}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	if cfg.Dev {
		log.Warn("dev mode: using in-memory repositories; nothing is persisted")
		a.Repos = memdb.New().Repositories()
	} else {
		pool, err := db.Connect(ctx, cfg.DB)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		a.Repos = db.NewRepositories(pool)
	}

	store, err := storage.New(ctx, cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.Store = store
	a.closers = append(a.closers, func() error { return storage.Close(store) })

	var auditOpts []audit.Option
	if cfg.NATS.URL != "" {
		pub, err := audit.NewNats(cfg.NATS.URL, log)
		if err != nil {
			log.Warn("nats unavailable; audit fan-out disabled", zap.Error(err))
		} else {
			auditOpts = append(auditOpts, audit.WithPublisher(pub))
			a.closers = append(a.closers, pub.Close)
		}
	}
	a.Audit = audit.New(a.Repos.Audit, log, auditOpts...)

	var locker locks.Locker = locks.NewLocal()
	if cfg.Redis.URL != "" {
		rl, err := locks.NewRedis(cfg.Redis.URL)
		if err != nil {
			log.Warn("redis unavailable; dedup lock is process-local", zap.Error(err))
		} else {
			locker = rl
			a.closers = append(a.closers, rl.Close)
		}
	}

	a.Uploads = upload.New(a.Repos.Sessions, store, a.Audit, cfg.Upload, log)
	a.Policy = policy.New(a.Repos.Policies, a.Repos.Assets, store, a.Audit, log,
		policy.WithCache(cfg.Policy.CacheSize, cfg.Policy.CacheTTL))
	a.Registry = registry.New(a.Repos.Assets, store, a.Uploads, locker, a.Audit, cfg.Registry, log,
		registry.WithPolicies(a.Policy))
	a.Relations = relations.New(a.Repos.Relations, a.Repos.Assets, a.Audit, log)
	a.Reaper = activities.New(a.Uploads, a.Registry, log)

	ok = true
	return a, nil
}

// ReaperParams maps the reaper section onto workflow input.
func (a *App) ReaperParams() types.ReaperParams {
	return types.ReaperParams{
		SessionLimit:   a.Config.Reaper.SessionLimit,
		PurgeLimit:     a.Config.Reaper.PurgeLimit,
		ReconcileLimit: a.Config.Reaper.ReconcileLimit,
	}
}

// Close releases backends in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
