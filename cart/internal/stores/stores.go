// Package stores opens the event log, read model, snapshot and coordination backends a process
// needs, falling back to in-memory implementations for single-process development.
package stores

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"shopping-cart-service/cart/internal/cluster"
	"shopping-cart-service/cart/internal/eventlog"
	"shopping-cart-service/cart/internal/popularity"
	"shopping-cart-service/cart/internal/repos"
	"shopping-cart-service/cart/internal/snapshot"
	"shopping-cart-service/shared/cachex"
	"shopping-cart-service/shared/config"
	"shopping-cart-service/shared/dbx"
	"shopping-cart-service/shared/lockx"
	"shopping-cart-service/shared/logx"
)

type Stores struct {
	Pool  *pgxpool.Pool
	Cache *cachex.Client

	Log        eventlog.Store
	Popularity popularity.Store
	Snapshots  snapshot.Store
	Leases     cluster.Leases
	Directory  cluster.Directory

	// Shared is false when the event log lives in this process only, so no other process can
	// project it.
	Shared bool
}

// Open never fails outright: anything it cannot reach is reported as a problem and replaced by an
// in-memory store so the process still starts and answers /readyz.
func Open(ctx context.Context, cfg config.Config, logger logx.Logger) (*Stores, []config.Problem) {
	s := &Stores{}
	var problems []config.Problem

	if cfg.EventStore == config.EventStorePostgres {
		pool, err := openPool(ctx, cfg)
		if err != nil {
			problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(ctx, "db_init_failed", "database init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		} else {
			s.Pool = pool
			s.Log = repos.NewEventLog(pool)
			s.Popularity = repos.NewPopularityStore(pool)
			s.Shared = true
		}
	}
	if s.Log == nil {
		mem := eventlog.NewMemory()
		s.Log = mem
		s.Popularity = popularity.NewMemory()
		logger.Warn(ctx, "event_store_memory", "using in-memory event log; state is lost on exit",
			slog.String("event_store", cfg.EventStore),
		)
	}

	if cfg.RedisAddr != "" {
		cache, err := cachex.New(cfg)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err = cache.Ping(pingCtx)
			cancel()
			if err != nil {
				_ = cache.Close()
			}
		}
		if err != nil {
			problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "failed to connect to redis"})
			logger.Error(ctx, "redis_init_failed", "redis init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		} else {
			s.Cache = cache
			s.Snapshots = repos.NewRedisSnapshots(cache, cfg.SnapshotKeep)
			s.Leases = lockx.NewRedis(cache.Client())
			s.Directory = cluster.NewRedisDirectory(cache.Client(), cfg.ShardLeaseTTL())
		}
	}
	if s.Cache == nil {
		s.Snapshots = snapshot.NewMemory(cfg.SnapshotKeep)
		s.Leases = lockx.NewMemory()
		s.Directory = cluster.NewMemoryDirectory(cfg.ShardLeaseTTL())
		logger.Warn(ctx, "coordination_memory", "no redis configured; running as a single node")
	}
	return s, problems
}

func openPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	pool, err := dbx.NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := repos.EnsureSchema(initCtx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Ping checks every external backend that was opened.
func (s *Stores) Ping(ctx context.Context) error {
	var errs []error
	if s.Pool != nil {
		if err := dbx.Ping(ctx, s.Pool); err != nil {
			errs = append(errs, err)
		}
	}
	if s.Cache != nil {
		if err := s.Cache.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Stores) Close() {
	if s.Cache != nil {
		_ = s.Cache.Close()
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
}
