package main

import (
	"context"
	"fmt"

	"github.com/dairycoop/credit-engine/api"
	"github.com/dairycoop/credit-engine/config"
	"github.com/dairycoop/credit-engine/credit"
	"github.com/dairycoop/credit-engine/store/postgres"
	"github.com/dairycoop/credit-engine/store/redis"
	"github.com/dairycoop/credit-engine/store/sqlite"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// backend is what both database stores provide: the ledger plus the
// cooperative tables the engine reads from.
type backend interface {
	credit.Store
	credit.PendingPayments
	credit.ProductCatalog
	credit.RegistrationSource
	Ping(ctx context.Context) error
	Close() error
}

// app holds the wired dependencies shared by every command.
type app struct {
	cfg       *config.Config
	logger    *logrus.Logger
	store     backend
	sqlite    *sqlite.Store // nil on postgres
	redis     *goredis.Client
	engine    *credit.Engine
	history   *credit.HistoryService
	handler   *api.Handler
	scheduler *api.SettlementScheduler
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (backend, *sqlite.Store, error) {
	switch cfg.Driver {
	case "postgres":
		if err := postgres.Migrate(cfg.DSN); err != nil {
			return nil, nil, err
		}
		store, err := postgres.Open(ctx, cfg.DSN, cfg.MaxOpenConns)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	default:
		store, err := sqlite.New(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	store, sqliteStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, store: store, sqlite: sqliteStore}

	policies, err := cfg.TierPolicies()
	if err != nil {
		a.Close()
		return nil, err
	}

	var tiers credit.TierResolver = &credit.RegistrationTierResolver{Source: store}
	if cfg.Engine.TierSource != "registration" {
		tiers = credit.FixedTierResolver(cfg.Engine.TierSource)
	}

	var (
		locker credit.Locker
		cache  credit.HistoryCache
	)
	if cfg.Redis.Enabled {
		rdb, err := redis.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.redis = rdb
		locker = redis.NewLocker(rdb, config.Duration(cfg.Redis.LockTTL), logger)
		cache = redis.NewHistoryCache(rdb, config.Duration(cfg.Engine.HistoryCacheTTL), logger)
	} else {
		locker = credit.NewKeyedLocker()
		cache = credit.NewLRUHistoryCache(cfg.Engine.HistoryCacheSize, config.Duration(cfg.Engine.HistoryCacheTTL))
	}

	a.history = credit.NewHistoryService(store, cache, logger)
	a.engine = credit.NewEngine(credit.EngineConfig{
		Store:       store,
		Payments:    store,
		Catalog:     store,
		Tiers:       tiers,
		Calculator:  credit.NewCalculator(policies),
		Locker:      locker,
		LockTimeout: config.Duration(cfg.Engine.LockTimeout),
		History:     a.history,
		Logger:      logger,
	})

	retry := credit.RetryPolicy{
		Attempts: cfg.Engine.RetryAttempts,
		Backoff:  config.Duration(cfg.Engine.RetryBackoff),
	}

	a.scheduler = api.NewSettlementScheduler(a.engine, store, logger)
	a.scheduler.CheckInterval = config.Duration(cfg.Settlement.CheckInterval)
	a.scheduler.Concurrency = cfg.Settlement.Concurrency
	a.scheduler.Enabled = cfg.Settlement.Enabled
	a.scheduler.Approver = cfg.Settlement.Approver
	a.scheduler.Retry = retry

	a.handler = api.NewHandler(a.engine, a.history, store, store, logger)
	a.handler.Retry = retry
	a.handler.Scheduler = a.scheduler
	a.handler.Cooperative = sqliteStore

	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close redis client")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close database")
		}
	}
}
