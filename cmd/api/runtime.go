package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"quorum/api/internal/app"
	"quorum/api/internal/config"
	"quorum/api/internal/metrics"
	"quorum/api/internal/realtime"
	"quorum/api/internal/search"
	"quorum/api/internal/store"
)

// dataStore is what both store backends offer to the service and the search indexer.
type dataStore interface {
	app.DataStore
	search.Source
}

type stack struct {
	cfg      config.Config
	logger   *slog.Logger
	store    dataStore
	sqlDB    *sql.DB
	meili    *search.Meili
	search   *search.Service
	registry *prometheus.Registry
	service  *app.Service
	closers  []func()
}

func loadConfig(envFiles []string) (config.Config, error) {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return config.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// setup opens the configured store and, when withService is set, builds the service
// and everything it depends on. The caller must call close.
func setup(ctx context.Context, envFiles []string, withService bool) (*stack, error) {
	cfg, err := loadConfig(envFiles)
	if err != nil {
		return nil, err
	}
	rt := &stack{cfg: cfg, logger: newLogger(cfg.LogLevel)}
	slog.SetDefault(rt.logger)

	if err := rt.openStore(ctx); err != nil {
		rt.close()
		return nil, err
	}
	if !withService {
		return rt, nil
	}
	if rt.sqlDB != nil {
		if _, err := migrate(ctx, rt); err != nil {
			rt.close()
			return nil, err
		}
	}

	broker, err := rt.openBroker()
	if err != nil {
		rt.close()
		return nil, err
	}

	rt.registry = prometheus.NewRegistry()
	rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := &metrics.Metrics{}
	m.Register(rt.registry)

	rt.search = rt.buildSearch()
	rt.service = app.New(cfg, rt.store, app.Deps{
		Logger:  rt.logger,
		Broker:  broker,
		Search:  rt.search,
		Metrics: m,
	})
	return rt, nil
}

func (rt *stack) openStore(ctx context.Context) error {
	switch rt.cfg.StoreDriver {
	case config.StorePostgres:
		db, err := store.OpenPostgres(ctx, rt.cfg.DatabaseURL, store.PoolOptions{})
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		rt.sqlDB = db
		pg := store.NewPostgresStore(db)
		rt.store = pg
		rt.closers = append(rt.closers, func() { _ = pg.Close() })
	default:
		if dir := filepath.Dir(rt.cfg.BoltPath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
		}
		db, err := store.OpenBolt(rt.cfg.BoltPath)
		if err != nil {
			return fmt.Errorf("open bolt store: %w", err)
		}
		rt.store = db
		rt.closers = append(rt.closers, func() { _ = db.Close() })
	}
	return nil
}

func migrate(ctx context.Context, rt *stack) (int, error) {
	applied, err := store.ApplyMigrations(ctx, rt.sqlDB, rt.cfg.MigrationsDir, rt.logger)
	if err != nil {
		return 0, fmt.Errorf("migrations failed: %w", err)
	}
	return applied, nil
}

// openBroker fans events out through Redis when it is configured, so every replica's
// subscribers see every change; otherwise events stay in this process.
func (rt *stack) openBroker() (realtime.Broker, error) {
	if strings.TrimSpace(rt.cfg.RedisURL) == "" {
		broker := realtime.NewLocalBroker()
		rt.closers = append(rt.closers, func() { _ = broker.Close() })
		return broker, nil
	}
	broker, err := realtime.NewRedisBroker(rt.cfg.RedisURL, rt.logger)
	if err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	rt.logger.Info("using redis for change notifications")
	rt.closers = append(rt.closers, func() { _ = broker.Close() })
	return broker, nil
}

func (rt *stack) buildSearch() *search.Service {
	var fallback search.Searcher
	if rt.sqlDB != nil {
		fallback = search.NewPgFTS(rt.sqlDB)
	} else {
		fallback = search.NewScan(rt.store)
	}
	if strings.TrimSpace(rt.cfg.MeiliURL) != "" {
		rt.meili = search.NewMeili(rt.cfg.MeiliURL, rt.cfg.MeiliMasterKey, rt.logger)
		rt.closers = append(rt.closers, rt.meili.Close)
	}
	return search.NewService(rt.meili, fallback, rt.logger)
}

// close releases resources in reverse order of acquisition.
func (rt *stack) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
