package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-knowledge/pkg/cache"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/config"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/database"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/events"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/logging"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/observability"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/repositories"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/retry"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/search"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/services"
)

// metricsNamespace prefixes every exported Prometheus series.
const metricsNamespace = "ekaya_knowledge"

// app holds the process-wide collaborators shared by every command.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *observability.Metrics
	db      *database.DB

	redis *redis.Client
	nats  *nats.Conn

	search services.NodeSearchService
	nodes  services.KnowledgeNodeService

	shutdownTracing observability.ShutdownFunc
}

// loadApp reads configuration and builds the logger. Nothing is connected yet.
func loadApp(configPath, logLevel string) (*app, error) {
	cfg, err := config.Load(configPath, Version)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger, err := logging.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.ConnectionString())),
		zap.Bool("redis", cfg.Redis.Host != ""),
		zap.Bool("nats", cfg.NATS.URL != ""),
		zap.Bool("search", cfg.Search.Enabled),
		zap.Bool("tracing", cfg.Tracing.Enabled))

	return &app{
		cfg:             cfg,
		logger:          logger,
		metrics:         observability.NewMetrics(metricsNamespace),
		shutdownTracing: func(context.Context) error { return nil },
	}, nil
}

// connectDatabase opens the pool, retrying while Postgres comes up.
func (a *app) connectDatabase(ctx context.Context) error {
	dbCfg := database.ConfigFrom(&a.cfg.Database, a.cfg.Tracing.Enabled)

	db, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*database.DB, error) {
		db, err := database.NewConnection(ctx, dbCfg)
		if err != nil {
			a.logger.Warn("Database not ready", zap.String("error", logging.SanitizeError(err)))
		}
		return db, err
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	a.db = db
	return nil
}

// migrate applies pending schema migrations over the open pool.
func (a *app) migrate() error {
	sqlDB := a.db.SQL()
	defer sqlDB.Close()
	return database.RunMigrations(sqlDB, a.logger)
}

// buildCache returns the Redis cache when configured, the in-memory cache otherwise.
func (a *app) buildCache(ctx context.Context) cache.Cache {
	if a.cfg.Redis.Host == "" {
		return cache.NewMemoryCache(a.cfg.Cache.MemoryMaxItems, a.logger)
	}

	client, err := database.NewRedisClient(ctx, &a.cfg.Redis)
	if err != nil {
		a.logger.Warn("Redis unavailable, falling back to in-memory cache",
			zap.String("error", logging.SanitizeError(err)))
		return cache.NewMemoryCache(a.cfg.Cache.MemoryMaxItems, a.logger)
	}
	a.redis = client
	return cache.NewRedisCache(client, a.cfg.Redis.KeyPrefix, a.logger)
}

// buildBus returns the NATS bus when configured, the logging bus otherwise.
func (a *app) buildBus() events.Bus {
	if a.cfg.NATS.URL == "" {
		return events.NewLogBus(a.logger)
	}

	conn, err := events.ConnectNATS(a.cfg.NATS.URL, a.logger)
	if err != nil {
		a.logger.Warn("NATS unavailable, events will only be logged", zap.Error(err))
		return events.NewLogBus(a.logger)
	}
	a.nats = conn
	return events.NewNATSBus(conn, a.cfg.NATS.SubjectPrefix, func(name string, err error) {
		a.metrics.EventFailure(name)
	}, a.logger)
}

// buildIndex returns the breaker-guarded Postgres index, or nil when search is disabled.
func (a *app) buildIndex() search.Index {
	if !a.cfg.Search.Enabled {
		return nil
	}
	settings := search.BreakerSettings{
		Name:             a.cfg.Search.IndexName,
		MaxRequests:      a.cfg.Search.BreakerMaxRequests,
		Interval:         a.cfg.Search.BreakerInterval,
		Timeout:          a.cfg.Search.BreakerTimeout,
		FailureThreshold: a.cfg.Search.FailureThreshold,
		MinRequests:      a.cfg.Search.MinRequests,
	}
	return search.NewBreakerIndex(search.NewPostgresIndex(a.db, a.logger), settings, a.logger)
}

// start connects every backing store and initializes the services in dependency order.
func (a *app) start(ctx context.Context, runMigrations bool) error {
	shutdown, err := observability.InitTracing(ctx, a.cfg.Tracing, a.cfg.Env, a.cfg.Version, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.shutdownTracing = shutdown

	if err := a.connectDatabase(ctx); err != nil {
		return err
	}
	if runMigrations {
		if err := a.migrate(); err != nil {
			return err
		}
	}

	repo := repositories.NewKnowledgeNodeRepository(a.db)
	bus := a.buildBus()

	// Nodes that miss the index are announced so an operator or consumer can reindex them.
	a.search = services.NewNodeSearchService(repo, a.buildIndex(), services.NodeSearchConfig{
		IndexName: a.cfg.Search.IndexName,
		OnIndexFailure: func(operation string, nodeID uuid.UUID, err error) {
			bus.Emit(context.Background(), "search.index_failed", map[string]string{
				"operation": operation,
				"node_id":   nodeID.String(),
				"error":     logging.SanitizeError(err),
			})
		},
	}, a.metrics, a.logger)

	a.nodes = services.NewKnowledgeNodeService(services.KnowledgeNodeDeps{
		Repo:       repo,
		Validator:  services.NewNodeValidator(repo, a.logger),
		Search:     a.search,
		Statistics: services.NewNodeStatisticsService(repositories.NewKnowledgeNodeStatsRepository(a.db), a.logger),
		Cache:      a.buildCache(ctx),
		Bus:        bus,
		Metrics:    a.metrics,
	}, services.KnowledgeNodeConfig{
		NodeTTL: a.cfg.Cache.NodeTTL,
		ListTTL: a.cfg.Cache.ListTTL,
	}, a.logger)

	if err := a.search.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize search: %w", err)
	}
	if err := a.nodes.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize knowledge nodes: %w", err)
	}
	return nil
}

// close shuts services down in reverse order and releases every connection.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if a.nodes != nil {
		if err := a.nodes.Shutdown(ctx); err != nil {
			a.logger.Error("Knowledge node service shutdown failed", zap.Error(err))
		}
	}
	if a.search != nil {
		if err := a.search.Shutdown(ctx); err != nil {
			a.logger.Error("Search service shutdown failed", zap.Error(err))
		}
	}
	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			a.logger.Warn("NATS drain failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Redis close failed", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	if err := a.shutdownTracing(ctx); err != nil {
		a.logger.Warn("Tracing shutdown failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}
