// Package app assembles the sync server from configuration: stores, queues,
// event bus, engine components, and the HTTP control API.
package app

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/storeflow/storeflow-sync-server/internal/api"
	"github.com/storeflow/storeflow-sync-server/internal/config"
	"github.com/storeflow/storeflow-sync-server/internal/db"
	"github.com/storeflow/storeflow-sync-server/internal/events"
	"github.com/storeflow/storeflow-sync-server/internal/fetch"
	"github.com/storeflow/storeflow-sync-server/internal/health"
	"github.com/storeflow/storeflow-sync-server/internal/queue"
	queuemem "github.com/storeflow/storeflow-sync-server/internal/queue/memory"
	"github.com/storeflow/storeflow-sync-server/internal/retry"
	"github.com/storeflow/storeflow-sync-server/internal/store"
	storemem "github.com/storeflow/storeflow-sync-server/internal/store/memory"
	syncengine "github.com/storeflow/storeflow-sync-server/internal/sync"
	"github.com/storeflow/storeflow-sync-server/internal/telemetry"
)

// Option configures the app builder. Overrides exist primarily for tests;
// production wiring comes from the config file.
type Option func(*builderConfig) error

type builderConfig struct {
	logger  *zap.Logger
	client  fetch.Client
	indexer fetch.Indexer

	// Component overrides
	logStore     store.LogStore
	stateStore   store.StateStore
	queueFactory queue.Factory
	bus          eventBus
}

// eventBus bundles the three event-distribution roles one substrate serves.
type eventBus interface {
	events.Broadcaster
	events.ResultBus
	events.Lock
}

// WithFetchClient sets the commerce platform fetch client. Required.
func WithFetchClient(c fetch.Client) Option {
	return func(cfg *builderConfig) error {
		cfg.client = c
		return nil
	}
}

// WithIndexer sets the search indexer.
func WithIndexer(idx fetch.Indexer) Option {
	return func(cfg *builderConfig) error {
		cfg.indexer = idx
		return nil
	}
}

// WithLogger overrides the logger built from config.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *builderConfig) error {
		cfg.logger = logger
		return nil
	}
}

// WithStores overrides the persistence layer.
func WithStores(logs store.LogStore, state store.StateStore) Option {
	return func(cfg *builderConfig) error {
		cfg.logStore = logs
		cfg.stateStore = state
		return nil
	}
}

// WithQueueFactory overrides the queue substrate.
func WithQueueFactory(f queue.Factory) Option {
	return func(cfg *builderConfig) error {
		cfg.queueFactory = f
		return nil
	}
}

// WithEventBus overrides the event substrate.
func WithEventBus(bus interface {
	events.Broadcaster
	events.ResultBus
	events.Lock
}) Option {
	return func(cfg *builderConfig) error {
		cfg.bus = bus
		return nil
	}
}

// New builds the sync server. Persistence and queue substrates follow the
// configuration: postgres and redis when configured, in-process fallbacks
// otherwise (single-node development mode).
func New(cfg *config.Config, opts ...Option) (*App, error) {
	bc := &builderConfig{}
	for _, opt := range opts {
		if err := opt(bc); err != nil {
			return nil, err
		}
	}
	if bc.client == nil {
		return nil, fmt.Errorf("a fetch client is required")
	}

	logger := bc.logger
	if logger == nil {
		var err error
		logger, err = buildLogger(&cfg.Log)
		if err != nil {
			return nil, err
		}
	}

	logStore, stateStore, err := buildStores(cfg, bc, logger)
	if err != nil {
		return nil, err
	}

	var rdb redis.UniversalClient
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	factory := bc.queueFactory
	if factory == nil {
		if rdb != nil {
			factory = queue.NewRedis(rdb)
		} else {
			logger.Warn("redis not configured; jobs will not survive restarts")
			factory = queuemem.NewFactory()
		}
	}
	queues := queue.NewManager(factory)

	bus := bc.bus
	if bus == nil {
		if rdb != nil {
			bus = events.NewRedisBus(rdb, logger)
		} else {
			bus = events.NewLocalBus()
		}
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	policy := retry.New(retry.WithMaxAttempts(cfg.Sync.MaxAttempts))
	controller := syncengine.NewController(logStore, stateStore, queues, policy, bus, logger)
	aggregator := health.New(logStore, stateStore, queues)
	sweeper := syncengine.NewSweeper(controller, logStore, queues, policy, bus, logger,
		syncengine.WithStaleness(cfg.Sync.Staleness),
		syncengine.WithSweeperMetrics(metrics))

	scheduler := syncengine.NewScheduler(controller, logger)
	for _, sched := range cfg.Sync.Schedules {
		err := scheduler.Add(syncengine.Schedule{
			Spec:        sched.Spec,
			Tenants:     sched.Tenants,
			EntityTypes: sched.ParsedEntityTypes(),
			Incremental: sched.Incremental,
		})
		if err != nil {
			return nil, fmt.Errorf("registering schedule %q: %w", sched.Spec, err)
		}
	}

	// One worker per entity queue keeps each entity single-writer.
	workers := make([]*syncengine.Worker, 0, len(queues.All()))
	for _, q := range queues.All() {
		workers = append(workers, syncengine.NewWorker(q, logStore, stateStore, policy,
			bc.client, bus, logger,
			syncengine.WithIndexer(bc.indexer),
			syncengine.WithWorkerMetrics(metrics)))
	}

	handler := api.NewServer(controller, aggregator, bus, logger,
		api.WithMiddlewares(
			api.LoggingMiddleware(logger),
			telemetry.HTTPMiddleware(registry),
		),
		api.WithMetricsRegistry(registry))

	return &App{
		cfg:       cfg,
		logger:    logger,
		handler:   handler,
		workers:   workers,
		sweeper:   sweeper,
		scheduler: scheduler,
	}, nil
}

func buildStores(cfg *config.Config, bc *builderConfig, logger *zap.Logger) (store.LogStore, store.StateStore, error) {
	if bc.logStore != nil && bc.stateStore != nil {
		return bc.logStore, bc.stateStore, nil
	}

	if cfg.Database.Enabled() {
		gdb, err := db.Open(&cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		pg := store.NewPostgres(gdb)
		return pg, pg, nil
	}

	logger.Warn("database not configured; sync history will not survive restarts")
	mem := storemem.New()
	return mem, mem, nil
}

func buildLogger(cfg *config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zcfg := zap.NewProductionConfig()
	if !cfg.JSON {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level
	return zcfg.Build()
}
