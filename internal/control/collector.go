// Package control assembles and runs the collector: storage, cache,
// kafka intake, the retry pipeline, the source connection and the
// management API.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/bioflow/collector/internal/admission"
	"github.com/bioflow/collector/internal/api"
	"github.com/bioflow/collector/internal/cache"
	"github.com/bioflow/collector/internal/core/config"
	"github.com/bioflow/collector/internal/core/domain"
	"github.com/bioflow/collector/internal/events"
	"github.com/bioflow/collector/internal/exceptions"
	"github.com/bioflow/collector/internal/infra/kafka"
	redisclient "github.com/bioflow/collector/internal/infra/redis"
	"github.com/bioflow/collector/internal/infra/storage"
	"github.com/bioflow/collector/internal/infra/storage/memory"
	"github.com/bioflow/collector/internal/infra/storage/postgres"
	"github.com/bioflow/collector/internal/intake"
	"github.com/bioflow/collector/internal/retry"
	"github.com/bioflow/collector/internal/sourceconn"
)

// Collector is the main application struct that manages component
// lifecycles.
type Collector struct {
	cfg config.AppConfig

	db          *postgres.DB
	redisClient *redisclient.Client
	producer    *kafka.Producer
	consumers   []*intake.ConsumerLoop
	manager     *sourceconn.Manager
	executor    *retry.Executor
	apiServer   *api.Server
	log         *slog.Logger
}

// NewCollector creates a Collector with all dependencies initialized.
func NewCollector(ctx context.Context, cfg config.AppConfig) (*Collector, error) {
	c := &Collector{cfg: cfg, log: slog.Default()}

	// 1. Storage
	var exceptionRepo storage.ExceptionRepository
	var attemptRepo storage.AttemptRepository
	var storeHealth api.HealthChecker

	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		c.db = db

		// Goose needs the raw *sql.DB that sqlx wraps
		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		migrationsDir := cfg.Database.MigrationsDir
		if migrationsDir == "" {
			migrationsDir = "migrations"
		}
		if err := goose.Up(db.DB.DB, migrationsDir); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}

		exceptionRepo = postgres.NewExceptionRepo(db)
		attemptRepo = postgres.NewAttemptRepo(db)
		storeHealth = db
		slog.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewStore()
		exceptionRepo = store.ExceptionRepo()
		attemptRepo = store.AttemptRepo()
		slog.Info("Using Memory storage")
	}

	// 2. Validation cache
	var cacheStore cache.Store
	if cfg.Redis.Addr != "" {
		rc, err := redisclient.NewClient(ctx, cfg.Redis)
		if err != nil {
			slog.Warn("Failed to connect to Redis, using in-process cache", "error", err)
			cacheStore = cache.NewMemoryStore(cfg.Redis.TTL)
		} else {
			c.redisClient = rc
			cacheStore = rc
			slog.Info("Using Redis validation cache")
		}
	} else {
		cacheStore = cache.NewMemoryStore(cfg.Redis.TTL)
	}

	bus := events.NewBus()
	validator := cache.NewService(cacheStore, exceptionRepo, attemptRepo)
	cache.NewInvalidator(validator).Register(bus)

	// 3. Source connection
	manager, err := sourceconn.NewManager(cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to init source connection: %w", err)
	}
	c.manager = manager

	policy := sourceconn.NewCallPolicy("source-service", cfg.Source.Breaker)
	registry := sourceconn.NewRegistry()
	for _, t := range []domain.InterfaceType{
		domain.InterfaceOrder,
		domain.InterfaceCollection,
		domain.InterfaceDistribution,
		domain.InterfacePartnerOrder,
	} {
		registry.Register(t, sourceconn.NewGRPCClient(manager, string(t), cfg.Source.Breaker.CallTimeout))
	}
	registry.SetFallback(sourceconn.NewGRPCClient(manager, "default", cfg.Source.Breaker.CallTimeout))

	// 4. Retry pipeline
	c.executor = retry.NewExecutor(cfg.Retry.Workers, cfg.Retry.QueueSize)

	var completion retry.CompletionPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		c.producer = kafka.NewProducer(cfg.Kafka)
		completion = kafka.NewRetryEventPublisher(c.producer, cfg.Kafka.RetryCompletedTopic)
	}

	orchestrator := retry.NewOrchestrator(
		exceptionRepo, attemptRepo,
		validator, registry, manager, policy,
		bus, completion, c.executor,
	)

	// 5. Kafka intake
	if len(cfg.Kafka.Brokers) > 0 {
		dlq := kafka.NewDLQPublisher(c.producer, cfg.Kafka.DLQSuffix)
		recorder := intake.NewRecorder(exceptionRepo, bus, cfg.Retry.MaxAttempts)
		guard := intake.NewGuard(recorder, dlq, cfg.Intake.Retries, cfg.Intake.RetryDelay)
		for _, topic := range cfg.Kafka.Topics {
			consumer := kafka.NewConsumer(cfg.Kafka, topic)
			c.consumers = append(c.consumers, intake.NewConsumerLoop(topic, consumer, guard))
		}
	} else {
		slog.Warn("Kafka not configured, intake disabled")
	}

	// 6. Management API
	limiter := admission.NewLimiter(cfg.Admission)
	exceptionSvc := exceptions.NewService(exceptionRepo, bus)
	c.apiServer = api.NewServer(cfg.Server.Port, exceptionSvc, orchestrator, validator, limiter, manager, storeHealth)

	return c, nil
}

// Start brings every component up. The source connection failing to
// establish is not fatal; the manager keeps reconnecting behind the
// scenes.
func (c *Collector) Start(ctx context.Context) error {
	go func() {
		if err := c.apiServer.Start(); err != nil && ctx.Err() == nil {
			c.log.Error("API server failed", "error", err)
		}
	}()

	c.executor.Start(ctx)
	c.manager.Start(ctx)

	for _, loop := range c.consumers {
		loop.Start(ctx)
	}

	go c.runHealthProbe(ctx)

	c.log.Info("Collector started", "port", c.cfg.Server.Port, "topics", c.cfg.Kafka.Topics)
	return nil
}

// runHealthProbe periodically verifies the source connection is still
// serving; a failed probe triggers the reconnect cycle.
func (c *Collector) runHealthProbe(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.manager.CheckHealth(ctx)
		}
	}
}

// Stop shuts components down in reverse dependency order.
func (c *Collector) Stop(ctx context.Context) error {
	c.log.Info("Stopping Collector...")

	for _, loop := range c.consumers {
		loop.Stop()
	}
	c.executor.Stop()
	c.manager.Stop()

	if c.producer != nil {
		if err := c.producer.Close(); err != nil {
			c.log.Warn("Failed to close Kafka producer", "error", err)
		}
	}
	if c.redisClient != nil {
		if err := c.redisClient.Close(); err != nil {
			c.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.log.Warn("Failed to close database", "error", err)
		}
	}

	return c.apiServer.Stop(ctx)
}
