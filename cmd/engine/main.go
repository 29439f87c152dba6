// Package main is the entry point for the Conveyor workflow engine.
// It wires all dependencies together, starts the continuation worker,
// and serves the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/opsdesk/conveyor/internal/config"
	"github.com/opsdesk/conveyor/internal/definition"
	"github.com/opsdesk/conveyor/internal/directory"
	"github.com/opsdesk/conveyor/internal/handler"
	"github.com/opsdesk/conveyor/internal/observability"
	"github.com/opsdesk/conveyor/internal/queue"
	"github.com/opsdesk/conveyor/internal/transport"
	"github.com/opsdesk/conveyor/internal/workflow"
	"github.com/opsdesk/conveyor/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "conveyor-engine", version)
	if err != nil {
		logger.Fatal("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Register task handlers. Definitions are validated against
	// this set, so every builtin must be registered before loading.
	handlers := handler.NewRegistry()
	handlers.Register(handler.ValidateRequiredFields{})

	// Step 5: Load definitions, validate, build registry.
	loader := definition.NewLoader()
	defs, err := loader.LoadAll(cfg.Definitions.Directories)
	if err != nil {
		logger.Fatal("definition loading failed", zap.Error(err))
		return 1
	}

	validator := definition.NewValidator()
	verrs := validator.Validate(defs, definition.HandlerSetFunc(func(name string) bool {
		_, ok := handlers.Resolve(name)
		return ok
	}))
	if len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		logger.Fatal("definition validation failed", zap.Int("errors", len(verrs)))
		return 1
	}

	registry := definition.NewRegistry(defs)
	metrics.SetDefinitionsLoaded(float64(registry.Len()))

	// Step 6: Initialize instance store.
	store, storeCloser, err := buildInstanceStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Fatal("instance store initialization failed", zap.Error(err))
		return 1
	}

	// Step 7: Initialize continuation queue.
	jobQueue, queueCloser, err := buildQueue(cfg.Queue, logger)
	if err != nil {
		logger.Fatal("queue initialization failed", zap.Error(err))
		return 1
	}

	// Step 8: Initialize directory resolver.
	resolver, err := buildResolver(cfg.Directory, store, logger)
	if err != nil {
		logger.Fatal("directory resolver initialization failed", zap.Error(err))
		return 1
	}

	// Step 9: Build the workflow service.
	materializer := workflow.NewMaterializer(handlers, resolver, metrics, logger)
	dispatcher := workflow.NewDispatcher()
	producer := queue.NewProducer(jobQueue, metrics)
	svc := workflow.NewService(registry, store, materializer, dispatcher, producer, metrics, logger)

	// Step 10: Build HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger.Named("jwks"))

	readinessChecks := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return registry.Len() > 0 },
	}
	if hc, ok := store.(observability.HealthChecker); ok {
		readinessChecks.InstanceStore = hc
	}
	if hc, ok := jobQueue.(observability.HealthChecker); ok {
		readinessChecks.Queue = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger.Named("http"),
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Service:      svc,
		Metrics:      metrics,
		Readiness:    readinessChecks,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 11: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	worker := queue.NewWorker(
		jobQueue,
		svc,
		queue.Options{MaxAttempts: cfg.Queue.MaxAttempts, BaseBackoff: cfg.Queue.BaseBackoff},
		cfg.Engine.WorkerConcurrency,
		metrics,
		logger,
	)
	go worker.Run(bgCtx)

	if cfg.Definitions.HotReload {
		go runDefinitionReloader(bgCtx, loader, validator, registry, handlers, cfg.Definitions.Directories, metrics, logger)
	}

	// Step 12: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", registry.Len()),
		zap.Int("worker_concurrency", cfg.Engine.WorkerConcurrency),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop the worker and other background tasks.
	bgCancel()

	// Close the queue and store.
	if queueCloser != nil {
		queueCloser()
	}
	if storeCloser != nil {
		storeCloser()
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildInstanceStore creates the workflow instance store based on config.
func buildInstanceStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (workflow.InstanceStore, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory instance store")
		return workflow.NewMemoryInstanceStore(), nil, nil
	case "postgres", "":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" && cfg.DSNEnv != "" {
			return nil, nil, fmt.Errorf("instance store: %s environment variable not set", cfg.DSNEnv)
		}
		if dsn == "" {
			logger.Warn("instance store DSN not configured, using in-memory store")
			return workflow.NewMemoryInstanceStore(), nil, nil
		}

		pool, err := openPgPool(ctx, dsn, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("instance store: %w", err)
		}
		return workflow.NewPgInstanceStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported instance store driver: %q", cfg.Driver)
	}
}

// openPgPool connects a pgx pool with the configured limits and verifies
// the connection with a ping.
func openPgPool(ctx context.Context, dsn string, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// buildQueue creates the continuation job queue based on config.
func buildQueue(cfg config.QueueConfig, logger *zap.Logger) (queue.Queue, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory continuation queue")
		q := queue.NewMemoryQueue()
		return q, q.Close, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("queue: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		q := queue.NewRedisQueue(client, cfg.KeyPrefix)
		closer := func() {
			if err := client.Close(); err != nil {
				logger.Error("redis close error", zap.Error(err))
			}
		}
		return q, closer, nil
	default:
		return nil, nil, fmt.Errorf("unsupported queue driver: %q", cfg.Driver)
	}
}

// buildResolver creates the directory resolver based on config. The
// postgres driver reuses the instance store's pool when available.
func buildResolver(cfg config.DirectoryConfig, store workflow.InstanceStore, logger *zap.Logger) (directory.Resolver, error) {
	switch cfg.Driver {
	case "static", "":
		users := make([]model.User, len(cfg.Users))
		for i, u := range cfg.Users {
			users[i] = model.User{
				ID:     u.ID,
				Name:   u.Name,
				Email:  u.Email,
				Roles:  u.Roles,
				Active: u.Active,
			}
		}
		logger.Info("using static directory resolver", zap.Int("users", len(users)))
		return directory.NewStaticResolver(users, cfg.CacheTTL), nil
	case "postgres":
		pg, ok := store.(*workflow.PgInstanceStore)
		if !ok {
			return nil, fmt.Errorf("directory: postgres driver requires a postgres instance store")
		}
		return directory.NewPgResolver(pg.Pool()), nil
	default:
		return nil, fmt.Errorf("unsupported directory driver: %q", cfg.Driver)
	}
}

// runDefinitionReloader periodically re-reads the definition directories
// and swaps the registry when the content checksum changes. Validation
// failures keep the previous set active.
func runDefinitionReloader(
	ctx context.Context,
	loader *definition.Loader,
	validator *definition.Validator,
	registry *definition.Registry,
	handlers *handler.Registry,
	dirs []string,
	metrics *observability.Metrics,
	logger *zap.Logger,
) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	handlerSet := definition.HandlerSetFunc(func(name string) bool {
		_, ok := handlers.Resolve(name)
		return ok
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			defs, err := loader.LoadAll(dirs)
			if err != nil {
				logger.Error("definition reload failed", zap.Error(err))
				metrics.RecordDefinitionReload("failure")
				continue
			}
			if verrs := validator.Validate(defs, handlerSet); len(verrs) > 0 {
				for _, ve := range verrs {
					logger.Error("definition reload validation error", zap.String("error", ve.Error()))
				}
				metrics.RecordDefinitionReload("failure")
				continue
			}
			before := registry.Checksum()
			registry.Replace(defs)
			if registry.Checksum() != before {
				logger.Info("definitions reloaded", zap.Int("count", len(defs)))
				metrics.RecordDefinitionReload("success")
				metrics.SetDefinitionsLoaded(float64(len(defs)))
			}
		}
	}
}
