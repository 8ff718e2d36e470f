// Command sagad runs the saga worker, the cleanup sweeper and the HTTP API
// in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fortressi/sagaflow"
	"github.com/fortressi/sagaflow/config"
	"github.com/fortressi/sagaflow/httpapi"
	"github.com/fortressi/sagaflow/kafkapub"
	"github.com/fortressi/sagaflow/metrics"
	"github.com/fortressi/sagaflow/postgres"
	"github.com/fortressi/sagaflow/redisq"
	"github.com/fortressi/sagaflow/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "sagad: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
			return nil, err
		}
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := config.NewLogger(cfg.App)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: cfg.App.Name,
		Endpoint:    cfg.Telemetry.TraceEndpoint,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	var sinks []sagaflow.Sink
	var m *metrics.Metrics
	if cfg.Telemetry.Metrics {
		m = metrics.NewDefault()
		sinks = append(sinks, m)
	}
	middleware := sagaflow.Chain(
		sagaflow.NewTelemetry(logger, sinks...),
		tracing.New(nil),
	)

	b, err := newBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	registry := sagaflow.NewRegistry()
	if err := registerSagas(registry, logger); err != nil {
		return fmt.Errorf("failed to register saga types: %w", err)
	}

	worker, err := sagaflow.NewWorker(sagaflow.WorkerDeps{
		Registry:  registry,
		Store:     b.store,
		Queue:     b.queue,
		Lease:     b.lease,
		Engine:    sagaflow.NewEngine(cfg.EngineOptions(logger, middleware)),
		Publisher: b.publisher,
		Decay:     b.decay,
		Logger:    logger,
	}, cfg.WorkerConfig())
	if err != nil {
		return err
	}
	worker.Start(ctx)

	var sweeper *sagaflow.Sweeper
	if cfg.Sweeper.Enabled {
		sweeperCfg := cfg.SweeperConfig()
		if m != nil {
			sweeperCfg.OnReport = m.ObserveSweep
		}
		sweeper = sagaflow.NewSweeper(b.store, b.archiver, b.decay, logger, sweeperCfg)
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
	}

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(httpapi.NewHandler(worker, logger))
	if m != nil {
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("http server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	if sweeper != nil {
		sweeper.Stop()
	}
	if err := worker.Shutdown(shutdownCtx); err != nil {
		logger.Warn("worker shutdown did not drain", zap.Error(err))
	}
	return nil
}

// backends holds the collaborators selected by configuration.
type backends struct {
	store     sagaflow.Store
	archiver  sagaflow.Archiver
	decay     sagaflow.DecayRegistrar
	queue     sagaflow.Queue
	lease     sagaflow.Lease
	publisher sagaflow.EventPublisher

	closers []func() error
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

func newBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backends, error) {
	b := &backends{
		archiver:  sagaflow.NewMemoryArchive(),
		decay:     &sagaflow.MemoryDecay{},
		queue:     sagaflow.NewMemoryQueue(),
		lease:     sagaflow.NewMemoryLease(),
		publisher: sagaflow.LogPublisher{Logger: logger},
	}

	switch cfg.Store.Backend {
	case "postgres":
		db, err := postgres.Open(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		if err := postgres.InitSchema(ctx, db); err != nil {
			b.close()
			return nil, err
		}
		b.store = postgres.NewStore(db)
		b.archiver = postgres.NewArchiver(db)
		b.decay = postgres.NewDecayRegistrar(db)
	case "file":
		fs, err := sagaflow.NewFileStore(cfg.Store.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to create file store: %w", err)
		}
		b.store = fs
	default:
		b.store = sagaflow.NewMemoryStore()
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		b.closers = append(b.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			b.close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		queueOpts := []redisq.QueueOption{redisq.WithVisibilityTimeout(cfg.Redis.VisibilityTimeout)}
		var leaseOpts []redisq.LeaseOption
		if cfg.Redis.Prefix != "" {
			queueOpts = append(queueOpts, redisq.WithPrefix(cfg.Redis.Prefix+":queue"))
			leaseOpts = append(leaseOpts, redisq.WithLeasePrefix(cfg.Redis.Prefix+":lease"))
		}
		b.queue = redisq.NewQueue(client, queueOpts...)
		b.lease = redisq.NewLease(client, leaseOpts...)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := kafkapub.New(kafkapub.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		if err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, pub.Close)
		b.publisher = pub
	}

	logger.Info("backends selected",
		zap.String("store", cfg.Store.Backend),
		zap.Bool("redis", cfg.Redis.Addr != ""),
		zap.Bool("kafka", len(cfg.Kafka.Brokers) > 0))
	return b, nil
}
