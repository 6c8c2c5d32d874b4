// Command worker consumes media:derive jobs and writes variants to the
// S3 media bucket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/dharsanguruparan/atwany/internal/config"
	"github.com/dharsanguruparan/atwany/internal/database"
	"github.com/dharsanguruparan/atwany/internal/logging"
	"github.com/dharsanguruparan/atwany/internal/metrics"
	"github.com/dharsanguruparan/atwany/internal/pipeline"
	"github.com/dharsanguruparan/atwany/internal/processing"
	"github.com/dharsanguruparan/atwany/internal/repository"
	"github.com/dharsanguruparan/atwany/internal/s3storage"
	"github.com/dharsanguruparan/atwany/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, "atwany-worker")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker_stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()
	if err := database.EnsureSchema(ctx, db); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	store, err := s3storage.New(cfg)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	if err := store.EnsureBuckets(ctx); err != nil {
		return fmt.Errorf("ensure buckets: %w", err)
	}

	pool := processing.New(cfg.Workers, logger)
	// Workers outlive the signal so draining requests can finish; Stop ends
	// them once the server has returned.
	pool.Start(context.Background())
	defer pool.Stop()
	p := pipeline.New(pool, store, pipeline.Options{
		Timeout:   cfg.RequestTimeout,
		MaxPixels: cfg.MaxPixels,
		Metrics:   metrics.New(),
		Logger:    logger,
	})

	server := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		Concurrency: cfg.Workers,
	})
	processor := worker.NewProcessor(repository.NewMediaRepository(db), store, p, logger)

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	logger.Info("worker_starting", slog.Int("concurrency", cfg.Workers))
	return server.Run(processor.Handler())
}
