// Command server runs the synchronous derivation endpoints: streamed
// variants on /upload and persisted variants on /upload-and-write.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/dharsanguruparan/atwany/internal/config"
	"github.com/dharsanguruparan/atwany/internal/logging"
	"github.com/dharsanguruparan/atwany/internal/metrics"
	"github.com/dharsanguruparan/atwany/internal/pipeline"
	"github.com/dharsanguruparan/atwany/internal/processing"
	"github.com/dharsanguruparan/atwany/internal/s3storage"
	"github.com/dharsanguruparan/atwany/internal/server"
	"github.com/dharsanguruparan/atwany/internal/signing"
	"github.com/dharsanguruparan/atwany/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, "atwany-server")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("storage_init_failed", slog.String("backend", cfg.Storage), slog.String("error", err.Error()))
		os.Exit(1)
	}

	m := metrics.New()
	pool := processing.New(cfg.Workers, logger)
	// Workers outlive the signal so draining requests can finish; Stop ends
	// them once the server has returned.
	pool.Start(context.Background())
	defer pool.Stop()

	p := pipeline.New(pool, store, pipeline.Options{
		Timeout:      cfg.RequestTimeout,
		StreamBuffer: cfg.StreamBuffer,
		MaxPixels:    cfg.MaxPixels,
		Metrics:      m,
		Logger:       logger,
	})
	srv := server.New(cfg, p, store, signing.NewSigner(cfg.SigningSecret), m, logger)

	logger.Info("server_starting",
		slog.String("address", cfg.Address),
		slog.String("storage", cfg.Storage),
		slog.Int("workers", pool.Workers()),
	)
	if err := srv.Serve(ctx); err != nil {
		logger.Error("server_stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (storage.ReadWriter, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		return storage.NewMemoryStore(), nil
	case config.StorageS3:
		s3, err := s3storage.New(cfg)
		if err != nil {
			return nil, err
		}
		if err := s3.EnsureBuckets(ctx); err != nil {
			return nil, err
		}
		return s3, nil
	default:
		fs, err := storage.NewFileStore(cfg.Root)
		if err != nil {
			return nil, err
		}
		return fs, nil
	}
}
