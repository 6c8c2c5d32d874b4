// Package worker derives queued uploads in the background.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/atwany/internal/media"
	"github.com/dharsanguruparan/atwany/internal/model"
	"github.com/dharsanguruparan/atwany/internal/queue"
)

// Repository records job progress.
type Repository interface {
	MarkProcessing(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, msg string) error
	MarkCompleted(ctx context.Context, id string, resp *model.AggregateResponse) error
}

// RawSource fetches the original upload.
type RawSource interface {
	DownloadRaw(ctx context.Context, objectKey string) ([]byte, error)
}

// Writer runs the derivation pipeline in write mode.
type Writer interface {
	Write(ctx context.Context, req model.UploadRequest) (*model.AggregateResponse, error)
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	repo   Repository
	raw    RawSource
	writer Writer
	logger *slog.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(repo Repository, raw RawSource, writer Writer, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{repo: repo, raw: raw, writer: writer, logger: logger}
}

// Handler registers the derive job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.DeriveMediaTask, p.HandleDerive)
	return mux
}

// HandleDerive downloads the raw upload, persists every variant under the
// media id and stores the aggregate on the row. Undecodable uploads are not
// retried.
func (p *Processor) HandleDerive(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseDerivePayload(task)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	logger := p.logger.With(slog.String("media_id", payload.MediaID))
	failure := func(err error) error {
		logger.Warn("derive_failed", slog.String("error", err.Error()))
		if markErr := p.repo.MarkFailed(ctx, payload.MediaID, err.Error()); markErr != nil {
			logger.Error("mark_failed_failed", slog.String("error", markErr.Error()))
		}
		if errors.Is(err, media.ErrDecode) || errors.Is(err, media.ErrInvalidName) {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		return err
	}
	if err := p.repo.MarkProcessing(ctx, payload.MediaID); err != nil {
		return failure(err)
	}
	data, err := p.raw.DownloadRaw(ctx, payload.ObjectKey)
	if err != nil {
		return failure(err)
	}
	mt, err := media.ParseMimeType(payload.MimeType)
	if err != nil {
		logger.Info("mimetype_unsupported", slog.String("declared", payload.MimeType))
	}
	resp, err := p.writer.Write(ctx, model.UploadRequest{
		Image:    data,
		MimeType: mt,
		FileName: payload.MediaID,
	})
	if err != nil {
		return failure(err)
	}
	if err := p.repo.MarkCompleted(ctx, payload.MediaID, resp); err != nil {
		return failure(err)
	}
	logger.Info("derive_completed", slog.Int("variants", len(resp.Variants)), slog.String("aspect_ratio", resp.AspectRatio))
	return nil
}
