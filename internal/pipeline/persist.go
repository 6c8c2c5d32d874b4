package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/dharsanguruparan/atwany/internal/media"
	"github.com/dharsanguruparan/atwany/internal/model"
)

const rollbackTimeout = 10 * time.Second

// ErrNoStore is returned by operations that persist when the Pipeline was
// built without a store.
var ErrNoStore = errors.New("pipeline has no storage configured")

// ImagePath is the storage key of a variant: images/<stem>_<suffix>.jpeg.
func ImagePath(stem string, class media.SizeClass) string {
	return "images/" + stem + "_" + class.Suffix() + "." + media.FileExtension
}

// FilePath is the storage key of a verbatim upload: files/<name>.<ext>.
func FilePath(name, ext string) (string, error) {
	base := filepath.Base(filepath.Clean("/" + strings.TrimSpace(name)))
	if base == "/" || base == "." {
		return "", fmt.Errorf("%w: %q", media.ErrInvalidName, name)
	}
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if strings.ContainsAny(ext, `/\`) {
		return "", fmt.Errorf("%w: extension %q", media.ErrInvalidName, ext)
	}
	if ext == "" {
		return "files/" + base, nil
	}
	return "files/" + base + "." + ext, nil
}

// Persist writes one variant and returns its metadata without the bytes.
func (p *Pipeline) Persist(ctx context.Context, stem string, v media.VariantResult) (model.MediaSize, error) {
	if p.store == nil {
		return model.MediaSize{}, ErrNoStore
	}
	key := ImagePath(stem, v.Class)
	if err := p.store.Put(ctx, key, v.Data, media.ContentType); err != nil {
		return model.MediaSize{}, fmt.Errorf("persist %s: %w", key, err)
	}
	p.metrics.Written(len(v.Data))
	return model.MediaSize{
		Size:      v.Class,
		Width:     v.Width,
		Height:    v.Height,
		URLSuffix: v.Suffix,
	}, nil
}

func (p *Pipeline) persistAll(ctx context.Context, r *run, stem string, variants []media.VariantResult) ([]model.MediaSize, error) {
	sizes := make([]model.MediaSize, 0, len(variants))
	written := make([]string, 0, len(variants))
	for _, v := range variants {
		size, err := p.Persist(ctx, stem, v)
		if err != nil {
			p.rollback(ctx, r, written)
			return nil, err
		}
		sizes = append(sizes, size)
		written = append(written, ImagePath(stem, v.Class))
	}
	return sizes, nil
}

// rollback removes keys written by a failed request. It outlives the request
// context so a deadline does not leave files behind.
func (p *Pipeline) rollback(ctx context.Context, r *run, keys []string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	for _, key := range keys {
		if err := p.store.Remove(ctx, key); err != nil {
			r.logger.Error("rollback_failed", slog.String("key", key), slog.String("error", err.Error()))
			continue
		}
		r.logger.Info("rollback_removed", slog.String("key", key))
	}
}

// SaveFile stores an arbitrary upload verbatim, bypassing the image pipeline.
func (p *Pipeline) SaveFile(ctx context.Context, f model.FileUpload) (*model.FileUploadResponse, error) {
	if p.store == nil {
		return nil, ErrNoStore
	}
	key, err := FilePath(f.FileName, f.FileExtension)
	if err != nil {
		return nil, err
	}
	ext := strings.TrimPrefix(strings.TrimSpace(f.FileExtension), ".")
	contentType := mime.TypeByExtension("." + ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := p.store.Put(ctx, key, f.File, contentType); err != nil {
		return nil, fmt.Errorf("save file %s: %w", key, err)
	}
	p.metrics.Written(len(f.File))
	p.logger.Info("file_saved", slog.String("key", key), slog.Int("bytes", len(f.File)))
	return &model.FileUploadResponse{FileExtension: ext}, nil
}
