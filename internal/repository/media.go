// Package repository persists the lifecycle of asynchronous derivations.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dharsanguruparan/atwany/internal/model"
)

// MediaStatus enumerates the lifecycle of an upload during derivation.
type MediaStatus string

const (
	StatusQueued     MediaStatus = "queued"
	StatusProcessing MediaStatus = "processing"
	StatusCompleted  MediaStatus = "completed"
	StatusFailed     MediaStatus = "failed"
)

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = errors.New("media not found")

// Media represents a row in the media table.
type Media struct {
	ID           string            `json:"id"`
	FileName     string            `json:"fileName"`
	ObjectKey    string            `json:"objectKey"`
	MimeType     string            `json:"mimetype"`
	Status       MediaStatus       `json:"status"`
	AspectRatio  string            `json:"aspectRatio,omitempty"`
	BlurHash     string            `json:"blurHash,omitempty"`
	Variants     []model.MediaSize `json:"variants,omitempty"`
	ErrorMessage *string           `json:"errorMessage,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// DB is satisfied by *pgxpool.Pool and by pgxmock pools in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// MediaRepository wraps all SQL used by the API and the worker.
type MediaRepository struct {
	db  DB
	now func() time.Time
}

// NewMediaRepository constructs a repository.
func NewMediaRepository(db DB) *MediaRepository {
	return &MediaRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Create inserts a queued row before the derivation job is enqueued.
func (r *MediaRepository) Create(ctx context.Context, m *Media) error {
	now := r.now()
	m.Status = StatusQueued
	m.CreatedAt = now
	m.UpdatedAt = now
	_, err := r.db.Exec(ctx, `
		INSERT INTO media (id, file_name, object_key, mime_type, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, m.ID, m.FileName, m.ObjectKey, m.MimeType, string(m.Status), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert media: %w", err)
	}
	return nil
}

// Get returns a row by id.
func (r *MediaRepository) Get(ctx context.Context, id string) (*Media, error) {
	var (
		m        Media
		status   string
		variants []byte
		errorMsg string
	)
	row := r.db.QueryRow(ctx, `
		SELECT id, file_name, object_key, mime_type, status,
			COALESCE(aspect_ratio,''), COALESCE(blur_hash,''), COALESCE(variants,'[]'::jsonb)::text,
			COALESCE(error_message,''), created_at, updated_at
		FROM media WHERE id=$1
	`, id)
	if err := row.Scan(&m.ID, &m.FileName, &m.ObjectKey, &m.MimeType, &status,
		&m.AspectRatio, &m.BlurHash, &variants, &errorMsg, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select media: %w", err)
	}
	m.Status = MediaStatus(status)
	if len(variants) > 0 {
		if err := json.Unmarshal(variants, &m.Variants); err != nil {
			return nil, fmt.Errorf("decode variants: %w", err)
		}
	}
	if errorMsg != "" {
		m.ErrorMessage = &errorMsg
	}
	return &m, nil
}

// MarkProcessing sets the status to processing.
func (r *MediaRepository) MarkProcessing(ctx context.Context, id string) error {
	return r.exec(ctx, "mark processing", `
		UPDATE media SET status=$1, error_message=NULL, updated_at=$2 WHERE id=$3
	`, string(StatusProcessing), r.now(), id)
}

// MarkFailed records the failure message.
func (r *MediaRepository) MarkFailed(ctx context.Context, id, msg string) error {
	return r.exec(ctx, "mark failed", `
		UPDATE media SET status=$1, error_message=$2, updated_at=$3 WHERE id=$4
	`, string(StatusFailed), msg, r.now(), id)
}

// MarkCompleted stores the aggregate derivation result.
func (r *MediaRepository) MarkCompleted(ctx context.Context, id string, resp *model.AggregateResponse) error {
	variants, err := json.Marshal(resp.Variants)
	if err != nil {
		return fmt.Errorf("encode variants: %w", err)
	}
	return r.exec(ctx, "mark completed", `
		UPDATE media
		SET status=$1, aspect_ratio=$2, blur_hash=$3, variants=$4, error_message=NULL, updated_at=$5
		WHERE id=$6
	`, string(StatusCompleted), resp.AspectRatio, resp.BlurHash, string(variants), r.now(), id)
}

func (r *MediaRepository) exec(ctx context.Context, op, sql string, args ...any) error {
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
