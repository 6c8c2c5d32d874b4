// Package pipeline turns one uploaded image into its catalog of variants. It
// decodes once, fans derivations out onto the shared processing pool and
// either streams each variant as it completes or persists all of them and
// answers with a single aggregate record.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/atwany/internal/media"
	"github.com/dharsanguruparan/atwany/internal/metrics"
	"github.com/dharsanguruparan/atwany/internal/model"
	"github.com/dharsanguruparan/atwany/internal/processing"
	"github.com/dharsanguruparan/atwany/internal/storage"
)

const (
	modeStream = "stream"
	modeWrite  = "write"

	defaultStreamBuffer = 4
)

// Options tunes a Pipeline. Zero values pick defaults.
type Options struct {
	// Timeout bounds a whole request. Zero disables the deadline.
	Timeout time.Duration
	// StreamBuffer is the capacity of the channel returned by Stream.
	StreamBuffer int
	// MaxPixels caps width*height of accepted uploads. Zero means
	// media.DefaultMaxPixels.
	MaxPixels int64
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Pipeline is safe for concurrent use; requests share nothing but the pool.
type Pipeline struct {
	pool    *processing.Pool
	store   storage.Store
	timeout   time.Duration
	buffer    int
	maxPixels int64
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New wires a Pipeline. store may be nil when only Stream is used.
func New(pool *processing.Pool, store storage.Store, opts Options) *Pipeline {
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = defaultStreamBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		pool:      pool,
		store:     store,
		timeout:   opts.Timeout,
		buffer:    opts.StreamBuffer,
		maxPixels: opts.MaxPixels,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
}

// State is the lifecycle position of one request.
type State int

const (
	StateDecoding State = iota
	StateDeriving
	StateAssembling
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDecoding:
		return "decoding"
	case StateDeriving:
		return "deriving"
	case StateAssembling:
		return "assembling"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// run tracks one request through its states for logging and metrics.
type run struct {
	id      string
	mode    string
	state   State
	started time.Time
	logger  *slog.Logger
}

func (p *Pipeline) begin(mode string, req model.UploadRequest) *run {
	r := &run{
		id:      uuid.NewString(),
		mode:    mode,
		state:   StateDecoding,
		started: time.Now(),
	}
	r.logger = p.logger.With(
		slog.String("request_id", r.id),
		slog.String("mode", mode),
		slog.String("file_name", req.FileName),
	)
	r.logger.Debug("pipeline_started", slog.Int("bytes", len(req.Image)), slog.String("mimetype", req.MimeType.String()))
	return r
}

func (r *run) enter(s State) {
	r.logger.Debug("pipeline_state", slog.String("from", r.state.String()), slog.String("to", s.String()))
	r.state = s
}

func (p *Pipeline) finish(r *run, err error) {
	p.metrics.Request(r.mode, err)
	elapsed := slog.Duration("elapsed", time.Since(r.started))
	if err != nil {
		failedIn := r.state.String()
		r.enter(StateFailed)
		level := slog.LevelWarn
		if errors.Is(err, context.Canceled) {
			level = slog.LevelInfo
		}
		r.logger.Log(context.Background(), level, "pipeline_failed",
			slog.String("stage", failedIn), slog.String("error", err.Error()), elapsed)
		return
	}
	r.enter(StateDone)
	r.logger.Info("pipeline_done", elapsed)
}

func (p *Pipeline) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout > 0 {
		return context.WithTimeout(ctx, p.timeout)
	}
	return context.WithCancel(ctx)
}

func (p *Pipeline) decode(r *run, req model.UploadRequest) (*media.SourceImage, error) {
	if req.MimeType == media.MimeUnknown {
		r.logger.Warn("mimetype_unknown_detecting")
	}
	src, err := media.DecodeLimited(req.Image, req.MimeType, p.maxPixels)
	if err != nil {
		return nil, err
	}
	if declared := req.MimeType.String(); req.MimeType != media.MimeUnknown && declared != "image/"+src.Format {
		r.logger.Info("mimetype_mismatch", slog.String("declared", declared), slog.String("detected", src.Format))
	}
	return src, nil
}
