// Package api accepts uploads for asynchronous derivation and reports their
// progress. Raw bytes go to object storage, a row is created in Postgres and
// a job is queued for the worker.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/atwany/internal/config"
	"github.com/dharsanguruparan/atwany/internal/httputil"
	"github.com/dharsanguruparan/atwany/internal/media"
	"github.com/dharsanguruparan/atwany/internal/pipeline"
	"github.com/dharsanguruparan/atwany/internal/queue"
	"github.com/dharsanguruparan/atwany/internal/repository"
)

// Repository stores job rows.
type Repository interface {
	Create(ctx context.Context, m *repository.Media) error
	Get(ctx context.Context, id string) (*repository.Media, error)
}

// ObjectStore keeps raw uploads and signs links to derived variants.
type ObjectStore interface {
	UploadRaw(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) error
	PresignURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Server exposes HTTP endpoints for queued derivations.
type Server struct {
	cfg    *config.Config
	repo   Repository
	store  ObjectStore
	queue  queue.Enqueuer
	logger *slog.Logger
}

// New constructs a Server.
func New(cfg *config.Config, repo Repository, store ObjectStore, q queue.Enqueuer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, repo: repo, store: store, queue: q, logger: logger}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/media", s.handleMedia)
	mux.HandleFunc("/media/", s.handleMediaRoute)
	return httputil.CORS(httputil.Logging(s.logger, mux))
}

// Run starts the HTTP server and blocks until the context is cancelled and
// in-flight uploads have drained.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.APIAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("api_listening", slog.String("address", s.cfg.APIAddress))
	return httputil.Serve(ctx, httpServer, 30*time.Second)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleMediaRoute serves /media/{id} and /media/{id}/variants/{suffix}/url.
func (s *Server) handleMediaRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/media/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	switch {
	case len(parts) == 1:
		s.handleGet(w, r, id)
	case len(parts) == 4 && parts[1] == "variants" && parts[3] == "url":
		s.handleVariantURL(w, r, id, parts[2])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	m, err := s.repo.Get(r.Context(), id)
	if err != nil {
		s.repoError(w, err)
		return
	}
	httputil.RespondJSON(w, http.StatusOK, m)
}

func (s *Server) handleVariantURL(w http.ResponseWriter, r *http.Request, id, suffix string) {
	class, ok := media.ClassForSuffix(suffix)
	if !ok {
		http.NotFound(w, r)
		return
	}
	m, err := s.repo.Get(r.Context(), id)
	if err != nil {
		s.repoError(w, err)
		return
	}
	if m.Status != repository.StatusCompleted {
		httputil.RespondJSON(w, http.StatusAccepted, map[string]string{"status": string(m.Status)})
		return
	}
	u, err := s.store.PresignURL(r.Context(), pipeline.ImagePath(m.ID, class), s.cfg.SignedURLTTL)
	if err != nil {
		s.logger.Error("presign_failed", slog.String("media_id", id), slog.String("error", err.Error()))
		httputil.Error(w, http.StatusInternalServerError, "failed to generate url")
		return
	}
	httputil.RespondJSON(w, http.StatusOK, map[string]string{"url": u})
}

func (s *Server) repoError(w http.ResponseWriter, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		httputil.Error(w, http.StatusNotFound, "media not found")
		return
	}
	s.logger.Error("repository_failed", slog.String("error", err.Error()))
	httputil.Error(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1<<20)
	mr, err := r.MultipartReader()
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "expecting multipart form")
		return
	}
	fields, tmp, err := s.readParts(mr)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	defer os.Remove(tmp.path)
	defer tmp.f.Close()

	if !strings.HasPrefix(tmp.contentType, "image/") {
		httputil.Error(w, http.StatusUnsupportedMediaType, "only images are supported")
		return
	}
	// The declared type is a hint; the sniffed one backs it up.
	mt, err := media.ParseMimeType(fields["mimetype"])
	if err != nil {
		mt, _ = media.ParseMimeType(tmp.contentType)
	}
	name := fields["fileName"]
	if name == "" {
		name = tmp.filename
	}
	mediaID := uuid.NewString()
	objectKey := fmt.Sprintf("uploads/%s/%s", mediaID, filepath.Base(name))
	if _, err := tmp.f.Seek(0, io.SeekStart); err != nil {
		httputil.Error(w, http.StatusInternalServerError, "failed to rewind upload")
		return
	}
	if err := s.store.UploadRaw(ctx, objectKey, tmp.f, tmp.size, tmp.contentType); err != nil {
		s.logger.Error("upload_raw_failed", slog.String("error", err.Error()))
		httputil.Error(w, http.StatusInternalServerError, "failed to store file")
		return
	}
	m := &repository.Media{
		ID:        mediaID,
		FileName:  name,
		ObjectKey: objectKey,
		MimeType:  mt.String(),
	}
	if err := s.repo.Create(ctx, m); err != nil {
		s.logger.Error("create_media_failed", slog.String("error", err.Error()))
		httputil.Error(w, http.StatusInternalServerError, "failed to store metadata")
		return
	}
	payload := queue.DerivePayload{
		MediaID:   mediaID,
		ObjectKey: objectKey,
		FileName:  name,
		MimeType:  mt.String(),
	}
	if err := queue.EnqueueDerive(ctx, s.queue, payload); err != nil {
		s.logger.Error("enqueue_failed", slog.String("error", err.Error()))
		httputil.Error(w, http.StatusInternalServerError, "failed to queue job")
		return
	}
	httputil.RespondJSON(w, http.StatusAccepted, map[string]string{
		"id":     mediaID,
		"status": string(repository.StatusQueued),
	})
}

type tempUpload struct {
	f           *os.File
	path        string
	size        int64
	contentType string
	filename    string
}

// readParts spools the image part to a temp file, sniffing its content type
// on the way, and collects the remaining short fields.
func (s *Server) readParts(mr *multipart.Reader) (map[string]string, *tempUpload, error) {
	fields := make(map[string]string)
	var tmp *tempUpload
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if tmp != nil {
				tmp.discard()
			}
			return nil, nil, fmt.Errorf("read upload: %w", err)
		}
		if part.FormName() != "image" || tmp != nil {
			value, _ := io.ReadAll(io.LimitReader(part, 4<<10))
			part.Close()
			fields[part.FormName()] = strings.TrimSpace(string(value))
			continue
		}
		tmp, err = s.persistTemp(part)
		part.Close()
		if err != nil {
			return nil, nil, err
		}
	}
	if tmp == nil {
		return nil, nil, errors.New("missing image part")
	}
	return fields, tmp, nil
}

func (s *Server) persistTemp(part *multipart.Part) (*tempUpload, error) {
	tmpFile, err := os.CreateTemp("", "atwany-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmp := &tempUpload{f: tmpFile, path: tmpFile.Name(), filename: part.FileName()}
	var sniff []byte
	buf := make([]byte, 32*1024)
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			tmp.size += int64(n)
			if tmp.size > s.cfg.MaxFileSize {
				tmp.discard()
				return nil, fmt.Errorf("file exceeds limit (%d bytes)", s.cfg.MaxFileSize)
			}
			// http.DetectContentType looks at no more than 512 bytes.
			if len(sniff) < 512 {
				chunk := n
				if remain := 512 - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmpFile.Write(buf[:n]); err != nil {
				tmp.discard()
				return nil, fmt.Errorf("write temp file: %w", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			tmp.discard()
			return nil, fmt.Errorf("read file: %w", readErr)
		}
	}
	if tmp.size == 0 {
		tmp.discard()
		return nil, errors.New("empty file")
	}
	tmp.contentType = http.DetectContentType(sniff)
	if tmp.filename == "" {
		tmp.filename = "upload"
	}
	return tmp, nil
}

func (t *tempUpload) discard() {
	t.f.Close()
	os.Remove(t.path)
}
