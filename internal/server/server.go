// Package server exposes the derivation pipeline over HTTP: a streamed
// upload, an upload that persists every variant, verbatim file uploads and
// signed downloads of persisted variants.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dharsanguruparan/atwany/internal/config"
	"github.com/dharsanguruparan/atwany/internal/httputil"
	"github.com/dharsanguruparan/atwany/internal/media"
	"github.com/dharsanguruparan/atwany/internal/metrics"
	"github.com/dharsanguruparan/atwany/internal/pipeline"
	"github.com/dharsanguruparan/atwany/internal/signing"
	"github.com/dharsanguruparan/atwany/internal/storage"
)

// statusClientClosed is the de facto code for a client that went away.
const statusClientClosed = 499

// Server hosts the HTTP handlers.
type Server struct {
	cfg      *config.Config
	pipeline *pipeline.Pipeline
	blobs    storage.Reader
	signer   *signing.Signer
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a configured server. blobs serves signed downloads and may be
// nil, in which case those routes answer 404.
func New(cfg *config.Config, p *pipeline.Pipeline, blobs storage.Reader, signer *signing.Signer, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		pipeline: p,
		blobs:    blobs,
		signer:   signer,
		metrics:  m,
		logger:   logger,
	}
}

// Serve runs the HTTP server until the context is cancelled. It returns once
// in-flight requests have drained, so the pool can be stopped afterwards.
func (s *Server) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("server_listening", slog.String("address", s.cfg.Address))
	return httputil.Serve(ctx, httpServer, drainTimeout(s.cfg.RequestTimeout))
}

// drainTimeout leaves room for the slowest request to finish.
func drainTimeout(requestTimeout time.Duration) time.Duration {
	return requestTimeout + 5*time.Second
}

// Handler returns the routed and logged handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/upload-and-write", s.handleUploadAndWrite)
	mux.HandleFunc("/files", s.handleFileUpload)
	mux.HandleFunc("/images/", s.handleImageRoute)
	mux.HandleFunc("/download", s.handleDownload)
	mux.Handle("/metrics", s.metrics.Handler())
	return httputil.CORS(httputil.Logging(s.logger, mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type streamError struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// handleUpload answers with newline delimited JSON, one VariantResponse per
// line in completion order. A failure after streaming started is reported as
// a final error line since the status code is already sent.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, err := s.readUpload(w, r)
	if err != nil {
		s.fail(w, err)
		return
	}
	items, err := s.pipeline.Stream(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	broken := false
	// Keep ranging after a write error so the producer is never left blocked;
	// the request context is cancelled once the client is gone.
	for item := range items {
		if broken {
			continue
		}
		var payload any = item.Variant
		if item.Err != nil {
			status := statusFor(item.Err)
			payload = streamError{Error: s.clientMessage(item.Err, status), Status: status}
		}
		if err := enc.Encode(payload); err != nil {
			s.logger.Info("stream_client_gone", slog.String("error", err.Error()))
			broken = true
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleUploadAndWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, err := s.readUpload(w, r)
	if err != nil {
		s.fail(w, err)
		return
	}
	resp, err := s.pipeline.Write(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	httputil.RespondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	upload, err := s.readFileUpload(w, r)
	if err != nil {
		s.fail(w, err)
		return
	}
	resp, err := s.pipeline.SaveFile(r.Context(), upload)
	if err != nil {
		s.fail(w, err)
		return
	}
	httputil.RespondJSON(w, http.StatusOK, resp)
}

// handleImageRoute serves /images/{stem}/{suffix}/signed-url.
func (s *Server) handleImageRoute(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/images/"), "/")
	if len(parts) != 3 || parts[0] == "" || parts[2] != "signed-url" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	class, ok := media.ClassForSuffix(parts[1])
	if !ok || s.blobs == nil {
		http.NotFound(w, r)
		return
	}
	stem, err := media.Stem(parts[0])
	if err != nil || stem != parts[0] {
		httputil.Error(w, http.StatusBadRequest, "invalid image name")
		return
	}
	key := pipeline.ImagePath(stem, class)
	if _, err := s.blobs.Get(r.Context(), key); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.fail(w, err)
		return
	}
	expires, signature := s.signer.Issue(key, s.cfg.SignedURLTTL)
	q := url.Values{}
	q.Set("key", key)
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("signature", signature)
	httputil.RespondJSON(w, http.StatusOK, map[string]string{
		"url":     "/download?" + q.Encode(),
		"expires": strconv.FormatInt(expires, 10),
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := r.URL.Query().Get("key")
	expires := r.URL.Query().Get("expires")
	signature := r.URL.Query().Get("signature")
	if key == "" || expires == "" || signature == "" {
		http.Error(w, "missing parameters", http.StatusBadRequest)
		return
	}
	if !s.signer.Validate(key, expires, signature) {
		http.Error(w, "invalid or expired signature", http.StatusUnauthorized)
		return
	}
	if s.blobs == nil {
		http.NotFound(w, r)
		return
	}
	data, err := s.blobs.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.fail(w, err)
		return
	}
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	http.ServeContent(w, r, path.Base(key), time.Time{}, bytes.NewReader(data))
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	httputil.Error(w, status, s.clientMessage(err, status))
}

// clientMessage logs server-side failures and keeps their details out of the
// response.
func (s *Server) clientMessage(err error, status int) string {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request_failed", slog.String("error", err.Error()), slog.Int("status", status))
		return "internal error"
	}
	return err.Error()
}

// statusFor maps pipeline errors onto HTTP status codes.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	switch {
	case errors.Is(err, media.ErrDecode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, media.ErrInvalidName),
		errors.Is(err, errMissingFile),
		errors.Is(err, errBadForm),
		errors.Is(err, storage.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, errTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return statusClientClosed
	}
	return http.StatusInternalServerError
}
