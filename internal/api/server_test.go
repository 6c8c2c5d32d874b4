package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/atwany/internal/config"
	"github.com/dharsanguruparan/atwany/internal/queue"
	"github.com/dharsanguruparan/atwany/internal/repository"
)

type stubRepo struct {
	mu   sync.Mutex
	rows map[string]*repository.Media
}

func (r *stubRepo) Create(_ context.Context, m *repository.Media) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.Status = repository.StatusQueued
	r.rows[m.ID] = m
	return nil
}

func (r *stubRepo) Get(_ context.Context, id string) (*repository.Media, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return m, nil
}

type stubStore struct {
	raw       map[string][]byte
	presigned []string
}

func (s *stubStore) UploadRaw(_ context.Context, key string, r io.Reader, size int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return io.ErrShortWrite
	}
	s.raw[key] = data
	return nil
}

func (s *stubStore) PresignURL(_ context.Context, key string, _ time.Duration) (string, error) {
	s.presigned = append(s.presigned, key)
	return "https://media.example/" + key + "?sig=x", nil
}

type stubQueue struct {
	tasks []*asynq.Task
}

func (q *stubQueue) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{ID: "t"}, nil
}

type fixture struct {
	repo    *stubRepo
	store   *stubStore
	queue   *stubQueue
	handler http.Handler
}

func newFixture() *fixture {
	f := &fixture{
		repo:  &stubRepo{rows: map[string]*repository.Media{}},
		store: &stubStore{raw: map[string][]byte{}},
		queue: &stubQueue{},
	}
	cfg := &config.Config{MaxFileSize: 1 << 20, SignedURLTTL: time.Minute}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	f.handler = New(cfg, f.repo, f.store, f.queue, logger).Handler()
	return f
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 6), G: uint8(y * 8), B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("image", "holiday.png")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/media", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadQueuesDerivation(t *testing.T) {
	f := newFixture()
	data := pngBytes(t)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, uploadRequest(t, data, map[string]string{"mimetype": "0", "fileName": "holiday.png"}))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	id := resp["id"]
	require.NotEmpty(t, id)
	assert.Equal(t, "queued", resp["status"])

	key := "uploads/" + id + "/holiday.png"
	assert.Equal(t, data, f.store.raw[key])

	row, err := f.repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "image/png", row.MimeType)
	assert.Equal(t, key, row.ObjectKey)

	require.Len(t, f.queue.tasks, 1)
	assert.Equal(t, queue.DeriveMediaTask, f.queue.tasks[0].Type())
	payload, err := queue.ParseDerivePayload(f.queue.tasks[0])
	require.NoError(t, err)
	assert.Equal(t, id, payload.MediaID)
	assert.Equal(t, key, payload.ObjectKey)
}

func TestUploadFallsBackToSniffedType(t *testing.T) {
	f := newFixture()

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, uploadRequest(t, pngBytes(t), map[string]string{"mimetype": "image/tiff"}))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	row, err := f.repo.Get(context.Background(), resp["id"])
	require.NoError(t, err)
	assert.Equal(t, "image/png", row.MimeType)
	assert.Equal(t, "holiday.png", row.FileName)
}

func TestUploadRejectsNonImage(t *testing.T) {
	f := newFixture()

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, uploadRequest(t, []byte("just some text, not pixels"), nil))

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Empty(t, f.store.raw)
	assert.Empty(t, f.queue.tasks)
}

func TestUploadRejectsMissingImage(t *testing.T) {
	f := newFixture()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	require.NoError(t, mw.WriteField("fileName", "x.png"))
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/media", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetMedia(t *testing.T) {
	f := newFixture()
	f.repo.rows["abc"] = &repository.Media{ID: "abc", Status: repository.StatusProcessing}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/abc", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"processing"`)

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVariantURL(t *testing.T) {
	f := newFixture()
	f.repo.rows["done"] = &repository.Media{ID: "done", Status: repository.StatusCompleted}
	f.repo.rows["busy"] = &repository.Media{ID: "busy", Status: repository.StatusQueued}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/done/variants/sm-400/url", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"images/done_sm-400.jpeg"}, f.store.presigned)
	assert.True(t, strings.Contains(rec.Body.String(), "images/done_sm-400.jpeg"))

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/busy/variants/md/url", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/done/variants/xl/url", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Len(t, f.store.presigned, 1)
}

func TestMediaRejectsWrongMethod(t *testing.T) {
	f := newFixture()

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/media/abc", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
