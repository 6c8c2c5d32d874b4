package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/dharsanguruparan/atwany/internal/media"
	"github.com/dharsanguruparan/atwany/internal/model"
)

const maxFieldBytes = 4 << 10

var (
	errMissingFile = errors.New("missing file part")
	errTooLarge    = errors.New("file exceeds limit")
	errBadForm     = errors.New("malformed multipart form")
)

type form struct {
	fields   map[string]string
	data     []byte
	filename string
}

// readForm streams the multipart body one part at a time. The part named
// fileField is read up to the configured size limit; every other part is a
// short text field.
func (s *Server) readForm(w http.ResponseWriter, r *http.Request, fileField string) (*form, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1<<20)
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errBadForm, err)
	}
	f := &form{fields: make(map[string]string)}
	found := false
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errBadForm, err)
		}
		if part.FormName() == fileField {
			data, err := io.ReadAll(io.LimitReader(part, s.cfg.MaxFileSize+1))
			part.Close()
			if err != nil {
				return nil, fmt.Errorf("%w: read %s: %w", errBadForm, fileField, err)
			}
			if int64(len(data)) > s.cfg.MaxFileSize {
				return nil, errTooLarge
			}
			f.data = data
			f.filename = part.FileName()
			found = true
			continue
		}
		value, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
		part.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: read field %s: %w", errBadForm, part.FormName(), err)
		}
		f.fields[part.FormName()] = strings.TrimSpace(string(value))
	}
	if !found {
		return nil, errMissingFile
	}
	return f, nil
}

// readUpload maps the multipart fields image, mimetype and fileName onto an
// UploadRequest. A missing or unsupported mimetype is not fatal: the decoder
// detects the format instead.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (model.UploadRequest, error) {
	f, err := s.readForm(w, r, "image")
	if err != nil {
		return model.UploadRequest{}, err
	}
	declared := f.fields["mimetype"]
	if declared == "" {
		declared = http.DetectContentType(f.data)
	}
	mt, err := media.ParseMimeType(declared)
	if err != nil {
		s.logger.Warn("mimetype_unsupported", slog.String("declared", declared), slog.String("error", err.Error()))
	}
	name := f.fields["fileName"]
	if name == "" {
		name = f.filename
	}
	return model.UploadRequest{Image: f.data, MimeType: mt, FileName: name}, nil
}

func (s *Server) readFileUpload(w http.ResponseWriter, r *http.Request) (model.FileUpload, error) {
	f, err := s.readForm(w, r, "file")
	if err != nil {
		return model.FileUpload{}, err
	}
	ext := f.fields["fileExtension"]
	if ext == "" {
		ext = filepath.Ext(f.filename)
	}
	name := f.fields["fileName"]
	if name == "" {
		name = strings.TrimSuffix(f.filename, filepath.Ext(f.filename))
	}
	return model.FileUpload{File: f.data, FileName: name, FileExtension: ext}, nil
}
