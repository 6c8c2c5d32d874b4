// Package model contains the request and response records exchanged at the
// transport boundary.
package model

import (
	"github.com/dharsanguruparan/atwany/internal/media"
)

// UploadRequest carries one image to derive. FileName supplies the stem of
// the persisted paths; callers are responsible for keeping it unique.
type UploadRequest struct {
	Image    []byte         `json:"image"`
	MimeType media.MimeType `json:"mimetype"`
	FileName string         `json:"fileName"`
}

// VariantResponse is one streamed variant including its encoded bytes.
type VariantResponse struct {
	Size          media.SizeClass `json:"size"`
	Buffer        []byte          `json:"buffer"`
	FileExtension string          `json:"fileExtension"`
	AspectRatio   string          `json:"aspectRatio"`
	Width         int             `json:"width"`
	Height        int             `json:"height"`
	URLSuffix     string          `json:"urlSuffix"`
}

// MediaSize describes a persisted variant without its bytes.
type MediaSize struct {
	Size      media.SizeClass `json:"size"`
	Width     int             `json:"width"`
	Height    int             `json:"height"`
	URLSuffix string          `json:"urlSuffix"`
}

// AggregateResponse is returned once every variant has been persisted.
// Variants[0] is always the Original.
type AggregateResponse struct {
	AspectRatio   string      `json:"aspectRatio"`
	FileExtension string      `json:"fileExtension"`
	BlurHash      string      `json:"blurHash"`
	Variants      []MediaSize `json:"variants"`
}

// FileUpload is an arbitrary file stored verbatim.
type FileUpload struct {
	File          []byte `json:"file"`
	FileName      string `json:"fileName"`
	FileExtension string `json:"fileExtension"`
}

// FileUploadResponse echoes the stored extension.
type FileUploadResponse struct {
	FileExtension string `json:"fileExtension"`
}
