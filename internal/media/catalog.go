// Package media holds the image-level building blocks of the derivation
// pipeline: the size class catalog, decoding, per-class derivation and the
// blur hash.
package media

import (
	"fmt"
	"strings"
)

// SizeClass names one of the fixed variants produced for every upload. The
// numeric values match the wire enum used by clients.
type SizeClass int

const (
	Original SizeClass = iota
	Placeholder
	Thumbnail
	Small
	Medium
)

// Spec describes how a size class is derived.
type Spec struct {
	Class SizeClass
	// Box is the edge of the square bounding box the variant must fit in.
	// Zero means the source dimensions are kept.
	Box     int
	Suffix  string
	Quality int
}

const (
	// OriginalQuality is used when re-encoding the untouched source.
	OriginalQuality = 80
	// VariantQuality favours size over fidelity for resized variants.
	VariantQuality = 20
	// FileExtension is the extension of every encoded variant.
	FileExtension = "jpeg"
	// ContentType is the MIME type of every encoded variant.
	ContentType = "image/jpeg"
)

var catalog = [...]Spec{
	{Class: Original, Suffix: "org", Quality: OriginalQuality},
	{Class: Placeholder, Box: 20, Suffix: "th-20", Quality: VariantQuality},
	{Class: Thumbnail, Box: 200, Suffix: "th-200", Quality: VariantQuality},
	{Class: Small, Box: 400, Suffix: "sm-400", Quality: VariantQuality},
	{Class: Medium, Box: 800, Suffix: "md", Quality: VariantQuality},
}

// Catalog returns every size class spec, Original first.
func Catalog() []Spec {
	out := make([]Spec, len(catalog))
	copy(out, catalog[:])
	return out
}

// Spec returns the catalog entry for the class.
func (c SizeClass) Spec() (Spec, bool) {
	if c < Original || int(c) >= len(catalog) {
		return Spec{}, false
	}
	return catalog[c], true
}

// Suffix is the URL label of the class, e.g. "th-200".
func (c SizeClass) Suffix() string {
	if s, ok := c.Spec(); ok {
		return s.Suffix
	}
	return ""
}

func (c SizeClass) String() string {
	switch c {
	case Original:
		return "original"
	case Placeholder:
		return "placeholder"
	case Thumbnail:
		return "thumbnail"
	case Small:
		return "small"
	case Medium:
		return "medium"
	}
	return fmt.Sprintf("SizeClass(%d)", int(c))
}

// ClassForSuffix resolves a URL suffix back to its size class.
func ClassForSuffix(suffix string) (SizeClass, bool) {
	for _, s := range catalog {
		if s.Suffix == suffix {
			return s.Class, true
		}
	}
	return 0, false
}

// MimeType is the format a caller declares for an upload. It is only a hint.
type MimeType int

const (
	MimeUnknown MimeType = iota
	MimePNG
	MimeJPEG
	MimeGIF
	MimeWebP
)

// ParseMimeType accepts "image/png", "png", "PNG" and friends as well as the
// wire enum numbers 0-3 (png, jpeg, gif, webp). Anything else yields
// MimeUnknown together with ErrUnsupportedMimeType.
func ParseMimeType(s string) (MimeType, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "image/")
	switch v {
	case "png", "0":
		return MimePNG, nil
	case "jpeg", "jpg", "1":
		return MimeJPEG, nil
	case "gif", "2":
		return MimeGIF, nil
	case "webp", "3":
		return MimeWebP, nil
	}
	return MimeUnknown, fmt.Errorf("%w: %q", ErrUnsupportedMimeType, s)
}

func (m MimeType) String() string {
	switch m {
	case MimePNG:
		return "image/png"
	case MimeJPEG:
		return "image/jpeg"
	case MimeGIF:
		return "image/gif"
	case MimeWebP:
		return "image/webp"
	}
	return "unknown"
}
