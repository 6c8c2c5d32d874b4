package media

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"

	"golang.org/x/image/webp"
)

// SourceImage is a decoded upload. It is never modified after Decode returns,
// so concurrent derivations may read it without locking.
type SourceImage struct {
	img    image.Image
	Width  int
	Height int
	// Format is the codec that actually decoded the bytes.
	Format string
}

// Image exposes the decoded pixels. Callers must treat them as read-only.
func (s *SourceImage) Image() image.Image { return s.img }

// AspectRatio returns "w:h" reduced by the greatest common divisor.
func (s *SourceImage) AspectRatio() string {
	return AspectRatio(s.Width, s.Height)
}

// AspectRatio reduces width:height, e.g. 512x384 becomes "4:3".
func AspectRatio(width, height int) string {
	if width <= 0 || height <= 0 {
		return "0:0"
	}
	g := gcd(width, height)
	return fmt.Sprintf("%d:%d", width/g, height/g)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// DefaultMaxPixels bounds width*height of an accepted upload. Codecs allocate
// the whole pixel buffer from the header before reading any image data, so a
// few hundred bytes can otherwise request gigabytes.
const DefaultMaxPixels = 50_000_000

var codecs = map[MimeType]struct {
	name   string
	decode func(io.Reader) (image.Image, error)
	config func(io.Reader) (image.Config, error)
}{
	MimePNG:  {"png", png.Decode, png.DecodeConfig},
	MimeJPEG: {"jpeg", jpeg.Decode, jpeg.DecodeConfig},
	MimeGIF:  {"gif", gif.Decode, gif.DecodeConfig},
	MimeWebP: {"webp", webp.Decode, webp.DecodeConfig},
}

// Decode is DecodeLimited with DefaultMaxPixels.
func Decode(data []byte, declared MimeType) (*SourceImage, error) {
	return DecodeLimited(data, declared, DefaultMaxPixels)
}

// DecodeLimited reads data with the codec implied by the declared type and
// falls back to format detection when that fails or the type is unknown.
// Headers announcing more than maxPixels pixels are rejected before any pixel
// memory is allocated. A non-positive maxPixels means DefaultMaxPixels.
func DecodeLimited(data []byte, declared MimeType, maxPixels int64) (*SourceImage, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecode)
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	var declaredErr error
	if c, ok := codecs[declared]; ok {
		cfg, err := c.config(bytes.NewReader(data))
		if err == nil {
			if err := checkPixels(cfg, maxPixels); err != nil {
				return nil, err
			}
			var img image.Image
			if img, err = c.decode(bytes.NewReader(data)); err == nil {
				return newSource(img, c.name)
			}
		}
		declaredErr = err
	}
	// Nothing is fully decoded without a header that passed the pixel check.
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, detectError(declared, declaredErr, err)
	}
	if err := checkPixels(cfg, maxPixels); err != nil {
		return nil, err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, detectError(declared, declaredErr, err)
	}
	return newSource(img, format)
}

func detectError(declared MimeType, declaredErr, err error) error {
	if declaredErr != nil {
		return fmt.Errorf("%w: as %s: %v; detect: %v", ErrDecode, declared, declaredErr, err)
	}
	return fmt.Errorf("%w: %v", ErrDecode, err)
}

func checkPixels(cfg image.Config, maxPixels int64) error {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("%w: empty dimensions %dx%d", ErrDecode, cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, maxPixels)
	}
	return nil
}

func newSource(img image.Image, format string) (*SourceImage, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty bounds %v", ErrDecode, b)
	}
	return &SourceImage{img: img, Width: b.Dx(), Height: b.Dy(), Format: format}, nil
}
