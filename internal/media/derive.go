package media

import (
	"bytes"
	"context"
	"fmt"

	"github.com/disintegration/imaging"
)

// VariantResult is one encoded size class of a source image.
type VariantResult struct {
	Class  SizeClass
	Data   []byte
	Width  int
	Height int
	Suffix string
}

// Derive resizes src to fit the class bounding box and encodes it as JPEG.
// Original is re-encoded without resizing. src is only read.
func Derive(ctx context.Context, src *SourceImage, class SizeClass) (VariantResult, error) {
	spec, ok := class.Spec()
	if !ok {
		return VariantResult{}, fmt.Errorf("%w: unknown size class %d", ErrEncode, int(class))
	}
	if err := ctx.Err(); err != nil {
		return VariantResult{}, err
	}
	img := src.Image()
	if spec.Box > 0 {
		// Fit never upscales and keeps the aspect ratio.
		img = imaging.Fit(img, spec.Box, spec.Box, imaging.Lanczos)
	}
	if err := ctx.Err(); err != nil {
		return VariantResult{}, err
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(spec.Quality)); err != nil {
		return VariantResult{}, fmt.Errorf("%w: %s: %v", ErrEncode, class, err)
	}
	b := img.Bounds()
	return VariantResult{
		Class:  class,
		Data:   buf.Bytes(),
		Width:  b.Dx(),
		Height: b.Dy(),
		Suffix: spec.Suffix,
	}, nil
}
