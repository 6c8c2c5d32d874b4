package media

import (
	"fmt"

	"github.com/buckket/go-blurhash"
	"github.com/disintegration/imaging"
)

const (
	blurHashEdge = 32
	blurHashX    = 4
	blurHashY    = 3
)

// BlurHash encodes a coarse placeholder of src. Identical pixels always give
// the same string.
func BlurHash(src *SourceImage) (string, error) {
	small := imaging.Fit(src.Image(), blurHashEdge, blurHashEdge, imaging.Box)
	hash, err := blurhash.Encode(blurHashX, blurHashY, small)
	if err != nil {
		return "", fmt.Errorf("%w: blur hash: %v", ErrEncode, err)
	}
	return hash, nil
}
