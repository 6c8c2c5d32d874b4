package media

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/base64"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradient(w, h int, seed uint8) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x) + seed, G: uint8(y), B: seed, A: 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestCatalogIsFixed(t *testing.T) {
	specs := Catalog()
	require.Len(t, specs, 5)
	assert.Equal(t, Original, specs[0].Class)
	assert.Zero(t, specs[0].Box)

	var suffixes []string
	for _, s := range specs {
		suffixes = append(suffixes, s.Suffix)
	}
	assert.Equal(t, []string{"org", "th-20", "th-200", "sm-400", "md"}, suffixes)

	specs[1].Box = 9999
	again, _ := Placeholder.Spec()
	assert.Equal(t, 20, again.Box, "Catalog must hand out copies")
}

func TestClassForSuffix(t *testing.T) {
	c, ok := ClassForSuffix("sm-400")
	assert.True(t, ok)
	assert.Equal(t, Small, c)

	_, ok = ClassForSuffix("xl")
	assert.False(t, ok)
}

func TestParseMimeType(t *testing.T) {
	cases := map[string]MimeType{
		"image/png": MimePNG,
		"JPEG":      MimeJPEG,
		"jpg":       MimeJPEG,
		"image/gif": MimeGIF,
		" webp ":    MimeWebP,
		"1":         MimeJPEG,
		"3":         MimeWebP,
	}
	for in, want := range cases {
		got, err := ParseMimeType(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	got, err := ParseMimeType("image/tiff")
	assert.ErrorIs(t, err, ErrUnsupportedMimeType)
	assert.Equal(t, MimeUnknown, got)
}

func TestAspectRatio(t *testing.T) {
	assert.Equal(t, "4:3", AspectRatio(512, 384))
	assert.Equal(t, "16:9", AspectRatio(1920, 1080))
	assert.Equal(t, "1:1", AspectRatio(7, 7))
	assert.Equal(t, "0:0", AspectRatio(0, 10))
}

func TestDecodeFallsBackToDetection(t *testing.T) {
	data := encodePNG(t, gradient(40, 30, 1))

	declaredPNG, err := Decode(data, MimePNG)
	require.NoError(t, err)
	mislabeled, err := Decode(data, MimeJPEG)
	require.NoError(t, err)
	unknown, err := Decode(data, MimeUnknown)
	require.NoError(t, err)

	assert.Equal(t, "png", mislabeled.Format)
	assert.Equal(t, declaredPNG.Width, mislabeled.Width)
	assert.Equal(t, declaredPNG.Height, unknown.Height)

	ctx := context.Background()
	a, err := Derive(ctx, declaredPNG, Thumbnail)
	require.NoError(t, err)
	b, err := Derive(ctx, mislabeled, Thumbnail)
	require.NoError(t, err)
	assert.Equal(t, a.Data, b.Data)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode(nil, MimePNG)
	assert.ErrorIs(t, err, ErrDecode)

	data := encodePNG(t, gradient(40, 30, 1))
	_, err = Decode(data[:len(data)/3], MimePNG)
	assert.ErrorIs(t, err, ErrDecode)

	_, err = Decode([]byte("definitely not an image"), MimeJPEG)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestDeriveFitsWithinBox(t *testing.T) {
	src, err := Decode(encodeJPEG(t, gradient(512, 384, 3)), MimeJPEG)
	require.NoError(t, err)

	for _, spec := range Catalog() {
		v, err := Derive(context.Background(), src, spec.Class)
		require.NoError(t, err, spec.Class)
		assert.Equal(t, spec.Suffix, v.Suffix)
		assert.NotEmpty(t, v.Data)

		out, err := jpeg.Decode(bytes.NewReader(v.Data))
		require.NoError(t, err)
		assert.Equal(t, v.Width, out.Bounds().Dx())
		assert.Equal(t, v.Height, out.Bounds().Dy())

		if spec.Class == Original {
			assert.Equal(t, 512, v.Width)
			assert.Equal(t, 384, v.Height)
			continue
		}
		assert.LessOrEqual(t, max(v.Width, v.Height), spec.Box)
		assert.InDelta(t, 512.0/384.0, float64(v.Width)/float64(v.Height), 0.1, spec.Class)
	}
}

func TestDeriveHonoursCancellation(t *testing.T) {
	src, err := Decode(encodePNG(t, gradient(64, 64, 0)), MimePNG)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Derive(ctx, src, Medium)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBlurHashDeterministic(t *testing.T) {
	data := encodePNG(t, gradient(120, 80, 10))
	a, err := Decode(data, MimePNG)
	require.NoError(t, err)
	b, err := Decode(data, MimePNG)
	require.NoError(t, err)

	ha, err := BlurHash(a)
	require.NoError(t, err)
	hb, err := BlurHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.NotEmpty(t, ha)

	other, err := Decode(encodePNG(t, gradient(80, 120, 200)), MimePNG)
	require.NoError(t, err)
	ho, err := BlurHash(other)
	require.NoError(t, err)
	assert.NotEqual(t, ha, ho)
}

func TestStem(t *testing.T) {
	for in, want := range map[string]string{
		"photo":              "photo",
		"photo.png":          "photo",
		"../../etc/passwd":   "passwd",
		"nested/dir/cat.jpg": "cat",
	} {
		got, err := Stem(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "  ", "/", ".png"} {
		_, err := Stem(in)
		assert.ErrorIs(t, err, ErrInvalidName, in)
	}
}

// pngWithHeader returns a tiny but well-formed PNG whose IHDR announces
// width x height RGBA pixels and whose IDAT holds a single scanline.
func pngWithHeader(t *testing.T, width, height uint32) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	chunk := func(kind string, data []byte) {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(data)))
		buf.Write(n[:])
		crc := crc32.NewIEEE()
		crc.Write([]byte(kind))
		crc.Write(data)
		buf.WriteString(kind)
		buf.Write(data)
		binary.BigEndian.PutUint32(n[:], crc.Sum32())
		buf.Write(n[:])
	}
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], width)
	binary.BigEndian.PutUint32(ihdr[4:8], height)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 6 // RGBA
	chunk("IHDR", ihdr)

	var idat bytes.Buffer
	zw := zlib.NewWriter(&idat)
	_, err := zw.Write(make([]byte, 1+4*8))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	chunk("IDAT", idat.Bytes())
	chunk("IEND", nil)
	return buf.Bytes()
}

func TestDecodeRejectsOversizedHeader(t *testing.T) {
	bomb := pngWithHeader(t, 60000, 60000)
	require.Less(t, len(bomb), 200)

	for _, declared := range []MimeType{MimePNG, MimeJPEG, MimeUnknown} {
		src, err := Decode(bomb, declared)
		assert.ErrorIs(t, err, ErrDecode, declared.String())
		assert.ErrorContains(t, err, "exceeds", declared.String())
		assert.Nil(t, src)
	}
}

func TestDecodeLimitedHonoursCap(t *testing.T) {
	data := encodePNG(t, gradient(64, 64, 1))

	_, err := DecodeLimited(data, MimePNG, 64*64-1)
	assert.ErrorIs(t, err, ErrDecode)

	src, err := DecodeLimited(data, MimePNG, 64*64)
	require.NoError(t, err)
	assert.Equal(t, 64, src.Width)

	src, err = DecodeLimited(data, MimePNG, 0)
	require.NoError(t, err)
	assert.Equal(t, 64, src.Height)
}

func TestDecodeGIF(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, gif.Encode(&buf, gradient(90, 60, 7), nil))

	src, err := Decode(buf.Bytes(), MimeGIF)
	require.NoError(t, err)
	assert.Equal(t, "gif", src.Format)
	assert.Equal(t, 90, src.Width)
	assert.Equal(t, 60, src.Height)
	assert.Equal(t, "3:2", src.AspectRatio())

	detected, err := Decode(buf.Bytes(), MimePNG)
	require.NoError(t, err)
	assert.Equal(t, "gif", detected.Format)

	v, err := Derive(context.Background(), src, Placeholder)
	require.NoError(t, err)
	assert.Equal(t, 20, v.Width)
}

// webpLossless1x1 is a 1x1 lossless WebP.
const webpLossless1x1 = "UklGRhoAAABXRUJQVlA4TA0AAAAvAAAAEAcQERGIiP4HAA=="

func TestDecodeWebP(t *testing.T) {
	data, err := base64.StdEncoding.DecodeString(webpLossless1x1)
	require.NoError(t, err)

	declared, err := Decode(data, MimeWebP)
	require.NoError(t, err)
	assert.Equal(t, "webp", declared.Format)
	assert.Equal(t, 1, declared.Width)
	assert.Equal(t, 1, declared.Height)

	detected, err := Decode(data, MimeUnknown)
	require.NoError(t, err)
	assert.Equal(t, "webp", detected.Format)

	v, err := Derive(context.Background(), detected, Thumbnail)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Width)
}
