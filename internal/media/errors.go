package media

import "errors"

var (
	// ErrDecode reports bytes that neither the declared codec nor format
	// detection could read.
	ErrDecode = errors.New("decode image")
	// ErrEncode reports a resize or encode failure.
	ErrEncode = errors.New("encode image")
	// ErrUnsupportedMimeType is returned for a declared type outside the
	// fixed set. Callers fall back to detection instead of failing.
	ErrUnsupportedMimeType = errors.New("unsupported mime type")
	// ErrInvalidName is returned when no usable file name stem remains.
	ErrInvalidName = errors.New("invalid file name")
)
