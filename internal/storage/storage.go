// Package storage persists encoded blobs under slash separated keys such as
// "images/photo_md.jpeg". Backends are interchangeable behind Store.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is exported so callers elsewhere can compare errors using
	// errors.Is.
	ErrNotFound = errors.New("object not found")
	// ErrIO wraps every write or flush failure.
	ErrIO = errors.New("storage io")
	// ErrInvalidKey rejects keys that would escape the storage root.
	ErrInvalidKey = errors.New("invalid storage key")
)

// Store writes and removes blobs. Put must not return before the data is
// durable, and overwrites whatever was stored under key.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Remove(ctx context.Context, key string) error
}

// Reader fetches a blob previously written with Put.
type Reader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// ReadWriter is a Store that can also read back.
type ReadWriter interface {
	Store
	Reader
}
