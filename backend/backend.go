// Package backend provides blob storage for audio artifacts. Keys are
// slash-separated paths relative to the store root; the filesystem
// implementation is the source of truth for what exists.
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Info describes a stored blob. ModTime is the moment the blob became
// visible under its key and never changes afterwards; the artifact layer
// treats it as the creation timestamp.
type Info struct {
	Size    int64
	ModTime time.Time
}

// Backend is the interface for artifact blob storage.
type Backend interface {
	// Write stores data at the given key, atomically: the blob is not
	// visible under the key until the write has completed.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves the blob at the given key.
	// Returns ErrNotFound if the key does not exist.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Stat reports size and creation time for the given key.
	// Returns ErrNotFound if the key does not exist.
	Stat(ctx context.Context, key string) (Info, error)

	// Exists checks if a key exists without opening it.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the blob at the given key. Deleting a key that does
	// not exist is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix. In-flight temp files
	// are never reported.
	List(ctx context.Context, prefix string) ([]string, error)
}
