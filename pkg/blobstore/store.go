// Package blobstore persists the encoded images of archived frames.
//
// The archive owns image content once a frame leaves the recency buffer.
// Storage is reclaimed by Delete when dedup tombstones a frame, which is the
// primary mechanism keeping the on-disk trajectory bounded.
package blobstore

import (
	"context"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations return an error that satisfies errors.Is(err, ErrNotFound).
var ErrNotFound = os.ErrNotExist

// Store is a key/value store for immutable image blobs.
type Store interface {
	// Put writes data under key. Writes are atomic: a concurrent Get sees
	// either the previous state or the full new blob.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the blob stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}
