// Package storage abstracts the object store the upload protocol persists
// chunks and assembled files into. Backends are swappable (MinIO or local
// filesystem) without affecting protocol logic.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Get and Delete when no object exists under the key.
var ErrNotFound = errors.New("object not found")

// ObjectStorage is the consumed storage capability: flat keys, byte payloads.
type ObjectStorage interface {
	// Put stores the object under key, overwriting any existing object.
	Put(ctx context.Context, key string, data io.Reader, size int64) error

	// Get returns the object bytes, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns the keys of all objects whose key starts with prefix,
	// in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the object under key, or returns ErrNotFound.
	Delete(ctx context.Context, key string) error
}

// DeletePrefix removes every object under prefix. Missing objects are
// ignored so concurrent cleanups don't trip over each other.
func DeletePrefix(ctx context.Context, store ObjectStorage, prefix string) error {
	keys, err := store.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := store.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}
