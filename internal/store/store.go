package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("key not found")

// Store is the persistent key-value collaborator. Keys and values are
// opaque strings; the engine namespaces its keys by client id, so multiple
// engine instances can share one store without conflicts.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}
