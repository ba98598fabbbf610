// Package store is the persistence boundary for containers and operations.
//
// A Store is a flat key/value namespace (a bbolt bucket, a redis key prefix,
// or an in-memory map). Values are opaque bytes; Typed layers JSON encoding
// on top so callers always work on private copies and never share pointers
// with the backend. A Locker provides the per-id exclusive section that the
// lifecycle manager and operation tracker wrap around read-modify-write
// cycles, so unrelated ids never serialize behind a global lock. Backends
// shared between processes implement Locker themselves; the others fall back
// to an in-process KeyedMutex.
package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// Backend names accepted by configuration.
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
)

// Store is a namespaced key/value store.
type Store interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put creates or replaces the value for key.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists all keys in the namespace in unspecified order.
	Keys(ctx context.Context) ([]string, error)
}

// Provider opens namespaces on a shared backend.
type Provider interface {
	// Namespace returns the store for name, creating it if necessary.
	Namespace(name string) (Store, error)

	// Close releases the backend.
	Close() error
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func notFound(key string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, key)
}
