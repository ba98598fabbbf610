package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Typed stores values of T as JSON in a Store.
type Typed[T any] struct {
	s Store
}

// NewTyped wraps s.
func NewTyped[T any](s Store) *Typed[T] {
	return &Typed[T]{s: s}
}

// Get decodes the value stored under key.
func (t *Typed[T]) Get(ctx context.Context, key string) (*T, error) {
	data, err := t.s.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return &v, nil
}

// Put encodes v and stores it under key.
func (t *Typed[T]) Put(ctx context.Context, key string, v *T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return t.s.Put(ctx, key, data)
}

// Delete removes key.
func (t *Typed[T]) Delete(ctx context.Context, key string) error {
	return t.s.Delete(ctx, key)
}

// Keys lists all keys.
func (t *Typed[T]) Keys(ctx context.Context) ([]string, error) {
	return t.s.Keys(ctx)
}

// List decodes every value. Keys removed between listing and reading are
// skipped.
func (t *Typed[T]) List(ctx context.Context) ([]*T, error) {
	keys, err := t.s.Keys(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*T, 0, len(keys))
	for _, key := range keys {
		v, err := t.Get(ctx, key)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
