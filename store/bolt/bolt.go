// Package bolt provides a bbolt-backed store.Provider. Each namespace is a
// bucket in a single database file, so containers and operations survive a
// process restart.
package bolt

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"hut.evalgo.org/store"
)

// DB wraps bbolt database with helper methods
type DB struct {
	*bolt.DB
}

// Open opens or creates a bbolt database
func Open(path string) (*DB, error) {
	boltDB, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &DB{boltDB}, nil
}

// CreateBucket creates a bucket if it doesn't exist
func (db *DB) CreateBucket(name string) error {
	return db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", name, err)
		}
		return nil
	})
}

// Namespace implements store.Provider. The bucket is created on first use.
func (db *DB) Namespace(name string) (store.Store, error) {
	if err := db.CreateBucket(name); err != nil {
		return nil, err
	}
	return &Bucket{db: db, name: []byte(name)}, nil
}

// Bucket is a store.Store over one bbolt bucket.
type Bucket struct {
	db   *DB
	name []byte
}

// Get returns a copy of the value for key; bbolt values are only valid
// inside the transaction.
func (b *Bucket) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(b.name)
		if bk == nil {
			return fmt.Errorf("bucket not found: %s", b.name)
		}

		data := bk.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%w: %s", store.ErrNotFound, key)
		}
		out = append([]byte(nil), data...)
		return nil
	})
	return out, err
}

// Put stores value under key
func (b *Bucket) Put(_ context.Context, key string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(b.name)
		if bk == nil {
			return fmt.Errorf("bucket not found: %s", b.name)
		}
		return bk.Put([]byte(key), value)
	})
}

// Delete removes a key from the bucket
func (b *Bucket) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(b.name)
		if bk == nil {
			return fmt.Errorf("bucket not found: %s", b.name)
		}
		return bk.Delete([]byte(key))
	})
}

// Keys returns all keys in the bucket
func (b *Bucket) Keys(_ context.Context) ([]string, error) {
	var keys []string

	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(b.name)
		if bk == nil {
			return fmt.Errorf("bucket not found: %s", b.name)
		}

		return bk.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})

	return keys, err
}
