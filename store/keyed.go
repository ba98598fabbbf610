package store

import (
	"context"
	"hash/fnv"
	"sync"
)

const defaultShards = 64

// Locker provides the per-key exclusive section wrapped around
// read-modify-write cycles. The returned function releases the section.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// LockerFor returns the locker a manager should use for s: the store itself
// when it coordinates across processes, otherwise an in-process KeyedMutex.
func LockerFor(s Store) Locker {
	if l, ok := s.(Locker); ok {
		return l
	}
	return NewKeyedMutex(0)
}

// KeyedMutex serializes work per key using a fixed set of sharded mutexes.
// Two keys only contend when they hash to the same shard.
type KeyedMutex struct {
	shards []sync.Mutex
}

// NewKeyedMutex creates a KeyedMutex with n shards (64 when n <= 0).
func NewKeyedMutex(n int) *KeyedMutex {
	if n <= 0 {
		n = defaultShards
	}
	return &KeyedMutex{shards: make([]sync.Mutex, n)}
}

// Lock acquires the section for key and returns its unlock function. It
// never fails.
func (k *KeyedMutex) Lock(_ context.Context, key string) (func(), error) {
	m := &k.shards[k.shard(key)]
	m.Lock()
	return m.Unlock, nil
}

func (k *KeyedMutex) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(k.shards)))
}
