// Package redis provides a Redis-backed store.Provider so several service
// replicas can share container and operation state. Namespaces implement
// store.Locker with a SET NX lease per key, so read-modify-write cycles on
// one record are exclusive across replicas.
package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"hut.evalgo.org/store"
)

const (
	// DefaultLockTTL bounds how long a crashed holder can block a key
	DefaultLockTTL = 30 * time.Second

	lockRetry = 10 * time.Millisecond
)

// releaseScript deletes a lock only if it still carries the caller's token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config configures the Redis store
type Config struct {
	RedisURL  string        // Redis URL (defaults to HUT_REDIS_URL or redis://localhost:6379/0)
	KeyPrefix string        // Key prefix for all namespaces (defaults to "hut:")
	LockTTL   time.Duration // Lease of a per-key lock (defaults to DefaultLockTTL)
}

// Provider hands out key-prefixed namespaces on one Redis client.
type Provider struct {
	client  *redis.Client
	prefix  string
	lockTTL time.Duration
	local   *store.KeyedMutex
}

// NewProvider connects to Redis and verifies the connection.
func NewProvider(ctx context.Context, config Config) (*Provider, error) {
	redisURL := config.RedisURL
	if redisURL == "" {
		redisURL = os.Getenv("HUT_REDIS_URL")
	}
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	p := NewProviderWithClient(client, config.KeyPrefix)
	if config.LockTTL > 0 {
		p.lockTTL = config.LockTTL
	}
	return p, nil
}

// NewProviderWithClient wraps an existing client.
func NewProviderWithClient(client *redis.Client, prefix string) *Provider {
	if prefix == "" {
		prefix = "hut:"
	}
	return &Provider{client: client, prefix: prefix, lockTTL: DefaultLockTTL, local: store.NewKeyedMutex(0)}
}

// Namespace returns the store for name; keys are stored as <prefix><name>:<key>.
func (p *Provider) Namespace(name string) (store.Store, error) {
	if name == "" {
		return nil, errors.New("namespace name is required")
	}
	return &Namespace{
		client:     p.client,
		prefix:     p.prefix + name + ":",
		lockPrefix: p.prefix + "_lock:" + name + ":",
		lockTTL:    p.lockTTL,
		local:      p.local,
	}, nil
}

// Close closes the Redis connection
func (p *Provider) Close() error {
	return p.client.Close()
}

// Namespace is a store.Store over a key prefix.
type Namespace struct {
	client     *redis.Client
	prefix     string
	lockPrefix string
	lockTTL    time.Duration
	local      *store.KeyedMutex
}

// Get returns the value for key
func (n *Namespace) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := n.client.Get(ctx, n.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return v, nil
}

// Put stores value under key without expiry; eviction is owned by the
// tracker and lifecycle manager.
func (n *Namespace) Put(ctx context.Context, key string, value []byte) error {
	if err := n.client.Set(ctx, n.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Delete removes key
func (n *Namespace) Delete(ctx context.Context, key string) error {
	if err := n.client.Del(ctx, n.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Keys scans the namespace prefix
func (n *Namespace) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := n.client.Scan(ctx, 0, n.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), n.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}
	return keys, nil
}

// Lock takes the lease for key, polling until it is free or ctx ends.
// Callers inside this process queue on a local mutex first so only one of
// them polls Redis at a time.
func (n *Namespace) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := n.lockPrefix + key
	unlockLocal, _ := n.local.Lock(ctx, lockKey)

	token := uuid.NewString()
	for {
		ok, err := n.client.SetNX(ctx, lockKey, token, n.lockTTL).Result()
		if err != nil {
			unlockLocal()
			return nil, fmt.Errorf("failed to lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, fmt.Errorf("failed to lock %s: %w", key, ctx.Err())
		case <-time.After(lockRetry):
		}
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, n.client, []string{lockKey}, token).Err()
		unlockLocal()
	}, nil
}
