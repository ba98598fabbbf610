package redis

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hut.evalgo.org/store"
)

func newTestProvider(t *testing.T) (*Provider, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	p, err := NewProvider(context.Background(), Config{
		RedisURL:  "redis://" + mr.Addr() + "/0",
		KeyPrefix: "test:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, mr
}

func TestNamespaceRoundTrip(t *testing.T) {
	ctx := context.Background()
	p, mr := newTestProvider(t)

	ns, err := p.Namespace("operations")
	require.NoError(t, err)

	require.NoError(t, ns.Put(ctx, "op_1", []byte(`{"id":"op_1"}`)))

	stored, err := mr.Get("test:operations:op_1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"op_1"}`, stored)

	v, err := ns.Get(ctx, "op_1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"op_1"}`, string(v))

	require.NoError(t, ns.Delete(ctx, "op_1"))
	_, err = ns.Get(ctx, "op_1")
	assert.True(t, store.IsNotFound(err))
}

func TestKeysAreScopedToNamespace(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t)

	ops, err := p.Namespace("operations")
	require.NoError(t, err)
	huts, err := p.Namespace("containers")
	require.NoError(t, err)

	require.NoError(t, ops.Put(ctx, "op_1", []byte("1")))
	require.NoError(t, ops.Put(ctx, "op_2", []byte("2")))
	require.NoError(t, huts.Put(ctx, "owner-1", []byte("3")))

	keys, err := ops.Keys(ctx)
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"op_1", "op_2"}, keys)

	keys, err = huts.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"owner-1"}, keys)
}

func TestNewProviderConnectionFailure(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{RedisURL: "redis://127.0.0.1:1/0"})
	assert.Error(t, err)

	_, err = NewProvider(context.Background(), Config{RedisURL: "://bad"})
	assert.Error(t, err)
}

func TestNewProviderWithClientDefaultPrefix(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	p := NewProviderWithClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), "")
	defer p.Close()

	ns, err := p.Namespace("containers")
	require.NoError(t, err)
	require.NoError(t, ns.Put(context.Background(), "k", []byte("v")))
	assert.True(t, mr.Exists("hut:containers:k"))

	_, err = p.Namespace("")
	assert.Error(t, err)
}

func TestLockIsExclusiveAcrossProviders(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	replica := func() store.Store {
		p := NewProviderWithClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), "")
		t.Cleanup(func() { _ = p.Close() })
		ns, err := p.Namespace("operations")
		require.NoError(t, err)
		return ns
	}
	a, b := replica(), replica()
	require.Implements(t, (*store.Locker)(nil), a)
	lockA, lockB := store.LockerFor(a), store.LockerFor(b)

	unlock, err := lockA.Lock(ctx, "op_1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("hut:_lock:operations:op_1"))

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = lockB.Lock(waitCtx, "op_1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// other keys are not blocked
	unlockOther, err := lockB.Lock(ctx, "op_2")
	require.NoError(t, err)
	unlockOther()

	unlock()
	assert.False(t, mr.Exists("hut:_lock:operations:op_1"))

	unlock, err = lockB.Lock(ctx, "op_1")
	require.NoError(t, err)
	unlock()

	// lock keys never show up as records
	keys, err := a.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestLockSerializesReadModifyWrite(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	var replicas []store.Store
	for i := 0; i < 2; i++ {
		p := NewProviderWithClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), "")
		defer p.Close()
		ns, err := p.Namespace("containers")
		require.NoError(t, err)
		replicas = append(replicas, ns)
	}
	require.NoError(t, replicas[0].Put(ctx, "counter", []byte("0")))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		ns := replicas[i%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := store.LockerFor(ns).Lock(ctx, "counter")
			if err != nil {
				return
			}
			defer unlock()

			v, err := ns.Get(ctx, "counter")
			if err != nil {
				return
			}
			n, _ := strconv.Atoi(string(v))
			_ = ns.Put(ctx, "counter", []byte(strconv.Itoa(n+1)))
		}()
	}
	wg.Wait()

	v, err := replicas[1].Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, "20", string(v))
}

func TestLockLeaseExpires(t *testing.T) {
	ctx := context.Background()
	p, mr := newTestProvider(t)

	ns, err := p.Namespace("containers")
	require.NoError(t, err)
	locker := store.LockerFor(ns)

	// a holder that never releases
	_, err = locker.Lock(ctx, "owner-1")
	require.NoError(t, err)
	mr.FastForward(DefaultLockTTL + time.Second)

	other := NewProviderWithClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), "test:")
	defer other.Close()
	ons, err := other.Namespace("containers")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlock, err := store.LockerFor(ons).Lock(waitCtx, "owner-1")
	require.NoError(t, err)
	unlock()
}
