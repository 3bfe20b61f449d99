package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-capacity/internal/model"
)

var (
	slotA = model.Slot{EventID: 1, Date: "2025-06-01", StartTime: "19:30:00"}
	slotB = model.Slot{EventID: 2, Date: "2025-06-01", StartTime: "19:30:00"}
)

func newTestCache(t *testing.T) (*AvailabilityCache, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, Config{Prefix: "test", LocalTTL: time.Minute}, zap.NewNop()), mr, rdb
}

func countingLoader(calls *atomic.Int32, v []int) func(context.Context) ([]int, error) {
	return func(context.Context) ([]int, error) {
		calls.Add(1)
		return v, nil
	}
}

func TestKeyLayout(t *testing.T) {
	c := New(nil, Config{Prefix: "capacity"}, nil)
	assert.Equal(t, "capacity:1:2025-06-01:19:30:00:shards", c.Key(slotA, KindShards))
	assert.Equal(t, "capacity:1:2025-06-01:19:30:00:shards:4", c.Key(slotA, KindShards, "4"))
}

func TestFetchReadsThroughBothTiers(t *testing.T) {
	c, mr, _ := newTestCache(t)
	ctx := context.Background()
	key := c.Key(slotA, KindShards)
	var calls atomic.Int32

	v, err := Fetch(ctx, c, slotA, key, 5*time.Second, countingLoader(&calls, []int{0, 2}))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, v)

	v, err = Fetch(ctx, c, slotA, key, 5*time.Second, countingLoader(&calls, []int{9}))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, v)
	assert.Equal(t, int32(1), calls.Load())

	assert.True(t, mr.Exists(key))
	assert.Equal(t, 5*time.Second, mr.TTL(key))
	members, err := mr.Members(c.tagKey(slotA))
	require.NoError(t, err)
	assert.Equal(t, []string{key}, members)
}

func TestFetchBackfillsFromRedis(t *testing.T) {
	c1, mr, _ := newTestCache(t)
	rdb2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb2.Close()
	c2 := New(rdb2, Config{Prefix: "test"}, zap.NewNop())
	ctx := context.Background()
	key := c1.Key(slotA, KindAvailability)
	var calls atomic.Int32

	_, err := Fetch(ctx, c1, slotA, key, time.Minute, countingLoader(&calls, []int{3}))
	require.NoError(t, err)

	v, err := Fetch(ctx, c2, slotA, key, time.Minute, countingLoader(&calls, []int{7}))
	require.NoError(t, err)
	assert.Equal(t, []int{3}, v)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, c2.Len())
}

func TestInvalidateDropsOnlyTheSlot(t *testing.T) {
	c, mr, _ := newTestCache(t)
	ctx := context.Background()
	keyA := c.Key(slotA, KindShards)
	keyA2 := c.Key(slotA, KindShards, "4")
	keyB := c.Key(slotB, KindShards)
	var calls atomic.Int32

	for _, k := range []struct {
		slot model.Slot
		key  string
	}{{slotA, keyA}, {slotA, keyA2}, {slotB, keyB}} {
		_, err := Fetch(ctx, c, k.slot, k.key, time.Minute, countingLoader(&calls, []int{1}))
		require.NoError(t, err)
	}
	require.Equal(t, int32(3), calls.Load())

	c.Invalidate(ctx, slotA)

	assert.False(t, mr.Exists(keyA))
	assert.False(t, mr.Exists(keyA2))
	assert.False(t, mr.Exists(c.tagKey(slotA)))
	assert.True(t, mr.Exists(keyB))
	assert.Equal(t, 1, c.Len())

	v, err := Fetch(ctx, c, slotA, keyA, time.Minute, countingLoader(&calls, []int{5}))
	require.NoError(t, err)
	assert.Equal(t, []int{5}, v)
	assert.Equal(t, int32(4), calls.Load())
}

func TestFetchCoalescesConcurrentLoads(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()
	key := c.Key(slotA, KindShards)
	var calls atomic.Int32
	load := func(context.Context) ([]int, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return []int{1, 2, 3}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := Fetch(ctx, c, slotA, key, time.Minute, load)
			assert.NoError(t, err)
			assert.Equal(t, []int{1, 2, 3}, v)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

// blockingLoader returns v once release is closed, or the load context's
// error if that ends first.
func blockingLoader(started chan<- struct{}, release <-chan struct{}, calls *atomic.Int32, v []int) func(context.Context) ([]int, error) {
	return func(ctx context.Context) ([]int, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		select {
		case <-release:
			return v, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func TestInvalidateDuringLoadDiscardsResult(t *testing.T) {
	c, mr, _ := newTestCache(t)
	ctx := context.Background()
	key := c.Key(slotA, KindShards)
	started, release := make(chan struct{}), make(chan struct{})
	var calls atomic.Int32

	done := make(chan []int, 1)
	go func() {
		v, err := Fetch(ctx, c, slotA, key, time.Minute, blockingLoader(started, release, &calls, []int{0, 1}))
		assert.NoError(t, err)
		done <- v
	}()
	<-started
	c.Invalidate(ctx, slotA)
	close(release)
	assert.Equal(t, []int{0, 1}, <-done)

	// The pre-invalidation value was stored in neither tier.
	assert.Zero(t, c.Len())
	assert.False(t, mr.Exists(key))

	var fresh atomic.Int32
	v, err := Fetch(ctx, c, slotA, key, time.Minute, countingLoader(&fresh, []int{1}))
	require.NoError(t, err)
	assert.Equal(t, []int{1}, v)
	assert.Equal(t, int32(1), fresh.Load())
	assert.True(t, mr.Exists(key))
}

func TestCancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	c, _, _ := newTestCache(t)
	key := c.Key(slotA, KindShards)
	started, release := make(chan struct{}), make(chan struct{})
	var calls atomic.Int32
	load := blockingLoader(started, release, &calls, []int{2, 3})

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := Fetch(leaderCtx, c, slotA, key, time.Minute, load)
		leaderErr <- err
	}()
	<-started

	waiter := make(chan []int, 1)
	go func() {
		v, err := Fetch(context.Background(), c, slotA, key, time.Minute, load)
		assert.NoError(t, err)
		waiter <- v
	}()

	cancel()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)
	close(release)
	assert.Equal(t, []int{2, 3}, <-waiter)

	v, ok := c.local.Get(key)
	require.True(t, ok, "shared load must still populate the cache")
	assert.JSONEq(t, `[2,3]`, string(v))
}

func TestLoaderErrorsAreNotCached(t *testing.T) {
	c, mr, _ := newTestCache(t)
	ctx := context.Background()
	key := c.Key(slotA, KindAvailability)
	boom := errors.New("db down")

	_, err := Fetch(ctx, c, slotA, key, time.Minute, func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists(key))
	assert.Zero(t, c.Len())
}

func TestRedisOutageIsSwallowed(t *testing.T) {
	c, mr, _ := newTestCache(t)
	mr.Close()
	ctx := context.Background()
	key := c.Key(slotA, KindShards)
	var calls atomic.Int32

	v, err := Fetch(ctx, c, slotA, key, time.Minute, countingLoader(&calls, []int{4}))
	require.NoError(t, err)
	assert.Equal(t, []int{4}, v)
	assert.NotPanics(t, func() { c.Invalidate(ctx, slotA) })
	assert.Zero(t, c.Len())
}

func TestLocalOnlyWithoutRedis(t *testing.T) {
	c := New(nil, Config{}, nil)
	ctx := context.Background()
	key := c.Key(slotA, KindBounded, "4")
	var calls atomic.Int32
	load := func(context.Context) (bool, error) { calls.Add(1); return true, nil }

	for i := 0; i < 3; i++ {
		v, err := Fetch(ctx, c, slotA, key, time.Second, load)
		require.NoError(t, err)
		assert.True(t, v)
	}
	assert.Equal(t, int32(1), calls.Load())
	c.Invalidate(ctx, slotA)
	assert.Zero(t, c.Len())
}
