package redisx

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine.git/internal/orders"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCmdable struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
}

func newMockCmdable() *mockCmdable {
	return &mockCmdable{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *mockCmdable) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (m *mockCmdable) Set(_ context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = fmt.Sprint(value)
	m.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (m *mockCmdable) Get(_ context.Context, key string) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *mockCmdable) SetNX(_ context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	m.data[key] = fmt.Sprint(value)
	m.ttls[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (m *mockCmdable) Del(_ context.Context, keys ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := m.data[k]; ok {
			delete(m.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func newTestClient() (*Client, *mockCmdable) {
	mock := newMockCmdable()
	return &Client{store: mock}, mock
}

func TestIdempotencyGuardMarksOnce(t *testing.T) {
	ctx := context.Background()
	client, mock := newTestClient()
	guard, err := NewIdempotencyGuard(client, time.Hour, ScopeWebhook)
	require.NoError(t, err)

	seen, err := guard.CheckAndMark(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)
	assert.Equal(t, time.Hour, mock.ttls["dedup:webhook:evt_1"])

	seen, err = guard.CheckAndMark(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	require.NoError(t, guard.Delete(ctx, "evt_1"))
	seen, err = guard.CheckAndMark(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen, "deleted mark must let a redelivery through")

	_, err = guard.CheckAndMark(ctx, "")
	assert.Error(t, err)
}

func TestRedisLockSingleHolder(t *testing.T) {
	ctx := context.Background()
	client, mock := newTestClient()
	a, err := NewRedisLock(client, LockKey(JobReaper), time.Minute)
	require.NoError(t, err)
	b, err := NewRedisLock(client, LockKey(JobReaper), time.Minute)
	require.NoError(t, err)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// b never owned it, so its release must not free a's lease
	require.NoError(t, b.Release(ctx))
	_, held := mock.data["lock:reservation-reaper"]
	assert.True(t, held)

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockLeavesForeignOwner(t *testing.T) {
	ctx := context.Background()
	client, mock := newTestClient()
	l, err := NewRedisLock(client, "lock:x", time.Minute)
	require.NoError(t, err)
	ok, _ := l.Acquire(ctx)
	require.True(t, ok)

	// lease expired and another worker took it
	mock.data["lock:x"] = "someone-else"
	require.NoError(t, l.Release(ctx))
	assert.Equal(t, "someone-else", mock.data["lock:x"])
}

func TestStatusCacheRoundTripAndInvalidate(t *testing.T) {
	ctx := context.Background()
	client, mock := newTestClient()
	cache := NewStatusCache(client)

	_, ok, err := cache.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	gen, err := cache.Generation(ctx, "o-1")
	require.NoError(t, err)
	require.NoError(t, cache.Fill(ctx, "o-1", gen, CachedStatus{Status: orders.StatusPaymentPending, UpdatedAt: at}))
	assert.Equal(t, TTLStatusCache, mock.ttls["order_status:o-1"])

	got, ok, err := cache.Get(ctx, "o-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, orders.StatusPaymentPending, got.Status)
	assert.True(t, at.Equal(got.UpdatedAt))

	require.NoError(t, cache.Invalidate(ctx, "o-1"))
	_, ok, err = cache.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStatusCacheDropsFillFromBeforeInvalidate(t *testing.T) {
	ctx := context.Background()
	client, mock := newTestClient()
	cache := NewStatusCache(client)

	// a reader takes the generation and loads the row
	gen, err := cache.Generation(ctx, "o-1")
	require.NoError(t, err)
	stale := CachedStatus{Status: orders.StatusPaymentPending, OwnerID: "u-1"}

	// a CAS lands and invalidates before the reader fills
	require.NoError(t, cache.Invalidate(ctx, "o-1"))
	assert.Equal(t, TTLStatusGen, mock.ttls["order_status_gen:o-1"])

	require.NoError(t, cache.Fill(ctx, "o-1", gen, stale))
	_, ok, err := cache.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.False(t, ok, "a fill from before the invalidation must not be served")

	// the next reader sees the new generation and its fill sticks
	gen, err = cache.Generation(ctx, "o-1")
	require.NoError(t, err)
	require.NotEmpty(t, gen)
	require.NoError(t, cache.Fill(ctx, "o-1", gen, CachedStatus{Status: orders.StatusCompleted, OwnerID: "u-1"}))
	got, ok, err := cache.Get(ctx, "o-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, orders.StatusCompleted, got.Status)
}

func TestUninitializedClientErrors(t *testing.T) {
	c := &Client{}
	_, err := c.SetNX(context.Background(), "k", "v", time.Second)
	assert.Error(t, err)
	assert.NoError(t, c.Close())
}
