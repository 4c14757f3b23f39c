package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine.git/internal/orders"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type cacheStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

type CachedStatus struct {
	Status    orders.Status `json:"status"`
	OwnerID   string        `json:"owner_id"`
	UpdatedAt time.Time     `json:"updated_at"`
	Gen       string        `json:"gen,omitempty"`
}

// StatusCache is a read-through cache of order status. The database stays the
// source of truth; every successful CAS drops the entry and replaces the
// order's generation token. An entry is only served while its token matches
// the current one, so a fill computed from a read that raced an invalidation
// is never returned.
type StatusCache struct {
	store cacheStore
	ttl   time.Duration
}

func NewStatusCache(store cacheStore) *StatusCache {
	return &StatusCache{store: store, ttl: TTLStatusCache}
}

// Get returns ok=false on a miss or when the entry belongs to an older
// generation.
func (c *StatusCache) Get(ctx context.Context, orderID string) (CachedStatus, bool, error) {
	raw, err := c.store.Get(ctx, OrderStatusKey(orderID))
	if errors.Is(err, redis.Nil) {
		return CachedStatus{}, false, nil
	}
	if err != nil {
		return CachedStatus{}, false, err
	}
	var cs CachedStatus
	if err := json.Unmarshal([]byte(raw), &cs); err != nil {
		return CachedStatus{}, false, nil
	}
	gen, err := c.Generation(ctx, orderID)
	if err != nil {
		return CachedStatus{}, false, err
	}
	if cs.Gen != gen {
		return CachedStatus{}, false, nil
	}
	return cs, true, nil
}

// Generation returns the order's current token, empty if it was never
// invalidated. Read it before loading the row that will fill the cache.
func (c *StatusCache) Generation(ctx context.Context, orderID string) (string, error) {
	gen, err := c.store.Get(ctx, OrderStatusGenKey(orderID))
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return gen, err
}

// Fill stores cs stamped with gen, the token read before the row was loaded.
func (c *StatusCache) Fill(ctx context.Context, orderID, gen string, cs CachedStatus) error {
	cs.Gen = gen
	b, err := json.Marshal(cs)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, OrderStatusKey(orderID), string(b), c.ttl)
}

func (c *StatusCache) Invalidate(ctx context.Context, orderID string) error {
	if err := c.store.Set(ctx, OrderStatusGenKey(orderID), uuid.NewString(), TTLStatusGen); err != nil {
		return err
	}
	return c.store.Del(ctx, OrderStatusKey(orderID))
}
