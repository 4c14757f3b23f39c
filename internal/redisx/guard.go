package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type kvStore interface {
	Get(ctx context.Context, key string) (string, error)
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

// IdempotencyGuard marks inbound event ids as seen.
type IdempotencyGuard struct {
	store kvStore
	ttl   time.Duration
	scope string
}

func NewIdempotencyGuard(store kvStore, ttl time.Duration, scope string) (*IdempotencyGuard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	if scope == "" {
		return nil, errors.New("scope is required")
	}
	return &IdempotencyGuard{store: store, ttl: ttl, scope: scope}, nil
}

// CheckAndMark reports whether eventID was already marked, marking it if not.
func (g *IdempotencyGuard) CheckAndMark(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, errors.New("event id is required")
	}
	set, err := g.store.SetNX(ctx, DedupKey(g.scope, eventID), "1", g.ttl)
	if err != nil {
		return false, fmt.Errorf("set dedup key: %w", err)
	}
	return !set, nil
}

// Delete unmarks eventID so a redelivery is processed again.
func (g *IdempotencyGuard) Delete(ctx context.Context, eventID string) error {
	if eventID == "" {
		return errors.New("event id is required")
	}
	return g.store.Del(ctx, DedupKey(g.scope, eventID))
}
