package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/redis/go-redis/v9"
)

type StatusEntry struct {
	OrderID   string        `json:"order_id"`
	Status    orders.Status `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// StatusCache is a read-through cache; Postgres stays the source of truth.
type StatusCache struct {
	rdb *redis.Client
}

func NewStatusCache(rdb *redis.Client) *StatusCache {
	return &StatusCache{rdb: rdb}
}

// Get returns (entry, false, nil) on a miss.
func (c *StatusCache) Get(ctx context.Context, orderID string) (StatusEntry, bool, error) {
	var e StatusEntry
	b, err := c.rdb.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return e, false, nil
	}
	if err != nil {
		return e, false, err
	}
	if err := json.Unmarshal(b, &e); err != nil {
		return e, false, fmt.Errorf("decode status cache: %w", err)
	}
	return e, true, nil
}

func (c *StatusCache) Set(ctx context.Context, o orders.Order) error {
	b, err := json.Marshal(StatusEntry{OrderID: o.ID, Status: o.Status, UpdatedAt: o.UpdatedAt})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, fmt.Sprintf(KeyOrderStatus, o.ID), b, TTLStatusCache).Err()
}

func (c *StatusCache) Invalidate(ctx context.Context, orderID string) error {
	return c.rdb.Del(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Err()
}
