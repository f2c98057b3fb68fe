package redisx

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Dedup remembers which orders a consumer has already handled.
type Dedup struct {
	rdb     *redis.Client
	service string
}

func NewDedup(rdb *redis.Client, service string) *Dedup {
	return &Dedup{rdb: rdb, service: service}
}

// Claim returns true for the first caller per order id. The claim lasts TTLDedupClaim; a consumer
// that dies before Confirm leaves the order claimable again once it lapses.
func (d *Dedup) Claim(ctx context.Context, orderID string) (bool, error) {
	return d.rdb.SetNX(ctx, d.key(orderID), "1", TTLDedupClaim).Result()
}

// Confirm marks the order handled for TTLDedup.
func (d *Dedup) Confirm(ctx context.Context, orderID string) error {
	return d.rdb.Expire(ctx, d.key(orderID), TTLDedup).Err()
}

func (d *Dedup) Forget(ctx context.Context, orderID string) error {
	return d.rdb.Del(ctx, d.key(orderID)).Err()
}

func (d *Dedup) key(orderID string) string {
	return fmt.Sprintf(KeyDedup, d.service, orderID)
}
