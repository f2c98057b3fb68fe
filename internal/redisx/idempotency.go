package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const pending = "pending"

// ErrInFlight means another request holding the same key has not finished yet.
var ErrInFlight = errors.New("idempotent request still in flight")

type IdempotencyStore struct {
	rdb        *redis.Client
	pendingTTL time.Duration
}

// NewIdempotencyStore keeps the "pending" marker for pendingTTL only, so a key whose owner crashed
// frees itself shortly after the attempt could have finished. Finished keys live for TTLIdempotency.
func NewIdempotencyStore(rdb *redis.Client, pendingTTL time.Duration) *IdempotencyStore {
	if pendingTTL <= 0 {
		pendingTTL = TTLIdempotencyPending
	}
	return &IdempotencyStore{rdb: rdb, pendingTTL: pendingTTL}
}

// Begin claims key. It returns ("", true) when the caller owns the key and must finish with
// Complete or Abort, (orderID, false) for a finished earlier request, and ErrInFlight otherwise.
func (s *IdempotencyStore) Begin(ctx context.Context, key string) (string, bool, error) {
	k := fmt.Sprintf(KeyIdemCheckout, key)
	ok, err := s.rdb.SetNX(ctx, k, pending, s.pendingTTL).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return "", true, nil
	}
	v, err := s.rdb.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// expired or aborted between SETNX and GET; try once more
		return s.Begin(ctx, key)
	}
	if err != nil {
		return "", false, err
	}
	if v == pending {
		return "", false, ErrInFlight
	}
	return v, false, nil
}

func (s *IdempotencyStore) Complete(ctx context.Context, key, orderID string) error {
	return s.rdb.Set(ctx, fmt.Sprintf(KeyIdemCheckout, key), orderID, TTLIdempotency).Err()
}

// Abort frees the key after a failed attempt so the client can retry with it.
func (s *IdempotencyStore) Abort(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, fmt.Sprintf(KeyIdemCheckout, key)).Err()
}
