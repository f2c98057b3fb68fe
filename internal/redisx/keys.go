package redisx

import "time"

const (
	// Idempotency checkout: idem:checkout:{Idempotency-Key} -> order_id ("pending" while in flight)
	KeyIdemCheckout = "idem:checkout:%s"

	// Cache status order: order_status:{order_id} -> {"status": "...", "updated_at": "..."}
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{service}:{order_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency        = 24 * time.Hour
	TTLIdempotencyPending = time.Minute // default; the API passes 2x CHECKOUT_TIMEOUT
	TTLStatusCache        = 5 * time.Minute
	TTLDedup              = 48 * time.Hour
	TTLDedupClaim         = 10 * time.Minute // until Confirm extends it to TTLDedup
)
