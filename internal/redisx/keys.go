package redisx

import "time"

const (
	// idem:order:create:{scope}:{idempotency key} -> order id, or "pending" while in flight
	KeyIdemOrderCreate = "idem:order:create:%s:%s"

	// order:{order_id} -> order JSON as served by GET /orders/{id}
	KeyOrder = "order:%s"

	// dedup:{consumer}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// catalog:product:{product_id} -> product JSON
	KeyCatalogProduct = "catalog:product:%s"
)

var (
	TTLIdempotency        = 24 * time.Hour
	TTLIdempotencyPending = time.Minute
	TTLOrderCache         = 5 * time.Minute
	TTLDedup              = 48 * time.Hour
	TTLCatalog            = 30 * time.Second
)
