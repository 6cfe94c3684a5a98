package redisx

import "time"

const (
	// Idempotency checkout: idem:checkout:{idempotency_key} -> job_id
	KeyIdemCheckout = "idem:checkout:%s:%s" // user id, client key

	// Order to job mapping: checkout:order:{order_id} -> job_id
	KeyOrderJob = "checkout:order:%s"

	// Dedup event processing: dedup:{service}:{id} (id = event_id)
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLOrderJob    = 7 * 24 * time.Hour
	TTLDedup       = 48 * time.Hour
)
