package redisx

import "time"

const (
	KeyIdempotency = "idem:%s:%s" // completed response JSON
	KeyOrderStatus = "order_status:%s"
	KeySaga        = "saga:%s" // hash
)

var (
	TTLStatusCache = 5 * time.Minute
	TTLSaga        = 48 * time.Hour
)
