package orders

type Status string

const (
	StatusPending       Status = "pending"
	StatusPaid          Status = "paid"
	StatusPaymentFailed Status = "payment_failed"
	StatusRefunded      Status = "refunded"
)

// A failed attempt can still be followed by a successful one on the same intent.
var validNext = map[Status]map[Status]bool{
	StatusPending:       {StatusPaid: true, StatusPaymentFailed: true},
	StatusPaymentFailed: {StatusPaid: true},
	StatusPaid:          {StatusRefunded: true},
	StatusRefunded:      {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}
