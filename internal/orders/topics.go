package orders

const (
	TopicOrderPlaced     = "tickets.order.placed"
	TopicOrderConfirmed  = "tickets.order.confirmed"
	TopicPaymentFailed   = "tickets.payment.failed"
	TopicTicketAdmitted  = "tickets.ticket.admitted"
	TopicBookingChanged  = "tickets.booking.changed"
	TopicPaymentWebhooks = "payments.webhook"
)

// Partition key = order_id (or ticket id for scans) so one subject's events stay ordered.
func PartitionKey(id string) []byte { return []byte(id) }
