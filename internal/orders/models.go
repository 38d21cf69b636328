package orders

import "time"

type TicketType struct {
	ID            string
	EventID       string
	Name          string
	PriceCents    int
	Capacity      *int // nil = unlimited
	ReservedCount int
}

type Order struct {
	ID              string
	PurchaserID     string
	SagaID          string
	Status          Status
	TotalCents      int
	PaymentIntentID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type TicketStatus string

const (
	TicketIssued    TicketStatus = "issued"
	TicketScanned   TicketStatus = "scanned"
	TicketUsed      TicketStatus = "used"
	TicketRefunded  TicketStatus = "refunded"
	TicketVoid      TicketStatus = "void"
	TicketCancelled TicketStatus = "cancelled"
)

// Admitted reports whether the ticket has already been let through the door.
func (s TicketStatus) Admitted() bool { return s == TicketScanned || s == TicketUsed }

type Ticket struct {
	ID              string
	TicketTypeID    string
	OrderID         string
	Status          TicketStatus
	Confirmed       bool // false until the payment webhook lands
	ScannedAt       *time.Time
	ScannedByDevice string
}

type LineItem struct {
	TicketTypeID string `json:"ticket_type_id"`
	Qty          int    `json:"qty"`
}
