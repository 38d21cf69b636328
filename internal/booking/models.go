package booking

import "time"

type Reservation struct {
	ID                string
	TableID           string
	EventID           string
	OrderID           string
	PurchaserTicketID string
	Status            Status
	GuestCount        int
	CheckedInGuests   int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type PassStatus string

const (
	PassIssued    PassStatus = "issued"
	PassCheckedIn PassStatus = "checked_in"
	PassCancelled PassStatus = "cancelled"
)

type GuestPass struct {
	ID              string
	ReservationID   string
	IsPurchaser     bool
	Status          PassStatus
	CredentialToken string
	Signature       string
}
