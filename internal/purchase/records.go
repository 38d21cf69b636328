package purchase

import (
	"context"
	"fmt"
	"github.com/ariefcatur/go-realtime-tickets/internal/credential"
	"github.com/ariefcatur/go-realtime-tickets/internal/orders"
	"github.com/google/uuid"
)

type Table struct {
	ID         string
	PriceCents int
	MaxGuests  int
}

type TicketRow struct {
	ID              string
	TicketTypeID    string
	CredentialToken string
}

type ReservationRow struct {
	ID                string
	TableID           string
	EventID           string
	PurchaserTicketID string
	GuestCount        int
}

type PassRow struct {
	ID          string
	IsPurchaser bool
	Token       string
	Signature   string
}

// Provisional is everything step create_records writes in one transaction.
type Provisional struct {
	Order       orders.Order
	Tickets     []TicketRow
	Reservation *ReservationRow
	Passes      []PassRow
}

type Store interface {
	ClaimTable(ctx context.Context, tableID, eventID string) (Table, error)
	RestoreTable(ctx context.Context, tableID string) error
	Prices(ctx context.Context, ticketTypeIDs []string) (map[string]int, error)
	InsertProvisional(ctx context.Context, p Provisional) error
	DeleteProvisional(ctx context.Context, orderID string) error
	SetPaymentIntent(ctx context.Context, orderID, intentID string) error
}

func (s *Service) provisional(ctx context.Context, sagaID string, st *state, req Request, table Table) (Provisional, []Credential, error) {
	ids := make([]string, 0, len(req.Items))
	for _, it := range req.Items {
		ids = append(ids, it.TicketTypeID)
	}
	prices, err := s.Store.Prices(ctx, ids)
	if err != nil {
		return Provisional{}, nil, err
	}

	p := Provisional{Order: orders.Order{
		ID:          st.OrderID,
		PurchaserID: req.PurchaserID,
		SagaID:      sagaID,
		Status:      orders.StatusPending,
		TotalCents:  table.PriceCents,
	}}
	var creds []Credential
	sign := func(id string, kind credential.Kind) (Credential, error) {
		tok, sig, err := s.Signer.Issue(id, kind)
		if err != nil {
			return Credential{}, fmt.Errorf("sign %s %s: %w", kind, id, err)
		}
		c := Credential{SubjectID: id, Kind: kind, Token: tok, Signature: sig}
		creds = append(creds, c)
		return c, nil
	}

	for _, it := range req.Items {
		price, ok := prices[it.TicketTypeID]
		if !ok {
			return Provisional{}, nil, fmt.Errorf("%w: unknown ticket type %s", ErrInvalidRequest, it.TicketTypeID)
		}
		p.Order.TotalCents += price * it.Qty
		for i := 0; i < it.Qty; i++ {
			c, err := sign(uuid.NewString(), credential.KindTicket)
			if err != nil {
				return Provisional{}, nil, err
			}
			p.Tickets = append(p.Tickets, TicketRow{ID: c.SubjectID, TicketTypeID: it.TicketTypeID, CredentialToken: c.Token})
		}
	}

	if req.TableID != "" {
		p.Reservation = &ReservationRow{
			ID:                uuid.NewString(),
			TableID:           req.TableID,
			EventID:           req.EventID,
			PurchaserTicketID: p.Tickets[0].ID,
			GuestCount:        req.Guests,
		}
		for i := 0; i <= req.Guests; i++ {
			c, err := sign(uuid.NewString(), credential.KindGuestPass)
			if err != nil {
				return Provisional{}, nil, err
			}
			p.Passes = append(p.Passes, PassRow{ID: c.SubjectID, IsPurchaser: i == 0, Token: c.Token, Signature: c.Signature})
		}
	}
	return p, creds, nil
}
