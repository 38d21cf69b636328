package purchase

import (
	"context"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-realtime-tickets/internal/booking"
	"github.com/ariefcatur/go-realtime-tickets/internal/orders"
	"github.com/ariefcatur/go-realtime-tickets/internal/postgres"
	"github.com/jackc/pgx/v5"
)

type PostgresStore struct{ DB postgres.DB }

func (s *PostgresStore) ClaimTable(ctx context.Context, tableID, eventID string) (Table, error) {
	t := Table{ID: tableID}
	err := s.DB.QueryRow(ctx, `
		UPDATE vip_tables SET is_available=FALSE
		WHERE id=$1 AND event_id=$2 AND is_available
		RETURNING price_cents, max_guests`, tableID, eventID).Scan(&t.PriceCents, &t.MaxGuests)
	if errors.Is(err, pgx.ErrNoRows) {
		return Table{}, fmt.Errorf("%w: %s", ErrTableUnavailable, tableID)
	}
	return t, err
}

// RestoreTable leaves the table alone while any live reservation still holds it.
func (s *PostgresStore) RestoreTable(ctx context.Context, tableID string) error {
	if tableID == "" {
		return nil
	}
	_, err := s.DB.Exec(ctx, `
		UPDATE vip_tables SET is_available=TRUE
		WHERE id=$1 AND NOT EXISTS (
			SELECT 1 FROM vip_reservations
			WHERE table_id=$1 AND status IN ('pending', 'confirmed', 'checked_in')
		)`, tableID)
	return err
}

func (s *PostgresStore) Prices(ctx context.Context, ids []string) (map[string]int, error) {
	rows, err := s.DB.Query(ctx, `SELECT id, price_cents FROM ticket_types WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int, len(ids))
	for rows.Next() {
		var id string
		var price int
		if err := rows.Scan(&id, &price); err != nil {
			return nil, err
		}
		out[id] = price
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertProvisional(ctx context.Context, p Provisional) error {
	return postgres.WithTx(ctx, s.DB, func(tx pgx.Tx) error {
		o := p.Order
		if _, err := tx.Exec(ctx, `
			INSERT INTO orders (id, purchaser_id, saga_id, status, total_cents)
			VALUES ($1, $2, $3, $4, $5)`, o.ID, o.PurchaserID, o.SagaID, string(o.Status), o.TotalCents); err != nil {
			return err
		}
		for _, t := range p.Tickets {
			if _, err := tx.Exec(ctx, `
				INSERT INTO tickets (id, ticket_type_id, order_id, credential_token)
				VALUES ($1, $2, $3, $4)`, t.ID, t.TicketTypeID, o.ID, t.CredentialToken); err != nil {
				return err
			}
		}
		if p.Reservation == nil {
			return nil
		}
		r := p.Reservation
		_, err := tx.Exec(ctx, `
			INSERT INTO vip_reservations (id, table_id, event_id, order_id, purchaser_ticket_id, status, guest_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			r.ID, r.TableID, r.EventID, o.ID, r.PurchaserTicketID, string(booking.StatusPending), r.GuestCount)
		if postgres.IsUniqueViolation(err, booking.LiveTableIndex) {
			return booking.ErrDuplicateReservation
		}
		if err != nil {
			return err
		}
		for _, gp := range p.Passes {
			if _, err := tx.Exec(ctx, `
				INSERT INTO guest_passes (id, reservation_id, is_purchaser, credential_token, signature)
				VALUES ($1, $2, $3, $4, $5)`, gp.ID, r.ID, gp.IsPurchaser, gp.Token, gp.Signature); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteProvisional removes an unpaid order and everything hanging off it.
// Deleting an order that is already gone is a no-op; a settled order is
// never deleted.
func (s *PostgresStore) DeleteProvisional(ctx context.Context, orderID string) error {
	return postgres.WithTx(ctx, s.DB, func(tx pgx.Tx) error {
		o, err := orders.LockOrderTx(ctx, tx, orderID)
		if errors.Is(err, orders.ErrOrderNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if o.Status != orders.StatusPending {
			return fmt.Errorf("%w: order %s is %s", ErrOrderSettled, orderID, o.Status)
		}
		stmts := []string{
			`DELETE FROM guest_passes WHERE reservation_id IN (SELECT id FROM vip_reservations WHERE order_id=$1)`,
			`DELETE FROM vip_reservations WHERE order_id=$1`,
			`DELETE FROM tickets WHERE order_id=$1`,
			`DELETE FROM orders WHERE id=$1`,
		}
		for _, q := range stmts {
			if _, err := tx.Exec(ctx, q, orderID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) SetPaymentIntent(ctx context.Context, orderID, intentID string) error {
	tag, err := s.DB.Exec(ctx, `UPDATE orders SET payment_intent_id=$2, updated_at=now() WHERE id=$1`, orderID, intentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", orders.ErrOrderNotFound, orderID)
	}
	return nil
}
