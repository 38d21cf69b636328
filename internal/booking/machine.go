// Package booking owns VIP reservation status. Transition is the only code
// path that writes vip_reservations.status; a trigger in the schema enforces
// the same edge set underneath it.
package booking

import (
	"context"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-realtime-tickets/internal/postgres"
	"github.com/jackc/pgx/v5"
	"time"
)

var (
	ErrInvalidTransition    = errors.New("invalid reservation transition")
	ErrPreconditionFailed   = errors.New("reservation precondition failed")
	ErrEventStarted         = fmt.Errorf("%w: event already started", ErrPreconditionFailed)
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrDuplicateReservation = errors.New("table already has a live reservation")
)

// LiveTableIndex is the partial unique index behind ErrDuplicateReservation.
const LiveTableIndex = "vip_reservations_live_table_uq"

// Locked is the reservation row as read under FOR UPDATE, plus the event start.
type Locked struct {
	Reservation
	EventStartsAt time.Time
}

// Lock reads a reservation with its row lock held for the rest of tx.
func Lock(ctx context.Context, tx pgx.Tx, reservationID string) (Locked, error) {
	var l Locked
	var status string
	err := tx.QueryRow(ctx, `
		SELECT r.id, r.table_id, r.event_id, r.order_id, r.purchaser_ticket_id, r.status,
		       r.guest_count, r.checked_in_guests, r.created_at, r.updated_at, e.starts_at
		FROM vip_reservations r
		JOIN events e ON e.id = r.event_id
		WHERE r.id = $1
		FOR UPDATE OF r`, reservationID).
		Scan(&l.ID, &l.TableID, &l.EventID, &l.OrderID, &l.PurchaserTicketID, &status,
			&l.GuestCount, &l.CheckedInGuests, &l.CreatedAt, &l.UpdatedAt, &l.EventStartsAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Locked{}, ErrReservationNotFound
	}
	if err != nil {
		return Locked{}, err
	}
	l.Status = Status(status)
	return l, nil
}

// Transition moves a reservation from `from` to `to` inside tx. The caller
// states what it believes the current status is; a mismatch is a failed
// precondition, never a silent overwrite.
func Transition(ctx context.Context, tx pgx.Tx, reservationID string, from, to Status, now time.Time) (Locked, error) {
	if !CanTransition(from, to) {
		return Locked{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	l, err := Lock(ctx, tx, reservationID)
	if err != nil {
		return Locked{}, err
	}
	if err := checkPreconditions(l.Status, from, to, l.EventStartsAt, now); err != nil {
		return Locked{}, err
	}

	_, err = tx.Exec(ctx, `UPDATE vip_reservations SET status=$2, updated_at=now() WHERE id=$1`, reservationID, string(to))
	if postgres.IsRaised(err) {
		return Locked{}, fmt.Errorf("%w: %s -> %s (rejected by store)", ErrInvalidTransition, from, to)
	}
	if err != nil {
		return Locked{}, err
	}
	l.Status = to
	return l, nil
}

func checkPreconditions(current, from, to Status, eventStartsAt, now time.Time) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if current != from {
		return fmt.Errorf("%w: expected %s, found %s", ErrPreconditionFailed, from, current)
	}
	if from == StatusConfirmed && to == StatusCancelled && !now.Before(eventStartsAt) {
		return ErrEventStarted
	}
	return nil
}
