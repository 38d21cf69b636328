package booking

import (
	"context"
	"errors"
	"github.com/ariefcatur/go-realtime-tickets/internal/orders"
	"github.com/ariefcatur/go-realtime-tickets/internal/postgres"
	"github.com/jackc/pgx/v5"
	"log"
	"time"
)

// Service is the set of booking write paths. Every one of them changes status
// through Transition.
type Service struct {
	DB      postgres.DB
	Events  *orders.Emitter
	NowFunc func() time.Time
}

func (s *Service) now() time.Time {
	if s.NowFunc != nil {
		return s.NowFunc()
	}
	return time.Now()
}

// Apply runs one caller-requested transition together with its side effects.
func (s *Service) Apply(ctx context.Context, reservationID string, from, to Status) (Reservation, error) {
	var res Reservation
	err := postgres.WithTx(ctx, s.DB, func(tx pgx.Tx) error {
		l, err := s.ApplyTx(ctx, tx, reservationID, from, to)
		res = l.Reservation
		return err
	})
	if err != nil {
		return Reservation{}, err
	}
	s.Events.Emit(orders.TopicBookingChanged, orders.EventBookingStatusChanged, reservationID,
		orders.BookingStatusChangedPayload{ReservationID: reservationID, From: string(from), To: string(to)})
	return res, nil
}

// ApplyTx is Apply for callers that already hold a transaction (payment confirmation).
func (s *Service) ApplyTx(ctx context.Context, tx pgx.Tx, reservationID string, from, to Status) (Locked, error) {
	l, err := Transition(ctx, tx, reservationID, from, to, s.now())
	if err != nil {
		return Locked{}, err
	}
	if to == StatusCancelled {
		if err := cancelSideEffects(ctx, tx, l.Reservation); err != nil {
			return Locked{}, err
		}
		log.Printf("booking: reservation cancelled id=%s table=%s from=%s", l.ID, l.TableID, from)
	}
	return l, nil
}

func (s *Service) Confirm(ctx context.Context, reservationID string) (Reservation, error) {
	return s.Apply(ctx, reservationID, StatusPending, StatusConfirmed)
}

func (s *Service) CheckIn(ctx context.Context, reservationID string) (Reservation, error) {
	return s.Apply(ctx, reservationID, StatusConfirmed, StatusCheckedIn)
}

func (s *Service) Complete(ctx context.Context, reservationID string) (Reservation, error) {
	return s.Apply(ctx, reservationID, StatusCheckedIn, StatusCompleted)
}

// Cancel accepts the caller's view of the current status: pending or confirmed.
func (s *Service) Cancel(ctx context.Context, reservationID string, from Status) (Reservation, error) {
	return s.Apply(ctx, reservationID, from, StatusCancelled)
}

// ConfirmByOrderTx confirms the reservation attached to an order, if any.
// Already-confirmed reservations are left alone so webhook replays are harmless.
func (s *Service) ConfirmByOrderTx(ctx context.Context, tx pgx.Tx, orderID string) (string, error) {
	var id, status string
	err := tx.QueryRow(ctx, `SELECT id, status FROM vip_reservations WHERE order_id=$1`, orderID).Scan(&id, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if Status(status) != StatusPending {
		return id, nil
	}
	if _, err := s.ApplyTx(ctx, tx, id, StatusPending, StatusConfirmed); err != nil {
		return "", err
	}
	return id, nil
}

func cancelSideEffects(ctx context.Context, tx pgx.Tx, r Reservation) error {
	if _, err := tx.Exec(ctx, `UPDATE guest_passes SET status='cancelled' WHERE reservation_id=$1 AND status='issued'`, r.ID); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `UPDATE vip_tables SET is_available=TRUE WHERE id=$1`, r.TableID)
	return err
}
