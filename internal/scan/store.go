package scan

import (
	"context"
	"errors"
	"github.com/ariefcatur/go-realtime-tickets/internal/booking"
	"github.com/ariefcatur/go-realtime-tickets/internal/credential"
	"github.com/ariefcatur/go-realtime-tickets/internal/orders"
	"github.com/jackc/pgx/v5"
	"time"
)

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type winner struct {
	LogID  int64
	Device string
	At     time.Time
}

type lockedTicket struct {
	Status    orders.TicketStatus
	Confirmed bool
	ScannedAt *time.Time
	Device    *string
}

func (t lockedTicket) winner() winner {
	var w winner
	if t.ScannedAt != nil {
		w.At = *t.ScannedAt
	}
	if t.Device != nil {
		w.Device = *t.Device
	}
	return w
}

func lockTicket(ctx context.Context, tx pgx.Tx, id string) (lockedTicket, error) {
	var t lockedTicket
	var status string
	err := tx.QueryRow(ctx, `
		SELECT status, confirmed, scanned_at, scanned_by_device
		FROM tickets WHERE id=$1 FOR UPDATE NOWAIT`, id).
		Scan(&status, &t.Confirmed, &t.ScannedAt, &t.Device)
	if errors.Is(err, pgx.ErrNoRows) {
		return lockedTicket{}, ErrSubjectNotFound
	}
	if err != nil {
		return lockedTicket{}, err
	}
	t.Status = orders.TicketStatus(status)
	return t, nil
}

type lockedPass struct {
	ReservationID string
	Status        booking.PassStatus
	CheckedInAt   *time.Time
	Device        *string
}

func (p lockedPass) winner() winner {
	var w winner
	if p.CheckedInAt != nil {
		w.At = *p.CheckedInAt
	}
	if p.Device != nil {
		w.Device = *p.Device
	}
	return w
}

func lockPass(ctx context.Context, tx pgx.Tx, id string) (lockedPass, error) {
	var p lockedPass
	var status string
	err := tx.QueryRow(ctx, `
		SELECT reservation_id, status, checked_in_at, checked_in_by_device
		FROM guest_passes WHERE id=$1 FOR UPDATE NOWAIT`, id).
		Scan(&p.ReservationID, &status, &p.CheckedInAt, &p.Device)
	if errors.Is(err, pgx.ErrNoRows) {
		return lockedPass{}, ErrSubjectNotFound
	}
	if err != nil {
		return lockedPass{}, err
	}
	p.Status = booking.PassStatus(status)
	return p, nil
}

func readWinner(ctx context.Context, q querier, subjectID string) (winner, bool, error) {
	var w winner
	err := q.QueryRow(ctx, `
		SELECT id, device_id, scanned_at FROM scan_log
		WHERE subject_id=$1 AND success`, subjectID).Scan(&w.LogID, &w.Device, &w.At)
	if errors.Is(err, pgx.ErrNoRows) {
		return winner{}, false, nil
	}
	if err != nil {
		return winner{}, false, err
	}
	w.At = w.At.UTC()
	return w, true, nil
}

func appendLog(ctx context.Context, tx pgx.Tx, subjectID string, kind credential.Kind, at time.Time, deviceID string, success bool) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO scan_log (subject_id, subject_kind, scanned_at, device_id, success)
		VALUES ($1, $2, $3, $4, $5)`, subjectID, string(kind), at, deviceID, success)
	return err
}
