// Package scan admits tickets and guest passes at the door.
//
// Admission is guarded twice: the subject row is locked with NOWAIT so a
// second scanner gets CONTENDED instead of queueing, and scan_log carries a
// unique index on (subject_id) WHERE success so at most one successful
// admission can ever be recorded, even by a path that skips the lock.
package scan

import (
	"context"
	"errors"
	"github.com/ariefcatur/go-realtime-tickets/internal/booking"
	"github.com/ariefcatur/go-realtime-tickets/internal/credential"
	"github.com/ariefcatur/go-realtime-tickets/internal/orders"
	"github.com/ariefcatur/go-realtime-tickets/internal/postgres"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"log"
	"time"
)

var tracer = otel.Tracer("github.com/ariefcatur/go-realtime-tickets/internal/scan")

type Outcome string

const (
	OutcomeAdmitted        Outcome = "ADMITTED"
	OutcomeAlreadyAdmitted Outcome = "ALREADY_ADMITTED"
	OutcomeContended       Outcome = "CONTENDED"
)

var (
	ErrSubjectNotFound = errors.New("scan subject not found")
	ErrNotAdmissible   = errors.New("credential is not admissible")
	ErrContended       = errors.New("scan subject is locked by another scanner")
)

const singleAdmissionIndex = "scan_log_single_admission_uq"

type Result struct {
	Outcome    Outcome
	SubjectID  string
	AdmittedAt time.Time
	AdmittedBy string
}

type Guard struct {
	DB      postgres.DB
	Events  *orders.Emitter
	NowFunc func() time.Time
}

func (g *Guard) now() time.Time {
	if g.NowFunc != nil {
		return g.NowFunc()
	}
	return time.Now()
}

// Admit performs the single issued -> scanned transition for a ticket.
func (g *Guard) Admit(ctx context.Context, ticketID, deviceID string) (Result, error) {
	ctx, span := tracer.Start(ctx, "scan.Admit", trace.WithAttributes(
		attribute.String("ticket", ticketID), attribute.String("device", deviceID)))
	defer span.End()

	now := stamp(g.now())
	var res Result
	var rejected error
	err := postgres.WithTx(ctx, g.DB, func(tx pgx.Tx) error {
		t, err := lockTicket(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		switch {
		case t.Status.Admitted():
			res, err = alreadyAdmitted(ctx, tx, ticketID, credential.KindTicket, now, deviceID, t.winner())
			return err
		case t.Status != orders.TicketIssued || !t.Confirmed:
			rejected = ErrNotAdmissible
			return appendLog(ctx, tx, ticketID, credential.KindTicket, now, deviceID, false)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE tickets SET status=$2, scanned_at=$3, scanned_by_device=$4 WHERE id=$1`,
			ticketID, string(orders.TicketScanned), now, deviceID); err != nil {
			return err
		}
		if err := appendLog(ctx, tx, ticketID, credential.KindTicket, now, deviceID, true); err != nil {
			return err
		}
		res = Result{Outcome: OutcomeAdmitted, SubjectID: ticketID, AdmittedAt: now, AdmittedBy: deviceID}
		return nil
	})
	res, err = g.settle(ctx, ticketID, res, err)
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	if rejected != nil {
		return Result{}, rejected
	}
	if res.Outcome == OutcomeAdmitted {
		g.emitAdmitted(res, credential.KindTicket, false)
	}
	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	return res, nil
}

// AdmitPass admits one guest pass of a VIP booking. The first admitted pass
// moves the reservation confirmed -> checked_in.
func (g *Guard) AdmitPass(ctx context.Context, passID, deviceID string) (Result, error) {
	ctx, span := tracer.Start(ctx, "scan.AdmitPass", trace.WithAttributes(
		attribute.String("pass", passID), attribute.String("device", deviceID)))
	defer span.End()

	now := stamp(g.now())
	var res Result
	var rejected error
	var checkedIn string
	err := postgres.WithTx(ctx, g.DB, func(tx pgx.Tx) error {
		p, err := lockPass(ctx, tx, passID)
		if err != nil {
			return err
		}
		switch p.Status {
		case booking.PassCheckedIn:
			res, err = alreadyAdmitted(ctx, tx, passID, credential.KindGuestPass, now, deviceID, p.winner())
			return err
		case booking.PassCancelled:
			rejected = ErrNotAdmissible
			return appendLog(ctx, tx, passID, credential.KindGuestPass, now, deviceID, false)
		}

		// NOWAIT on the reservation too: booking.Cancel locks reservation then
		// passes, this path locks pass then reservation.
		var rs string
		err = tx.QueryRow(ctx, `SELECT status FROM vip_reservations WHERE id=$1 FOR UPDATE NOWAIT`, p.ReservationID).Scan(&rs)
		if err != nil {
			return err
		}
		resStatus := booking.Status(rs)
		if resStatus != booking.StatusConfirmed && resStatus != booking.StatusCheckedIn {
			rejected = ErrNotAdmissible
			return appendLog(ctx, tx, passID, credential.KindGuestPass, now, deviceID, false)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE guest_passes SET status=$2, checked_in_at=$3, checked_in_by_device=$4 WHERE id=$1`,
			passID, string(booking.PassCheckedIn), now, deviceID); err != nil {
			return err
		}
		if err := appendLog(ctx, tx, passID, credential.KindGuestPass, now, deviceID, true); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE vip_reservations SET checked_in_guests = checked_in_guests + 1, updated_at=now() WHERE id=$1`,
			p.ReservationID); err != nil {
			return err
		}
		if resStatus == booking.StatusConfirmed {
			if _, err := booking.Transition(ctx, tx, p.ReservationID, booking.StatusConfirmed, booking.StatusCheckedIn, now); err != nil {
				return err
			}
			checkedIn = p.ReservationID
		}
		res = Result{Outcome: OutcomeAdmitted, SubjectID: passID, AdmittedAt: now, AdmittedBy: deviceID}
		return nil
	})
	res, err = g.settle(ctx, passID, res, err)
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	if rejected != nil {
		return Result{}, rejected
	}
	if res.Outcome == OutcomeAdmitted {
		g.emitAdmitted(res, credential.KindGuestPass, false)
	}
	if checkedIn != "" {
		g.Events.Emit(orders.TopicBookingChanged, orders.EventBookingStatusChanged, checkedIn,
			orders.BookingStatusChangedPayload{ReservationID: checkedIn, From: string(booking.StatusConfirmed), To: string(booking.StatusCheckedIn)})
	}
	return res, nil
}

// settle maps the expected failure modes of an admission transaction onto
// outcomes. Lock contention is CONTENDED; a unique violation means another
// path recorded the admission, so its winner is reported as ALREADY_ADMITTED.
func (g *Guard) settle(ctx context.Context, subjectID string, res Result, err error) (Result, error) {
	switch {
	case err == nil:
		return res, nil
	case postgres.IsLockNotAvailable(err):
		return Result{Outcome: OutcomeContended, SubjectID: subjectID}, nil
	case postgres.IsUniqueViolation(err, singleAdmissionIndex):
		log.Printf("scan: admission index rejected duplicate subject=%s", subjectID)
		w, found, werr := readWinner(ctx, g.DB, subjectID)
		if werr != nil {
			return Result{}, werr
		}
		if !found {
			return Result{Outcome: OutcomeContended, SubjectID: subjectID}, nil
		}
		return Result{Outcome: OutcomeAlreadyAdmitted, SubjectID: subjectID, AdmittedAt: w.At, AdmittedBy: w.Device}, nil
	default:
		return Result{}, err
	}
}

func (g *Guard) emitAdmitted(r Result, kind credential.Kind, offline bool) {
	g.Events.Emit(orders.TopicTicketAdmitted, orders.EventTicketAdmitted, r.SubjectID, orders.TicketAdmittedPayload{
		SubjectID:  r.SubjectID,
		Kind:       string(kind),
		DeviceID:   r.AdmittedBy,
		AdmittedAt: r.AdmittedAt,
		Offline:    offline,
	})
}

// alreadyAdmitted audits the rejected attempt and reports the original
// admission from scan_log, falling back to the subject row.
func alreadyAdmitted(ctx context.Context, tx pgx.Tx, subjectID string, kind credential.Kind, at time.Time, deviceID string, fallback winner) (Result, error) {
	w, found, err := readWinner(ctx, tx, subjectID)
	if err != nil {
		return Result{}, err
	}
	if !found {
		log.Printf("scan: admitted subject without log entry subject=%s", subjectID)
		w = fallback
	}
	if err := appendLog(ctx, tx, subjectID, kind, at, deviceID, false); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeAlreadyAdmitted, SubjectID: subjectID, AdmittedAt: w.At, AdmittedBy: w.Device}, nil
}

// Postgres keeps microseconds; truncating up front keeps comparisons exact.
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
