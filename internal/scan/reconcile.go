package scan

import (
	"context"
	"github.com/ariefcatur/go-realtime-tickets/internal/credential"
	"github.com/ariefcatur/go-realtime-tickets/internal/orders"
	"github.com/ariefcatur/go-realtime-tickets/internal/postgres"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"log"
	"time"
)

// SyncResult reports whether an offline scan became (or already was) the
// admission of record, and who holds it now.
type SyncResult struct {
	Accepted      bool
	WinningDevice string
	WinningTime   time.Time
}

type decision int

const (
	decideReplay   decision = iota // same scan resubmitted
	decideDisplace                 // offline scan happened first
	decideReject
)

// resolveOffline applies first-scan-wins by recorded time. Ties keep the
// existing winner.
func resolveOffline(current winner, scannedAt time.Time, deviceID string) decision {
	switch {
	case current.Device == deviceID && current.At.Equal(scannedAt):
		return decideReplay
	case scannedAt.Before(current.At):
		return decideDisplace
	default:
		return decideReject
	}
}

// Sync reconciles one offline ticket scan recorded at scannedAt by deviceID.
// Device clocks are trusted as given.
func (g *Guard) Sync(ctx context.Context, ticketID string, scannedAt time.Time, deviceID string) (SyncResult, error) {
	ctx, span := tracer.Start(ctx, "scan.Sync", trace.WithAttributes(
		attribute.String("ticket", ticketID), attribute.String("device", deviceID)))
	defer span.End()

	scannedAt = stamp(scannedAt)
	var res SyncResult
	var rejected error
	var displaced *winner
	var applied bool
	err := postgres.WithTx(ctx, g.DB, func(tx pgx.Tx) error {
		t, err := lockTicket(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		if !t.Status.Admitted() {
			if t.Status != orders.TicketIssued || !t.Confirmed {
				rejected = ErrNotAdmissible
				return appendLog(ctx, tx, ticketID, credential.KindTicket, scannedAt, deviceID, false)
			}
			if err := markScanned(ctx, tx, ticketID, orders.TicketScanned, scannedAt, deviceID); err != nil {
				return err
			}
			if err := appendLog(ctx, tx, ticketID, credential.KindTicket, scannedAt, deviceID, true); err != nil {
				return err
			}
			applied = true
			res = SyncResult{Accepted: true, WinningDevice: deviceID, WinningTime: scannedAt}
			return nil
		}

		current, found, err := readWinner(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		if !found {
			current = t.winner()
		}
		switch resolveOffline(current, scannedAt, deviceID) {
		case decideReplay:
			res = SyncResult{Accepted: true, WinningDevice: current.Device, WinningTime: current.At}
			return nil
		case decideDisplace:
			if found {
				if _, err := tx.Exec(ctx, `UPDATE scan_log SET success=FALSE WHERE id=$1`, current.LogID); err != nil {
					return err
				}
			}
			if err := appendLog(ctx, tx, ticketID, credential.KindTicket, scannedAt, deviceID, true); err != nil {
				return err
			}
			if err := markScanned(ctx, tx, ticketID, t.Status, scannedAt, deviceID); err != nil {
				return err
			}
			displaced = &current
			res = SyncResult{Accepted: true, WinningDevice: deviceID, WinningTime: scannedAt}
			return nil
		default:
			res = SyncResult{Accepted: false, WinningDevice: current.Device, WinningTime: current.At}
			return appendLog(ctx, tx, ticketID, credential.KindTicket, scannedAt, deviceID, false)
		}
	})
	switch {
	case postgres.IsLockNotAvailable(err):
		return SyncResult{}, ErrContended
	case postgres.IsUniqueViolation(err, singleAdmissionIndex):
		// Someone recorded an admission outside the row lock; let the caller retry.
		return SyncResult{}, ErrContended
	case err != nil:
		span.RecordError(err)
		return SyncResult{}, err
	case rejected != nil:
		return SyncResult{}, rejected
	}

	if applied {
		g.emitAdmitted(Result{SubjectID: ticketID, AdmittedAt: scannedAt, AdmittedBy: deviceID}, credential.KindTicket, true)
	}
	if displaced != nil {
		log.Printf("scan: offline scan displaced winner ticket=%s old_device=%s old_at=%s new_device=%s new_at=%s",
			ticketID, displaced.Device, displaced.At.Format(time.RFC3339Nano), deviceID, scannedAt.Format(time.RFC3339Nano))
		g.Events.Emit(orders.TopicTicketAdmitted, orders.EventOfflineScanReconciled, ticketID, orders.TicketAdmittedPayload{
			SubjectID:  ticketID,
			Kind:       string(credential.KindTicket),
			DeviceID:   deviceID,
			AdmittedAt: scannedAt,
			Offline:    true,
		})
	}
	span.SetAttributes(attribute.Bool("accepted", res.Accepted))
	return res, nil
}

func markScanned(ctx context.Context, tx pgx.Tx, ticketID string, status orders.TicketStatus, at time.Time, deviceID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE tickets SET status=$2, scanned_at=$3, scanned_by_device=$4 WHERE id=$1`,
		ticketID, string(status), at, deviceID)
	return err
}
