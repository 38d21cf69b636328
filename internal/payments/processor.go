// Package payments talks to the payment provider in both directions:
// creating intents during checkout and applying its webhooks afterwards.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/ariefcatur/go-realtime-tickets/internal/booking"
	"github.com/ariefcatur/go-realtime-tickets/internal/idempotency"
	"github.com/ariefcatur/go-realtime-tickets/internal/orders"
	"github.com/ariefcatur/go-realtime-tickets/internal/postgres"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"log"
)

var tracer = otel.Tracer("github.com/ariefcatur/go-realtime-tickets/internal/payments")

const WebhookScope = "payment_webhook"

// ErrInFlight means an identical webhook is being processed right now. The
// provider should retry later.
var ErrInFlight = errors.New("webhook is already being processed")

const (
	OutcomeApplied        = "applied"
	OutcomeAlreadyApplied = "already_applied"
	OutcomeIgnored        = "ignored"
	OutcomeUnknownOrder   = "unknown_order"
)

type Response struct {
	WebhookID string `json:"webhook_id"`
	Type      string `json:"type"`
	OrderID   string `json:"order_id,omitempty"`
	Outcome   string `json:"outcome"`
	// Replayed marks an answer served from the ledger. It stays out of the
	// body so a replay is byte-identical to the first answer.
	Replayed bool `json:"-"`
}

// Idempotency is satisfied by *idempotency.Ledger.
type Idempotency interface {
	CheckOrBegin(ctx context.Context, key, scope string) (idempotency.Result, error)
	Complete(ctx context.Context, recordID string, response json.RawMessage) error
	Abandon(ctx context.Context, recordID string) error
}

type Processor struct {
	DB      postgres.DB
	Idem    Idempotency
	Booking *booking.Service
	Events  *orders.Emitter
	Cache   *orders.StatusCache

	apply func(ctx context.Context, w Webhook) (Response, error)
}

// Handle applies one raw provider webhook at most once.
func (p *Processor) Handle(ctx context.Context, raw []byte) (Response, error) {
	w, err := ParseWebhook(raw)
	if err != nil {
		return Response{}, err
	}
	ctx, span := tracer.Start(ctx, "payments.Handle", trace.WithAttributes(
		attribute.String("webhook", w.ID), attribute.String("type", w.Type)))
	defer span.End()

	idem, err := p.Idem.CheckOrBegin(ctx, w.ID, WebhookScope)
	if err != nil {
		return Response{}, err
	}
	if idem.Duplicate {
		if idem.Processing || len(idem.CachedResponse) == 0 {
			return Response{}, ErrInFlight
		}
		var resp Response
		if err := json.Unmarshal(idem.CachedResponse, &resp); err != nil {
			return Response{}, err
		}
		resp.Replayed = true
		return resp, nil
	}

	apply := p.apply
	if apply == nil {
		apply = p.applyDB
	}
	resp, err := apply(ctx, w)
	// A cancelled request must still settle its placeholder.
	settleCtx := context.WithoutCancel(ctx)
	if err != nil {
		span.RecordError(err)
		if aerr := p.Idem.Abandon(settleCtx, idem.RecordID); aerr != nil {
			log.Printf("payments: abandon idempotency record webhook=%s: %v", w.ID, aerr)
		}
		return Response{}, err
	}

	b, _ := json.Marshal(resp)
	if err := p.Idem.Complete(settleCtx, idem.RecordID, b); err != nil {
		// The effect is committed. A retry after the placeholder's lease runs
		// the apply again: succeeded webhooks answer already_applied via the
		// payments unique key, failed ones append another failure row.
		log.Printf("payments: complete idempotency record webhook=%s: %v", w.ID, err)
	}
	return resp, nil
}

func (p *Processor) applyDB(ctx context.Context, w Webhook) (Response, error) {
	obj := w.Data.Object
	resp := Response{WebhookID: w.ID, Type: w.Type, OrderID: obj.OrderID()}

	switch w.Type {
	case EventIntentSucceeded:
		return p.applySucceeded(ctx, resp, obj)
	case EventIntentFailed:
		return p.applyFailed(ctx, resp, obj)
	default:
		resp.Outcome = OutcomeIgnored
		return resp, nil
	}
}

func (p *Processor) applySucceeded(ctx context.Context, resp Response, obj IntentObject) (Response, error) {
	if obj.OrderID() == "" || obj.ID == "" {
		return Response{}, ErrMalformedWebhook
	}
	var reservationID string
	err := postgres.WithTx(ctx, p.DB, func(tx pgx.Tx) error {
		o, err := orders.LockOrderTx(ctx, tx, obj.OrderID())
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO payments (intent_id, order_id, event_id, amount_cents)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (intent_id) DO NOTHING`, obj.ID, o.ID, obj.EventID(), obj.Amount)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			resp.Outcome = OutcomeAlreadyApplied
			return nil
		}
		if err := orders.SetStatusTx(ctx, tx, o, orders.StatusPaid); err != nil {
			return err
		}
		if err := orders.ConfirmTicketsTx(ctx, tx, o.ID); err != nil {
			return err
		}
		if p.Booking != nil {
			if reservationID, err = p.Booking.ConfirmByOrderTx(ctx, tx, o.ID); err != nil {
				return err
			}
		}
		resp.Outcome = OutcomeApplied
		return nil
	})
	if errors.Is(err, orders.ErrOrderNotFound) {
		// Checkout was compensated after the intent was created; money moved for
		// an order that no longer exists and needs a manual refund.
		log.Printf("payments: succeeded intent for unknown order order=%s intent=%s amount=%d", obj.OrderID(), obj.ID, obj.Amount)
		resp.Outcome = OutcomeUnknownOrder
		return resp, nil
	}
	if err != nil {
		return Response{}, err
	}
	if resp.Outcome == OutcomeApplied {
		p.Cache.Invalidate(ctx, obj.OrderID())
		p.Events.Emit(orders.TopicOrderConfirmed, orders.EventOrderConfirmed, obj.OrderID(), orders.OrderConfirmedPayload{
			OrderID:         obj.OrderID(),
			PaymentIntentID: obj.ID,
			AmountCents:     obj.Amount,
			ReservationID:   reservationID,
		})
		log.Printf("payments: order paid order=%s intent=%s", obj.OrderID(), obj.ID)
	}
	return resp, nil
}

func (p *Processor) applyFailed(ctx context.Context, resp Response, obj IntentObject) (Response, error) {
	if obj.OrderID() == "" {
		return Response{}, ErrMalformedWebhook
	}
	reason := obj.FailureReason()
	err := postgres.WithTx(ctx, p.DB, func(tx pgx.Tx) error {
		o, err := orders.LockOrderTx(ctx, tx, obj.OrderID())
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO payment_failures (order_id, intent_id, event_id, reason)
			VALUES ($1, $2, $3, $4)`, o.ID, obj.ID, obj.EventID(), reason); err != nil {
			return err
		}
		// A late failure for an order that was already paid is recorded but changes nothing.
		if o.Status == orders.StatusPending {
			if err := orders.SetStatusTx(ctx, tx, o, orders.StatusPaymentFailed); err != nil {
				return err
			}
		}
		resp.Outcome = OutcomeApplied
		return nil
	})
	if errors.Is(err, orders.ErrOrderNotFound) {
		// Checkout was compensated before the failure arrived; nothing to move.
		log.Printf("payments: failed intent for unknown order order=%s intent=%s reason=%s", obj.OrderID(), obj.ID, reason)
		resp.Outcome = OutcomeUnknownOrder
		return resp, nil
	}
	if err != nil {
		return Response{}, err
	}
	p.Cache.Invalidate(ctx, obj.OrderID())
	p.Events.Emit(orders.TopicPaymentFailed, orders.EventPaymentFailed, obj.OrderID(), orders.PaymentFailedPayload{
		OrderID:         obj.OrderID(),
		PaymentIntentID: obj.ID,
		Reason:          reason,
	})
	return resp, nil
}
