package orders

import (
	"context"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-realtime-tickets/internal/postgres"
	"github.com/jackc/pgx/v5"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order transition")
)

type Repo struct{ DB postgres.DB }

func (r *Repo) GetOrderStatus(ctx context.Context, orderID string) (Status, error) {
	var s string
	err := r.DB.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1`, orderID).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrOrderNotFound
	}
	if err != nil {
		return "", err
	}
	return Status(s), nil
}

func LockOrderTx(ctx context.Context, tx pgx.Tx, orderID string) (Order, error) {
	var o Order
	var status string
	var intent *string
	err := tx.QueryRow(ctx, `
		SELECT id, purchaser_id, saga_id, status, total_cents, payment_intent_id, created_at, updated_at
		FROM orders WHERE id=$1 FOR UPDATE`, orderID).
		Scan(&o.ID, &o.PurchaserID, &o.SagaID, &status, &o.TotalCents, &intent, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, err
	}
	o.Status = Status(status)
	if intent != nil {
		o.PaymentIntentID = *intent
	}
	return o, nil
}

// SetStatusTx moves a locked order along validNext. Same-status writes are no-ops.
func SetStatusTx(ctx context.Context, tx pgx.Tx, o Order, to Status) error {
	if o.Status == to {
		return nil
	}
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}
	_, err := tx.Exec(ctx, `UPDATE orders SET status=$2, updated_at=now() WHERE id=$1`, o.ID, string(to))
	return err
}

func ConfirmTicketsTx(ctx context.Context, tx pgx.Tx, orderID string) error {
	_, err := tx.Exec(ctx, `UPDATE tickets SET confirmed=TRUE WHERE order_id=$1 AND NOT confirmed`, orderID)
	return err
}
