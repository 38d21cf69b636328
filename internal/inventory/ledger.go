// Package inventory is the ledger for per-SKU reservation counters. Every
// mutation takes the SKU row lock in the same transaction that reads the
// counter, so reserved_count never exceeds capacity and never goes negative.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-realtime-tickets/internal/orders"
	"github.com/ariefcatur/go-realtime-tickets/internal/postgres"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"log"
	"sort"
)

var tracer = otel.Tracer("github.com/ariefcatur/go-realtime-tickets/internal/inventory")

var (
	ErrSKUNotFound           = errors.New("sku not found")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrInvalidQuantity       = errors.New("invalid quantity")

	errRejected = errors.New("reservation rejected")
)

const (
	ReasonInsufficient = "INSUFFICIENT_INVENTORY"
	checkConstraint    = "ticket_types_reserved_within_capacity"
)

// Result is the outcome of Reserve/ReserveBatch. A rejection is an expected
// outcome, not an error: Granted is false and Remaining carries what is left.
type Result struct {
	Granted   bool
	SKU       string
	Requested int
	Remaining int
	Unlimited bool
	Reason    string
}

// Err turns a rejection into *InsufficientError for callers that propagate errors.
func (r Result) Err() error {
	if r.Granted {
		return nil
	}
	return &InsufficientError{SKU: r.SKU, Requested: r.Requested, Available: r.Remaining}
}

type InsufficientError struct {
	SKU       string
	Requested int
	Available int
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("insufficient inventory for %s: requested %d, available %d", e.SKU, e.Requested, e.Available)
}

func (e *InsufficientError) Is(target error) bool { return target == ErrInsufficientInventory }

type Ledger struct {
	DB postgres.DB
}

func (l *Ledger) Reserve(ctx context.Context, skuID string, qty int) (Result, error) {
	ctx, span := tracer.Start(ctx, "inventory.Reserve", trace.WithAttributes(
		attribute.String("sku", skuID), attribute.Int("qty", qty)))
	defer span.End()

	if qty <= 0 {
		return Result{}, ErrInvalidQuantity
	}
	var res Result
	err := postgres.WithTx(ctx, l.DB, func(tx pgx.Tx) error {
		var err error
		if res, err = reserveTx(ctx, tx, skuID, qty); err != nil {
			return err
		}
		if !res.Granted {
			return errRejected
		}
		return nil
	})
	if errors.Is(err, errRejected) {
		return res, nil
	}
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	return res, nil
}

// ReserveBatch is all-or-nothing. Items are merged per SKU and locked in SKU
// order so two concurrent multi-item purchases cannot deadlock. A rejection
// rolls the whole transaction back, releasing everything granted before it.
func (l *Ledger) ReserveBatch(ctx context.Context, items []orders.LineItem) (Result, error) {
	ctx, span := tracer.Start(ctx, "inventory.ReserveBatch", trace.WithAttributes(attribute.Int("items", len(items))))
	defer span.End()

	norm, err := normalize(items)
	if err != nil {
		return Result{}, err
	}
	var res Result
	err = postgres.WithTx(ctx, l.DB, func(tx pgx.Tx) error {
		for _, it := range norm {
			r, err := reserveTx(ctx, tx, it.TicketTypeID, it.Qty)
			if err != nil {
				return err
			}
			if !r.Granted {
				res = r
				return errRejected
			}
		}
		res = Result{Granted: true}
		return nil
	})
	if errors.Is(err, errRejected) {
		return res, nil
	}
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	return res, nil
}

// Release is saturating: a stale or repeated compensation never drives the
// counter below zero.
func (l *Ledger) Release(ctx context.Context, skuID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	return postgres.WithTx(ctx, l.DB, func(tx pgx.Tx) error {
		return releaseTx(ctx, tx, skuID, qty)
	})
}

// ReleaseBatch releases every item in one transaction, in SKU order.
func (l *Ledger) ReleaseBatch(ctx context.Context, items []orders.LineItem) error {
	norm, err := normalize(items)
	if err != nil {
		return err
	}
	return postgres.WithTx(ctx, l.DB, func(tx pgx.Tx) error {
		for _, it := range norm {
			if err := releaseTx(ctx, tx, it.TicketTypeID, it.Qty); err != nil {
				return err
			}
		}
		return nil
	})
}

// Availability is an unlocked read for display; it may be stale by the time
// the caller acts on it.
func (l *Ledger) Availability(ctx context.Context, skuID string) (Result, error) {
	var capacity *int
	var reserved int
	err := l.DB.QueryRow(ctx, `SELECT capacity, reserved_count FROM ticket_types WHERE id=$1`, skuID).
		Scan(&capacity, &reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return Result{}, fmt.Errorf("%w: %s", ErrSKUNotFound, skuID)
	}
	if err != nil {
		return Result{}, err
	}
	avail, unlimited := available(capacity, reserved)
	return Result{Granted: unlimited || avail > 0, SKU: skuID, Remaining: avail, Unlimited: unlimited}, nil
}

func reserveTx(ctx context.Context, tx pgx.Tx, skuID string, qty int) (Result, error) {
	var capacity *int
	var reserved int
	err := tx.QueryRow(ctx, `SELECT capacity, reserved_count FROM ticket_types WHERE id=$1 FOR UPDATE`, skuID).
		Scan(&capacity, &reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return Result{}, fmt.Errorf("%w: %s", ErrSKUNotFound, skuID)
	}
	if err != nil {
		return Result{}, err
	}

	avail, unlimited := available(capacity, reserved)
	if !unlimited && qty > avail {
		return Result{SKU: skuID, Requested: qty, Remaining: avail, Reason: ReasonInsufficient}, nil
	}

	_, err = tx.Exec(ctx, `UPDATE ticket_types SET reserved_count = reserved_count + $2, updated_at = now() WHERE id=$1`, skuID, qty)
	if postgres.IsCheckViolation(err, checkConstraint) {
		// The lock should make this unreachable; the constraint answers the same way.
		log.Printf("inventory: capacity constraint caught reserve sku=%s qty=%d", skuID, qty)
		return Result{SKU: skuID, Requested: qty, Remaining: avail, Reason: ReasonInsufficient}, nil
	}
	if err != nil {
		return Result{}, err
	}

	res := Result{Granted: true, SKU: skuID, Requested: qty, Unlimited: unlimited}
	if !unlimited {
		res.Remaining = avail - qty
	}
	return res, nil
}

func releaseTx(ctx context.Context, tx pgx.Tx, skuID string, qty int) error {
	var reserved int
	err := tx.QueryRow(ctx, `SELECT reserved_count FROM ticket_types WHERE id=$1 FOR UPDATE`, skuID).Scan(&reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrSKUNotFound, skuID)
	}
	if err != nil {
		return err
	}
	if qty > reserved {
		log.Printf("inventory: saturating release sku=%s qty=%d reserved=%d", skuID, qty, reserved)
	}
	_, err = tx.Exec(ctx, `UPDATE ticket_types SET reserved_count = GREATEST(reserved_count - $2, 0), updated_at = now() WHERE id=$1`, skuID, qty)
	return err
}

func available(capacity *int, reserved int) (int, bool) {
	if capacity == nil {
		return 0, true
	}
	if a := *capacity - reserved; a > 0 {
		return a, false
	}
	return 0, false
}

// normalize validates quantities, merges duplicate SKUs and sorts by SKU id:
// the fixed lock order for every multi-SKU transaction.
func normalize(items []orders.LineItem) ([]orders.LineItem, error) {
	if len(items) == 0 {
		return nil, ErrInvalidQuantity
	}
	merged := make(map[string]int, len(items))
	for _, it := range items {
		if it.Qty <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidQuantity, it.TicketTypeID)
		}
		merged[it.TicketTypeID] += it.Qty
	}
	out := make([]orders.LineItem, 0, len(merged))
	for id, q := range merged {
		out = append(out, orders.LineItem{TicketTypeID: id, Qty: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TicketTypeID < out[j].TicketTypeID })
	return out, nil
}
