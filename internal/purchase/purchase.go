// Package purchase is the checkout saga: claim the VIP table, reserve
// inventory, write provisional rows, then open a payment intent. Any failure
// unwinds what was done, in reverse, so no ghost order, ticket or held table
// outlives a failed checkout.
package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-realtime-tickets/internal/credential"
	"github.com/ariefcatur/go-realtime-tickets/internal/inventory"
	"github.com/ariefcatur/go-realtime-tickets/internal/orders"
	"github.com/ariefcatur/go-realtime-tickets/internal/payments"
	"github.com/ariefcatur/go-realtime-tickets/internal/saga"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"log"
)

var tracer = otel.Tracer("github.com/ariefcatur/go-realtime-tickets/internal/purchase")

const Kind = "purchase"

const (
	stepClaimTable    = "claim_table"
	stepReserve       = "reserve_inventory"
	stepCreateRecords = "create_records"
	stepPaymentIntent = "create_payment_intent"
)

var (
	ErrInvalidRequest   = errors.New("invalid purchase request")
	ErrTableUnavailable = errors.New("vip table is not available")
	ErrTooManyGuests    = errors.New("guest count exceeds table capacity")
	ErrOrderSettled     = errors.New("order already settled")
)

type Request struct {
	PurchaserID string            `json:"purchaser_id"`
	EventID     string            `json:"event_id"`
	Items       []orders.LineItem `json:"items"`
	TableID     string            `json:"table_id,omitempty"`
	Guests      int               `json:"guests,omitempty"` // passes beyond the purchaser's own
}

func (r Request) validate() error {
	switch {
	case r.PurchaserID == "" || r.EventID == "":
		return fmt.Errorf("%w: purchaser and event are required", ErrInvalidRequest)
	case len(r.Items) == 0:
		return fmt.Errorf("%w: at least one ticket is required", ErrInvalidRequest)
	case r.Guests < 0:
		return fmt.Errorf("%w: negative guest count", ErrInvalidRequest)
	case r.TableID == "" && r.Guests > 0:
		return fmt.Errorf("%w: guests require a table", ErrInvalidRequest)
	}
	for _, it := range r.Items {
		if it.TicketTypeID == "" || it.Qty <= 0 {
			return fmt.Errorf("%w: bad line item %q", ErrInvalidRequest, it.TicketTypeID)
		}
	}
	return nil
}

type Credential struct {
	SubjectID string          `json:"subject_id"`
	Kind      credential.Kind `json:"kind"`
	Token     string          `json:"token"`
	Signature string          `json:"signature"`
}

type Receipt struct {
	SagaID          string       `json:"saga_id"`
	OrderID         string       `json:"order_id"`
	TicketIDs       []string     `json:"ticket_ids"`
	ReservationID   string       `json:"reservation_id,omitempty"`
	TotalCents      int          `json:"total_cents"`
	PaymentIntentID string       `json:"payment_intent_id"`
	ClientSecret    string       `json:"client_secret"`
	Credentials     []Credential `json:"credentials"`
}

// Inventory is satisfied by *inventory.Ledger.
type Inventory interface {
	ReserveBatch(ctx context.Context, items []orders.LineItem) (inventory.Result, error)
	ReleaseBatch(ctx context.Context, items []orders.LineItem) error
}

// Signer is satisfied by *credential.Signer.
type Signer interface {
	Issue(subjectID string, kind credential.Kind) (token, signature string, err error)
}

type Service struct {
	Runner    *saga.Runner
	Inventory Inventory
	Store     Store
	Gateway   payments.Gateway
	Signer    Signer
	Events    *orders.Emitter
	Currency  string
}

// state is persisted as the saga context after every step; Compensate
// rebuilds the undo actions from it alone.
type state struct {
	OrderID     string            `json:"order_id"`
	PurchaserID string            `json:"purchaser_id"`
	EventID     string            `json:"event_id"`
	Items       []orders.LineItem `json:"items"`
	TableID     string            `json:"table_id,omitempty"`
	IntentID    string            `json:"intent_id,omitempty"`
}

// Execute runs one checkout. Every call is a new saga execution; retrying a
// failed "Pay" action means calling Execute again.
func (s *Service) Execute(ctx context.Context, req Request) (Receipt, error) {
	if err := req.validate(); err != nil {
		return Receipt{}, err
	}
	sagaID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "purchase.Execute", trace.WithAttributes(
		attribute.String("saga", sagaID), attribute.Int("items", len(req.Items)), attribute.Bool("vip", req.TableID != "")))
	defer span.End()

	st := &state{
		OrderID:     uuid.NewString(),
		PurchaserID: req.PurchaserID,
		EventID:     req.EventID,
		Items:       req.Items,
		TableID:     req.TableID,
	}
	rc := &Receipt{SagaID: sagaID, OrderID: st.OrderID}

	var steps []saga.Step
	var table Table
	if req.TableID != "" {
		steps = append(steps, saga.Step{
			Name: stepClaimTable,
			Action: func(ctx context.Context) error {
				var err error
				if table, err = s.Store.ClaimTable(ctx, req.TableID, req.EventID); err != nil {
					return err
				}
				if req.Guests+1 > table.MaxGuests {
					// The step has not completed, so the runner will not undo it.
					if err := s.Store.RestoreTable(ctx, req.TableID); err != nil {
						return err
					}
					return fmt.Errorf("%w: %d of %d", ErrTooManyGuests, req.Guests+1, table.MaxGuests)
				}
				return nil
			},
			Compensate: s.restoreTable(st),
		})
	}
	steps = append(steps,
		saga.Step{
			Name: stepReserve,
			Action: func(ctx context.Context) error {
				res, err := s.Inventory.ReserveBatch(ctx, req.Items)
				if err != nil {
					return err
				}
				return res.Err()
			},
			Compensate: s.release(st),
		},
		saga.Step{
			Name: stepCreateRecords,
			Action: func(ctx context.Context) error {
				p, creds, err := s.provisional(ctx, sagaID, st, req, table)
				if err != nil {
					return err
				}
				if err := s.Store.InsertProvisional(ctx, p); err != nil {
					return err
				}
				rc.TotalCents = p.Order.TotalCents
				rc.Credentials = creds
				for _, t := range p.Tickets {
					rc.TicketIDs = append(rc.TicketIDs, t.ID)
				}
				if p.Reservation != nil {
					rc.ReservationID = p.Reservation.ID
				}
				return nil
			},
			Compensate: s.deleteRecords(st),
		},
		saga.Step{
			Name: stepPaymentIntent,
			Action: func(ctx context.Context) error {
				in, err := s.Gateway.CreateIntent(ctx, payments.IntentRequest{
					OrderID:        st.OrderID,
					EventID:        st.EventID,
					AmountCents:    rc.TotalCents,
					Currency:       s.Currency,
					IdempotencyKey: sagaID,
				})
				if err != nil {
					return err
				}
				if err := s.Store.SetPaymentIntent(ctx, st.OrderID, in.ID); err != nil {
					// The step has not completed, so the runner will not cancel it.
					if cerr := s.Gateway.CancelIntent(context.WithoutCancel(ctx), in.ID); cerr != nil {
						log.Printf("purchase: cancel unrecorded intent saga=%s order=%s intent=%s: %v", sagaID, st.OrderID, in.ID, cerr)
					}
					return err
				}
				st.IntentID = in.ID
				rc.PaymentIntentID, rc.ClientSecret = in.ID, in.ClientSecret
				return nil
			},
			Compensate: s.cancelIntent(st),
		},
	)

	if _, err := s.Runner.Run(ctx, &saga.Saga{ID: sagaID, Kind: Kind, Steps: steps, State: st}); err != nil {
		span.RecordError(err)
		return Receipt{SagaID: sagaID}, err
	}

	s.Events.Emit(orders.TopicOrderPlaced, orders.EventOrderPlaced, st.OrderID, orders.OrderPlacedPayload{
		OrderID:         st.OrderID,
		SagaID:          sagaID,
		PurchaserID:     req.PurchaserID,
		Items:           req.Items,
		TicketIDs:       rc.TicketIDs,
		ReservationID:   rc.ReservationID,
		TotalCents:      rc.TotalCents,
		PaymentIntentID: rc.PaymentIntentID,
	})
	return *rc, nil
}

// Compensate unwinds a saga left behind by a crashed Execute. A saga whose
// Execute may still be running is refused with saga.ErrSagaInFlight.
func (s *Service) Compensate(ctx context.Context, sagaID string) (saga.Execution, error) {
	return s.Runner.Compensate(ctx, sagaID, func(exec saga.Execution) ([]saga.Step, error) {
		if exec.Kind != Kind {
			return nil, fmt.Errorf("saga %s is a %q saga", sagaID, exec.Kind)
		}
		st := &state{}
		if err := json.Unmarshal(exec.Context, st); err != nil {
			return nil, fmt.Errorf("decode saga %s context: %w", sagaID, err)
		}
		return []saga.Step{
			{Name: stepClaimTable, Compensate: s.restoreTable(st)},
			{Name: stepReserve, Compensate: s.release(st)},
			{Name: stepCreateRecords, Compensate: s.deleteRecords(st)},
			{Name: stepPaymentIntent, Compensate: s.cancelIntent(st)},
		}, nil
	})
}

func (s *Service) restoreTable(st *state) func(context.Context) error {
	return func(ctx context.Context) error { return s.Store.RestoreTable(ctx, st.TableID) }
}

func (s *Service) release(st *state) func(context.Context) error {
	return func(ctx context.Context) error { return s.Inventory.ReleaseBatch(ctx, st.Items) }
}

func (s *Service) cancelIntent(st *state) func(context.Context) error {
	return func(ctx context.Context) error {
		if st.IntentID == "" {
			return nil
		}
		return s.Gateway.CancelIntent(ctx, st.IntentID)
	}
}

func (s *Service) deleteRecords(st *state) func(context.Context) error {
	return func(ctx context.Context) error { return s.Store.DeleteProvisional(ctx, st.OrderID) }
}
