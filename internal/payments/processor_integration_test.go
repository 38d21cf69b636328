package payments

import (
	"context"
	"github.com/ariefcatur/go-realtime-tickets/internal/booking"
	"github.com/ariefcatur/go-realtime-tickets/internal/idempotency"
	"github.com/ariefcatur/go-realtime-tickets/internal/postgres/pgtest"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func seedPendingVIPOrder(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	pgtest.Exec(t, pool, `INSERT INTO events (id, name, starts_at) VALUES ('ev1', 'Show', now() + interval '1 day')`)
	pgtest.Exec(t, pool, `INSERT INTO ticket_types (id, event_id, name) VALUES ('vip', 'ev1', 'VIP')`)
	pgtest.Exec(t, pool, `INSERT INTO vip_tables (id, event_id, name, max_guests, is_available) VALUES ('t1', 'ev1', 'T1', 4, FALSE)`)
	pgtest.Exec(t, pool, `INSERT INTO orders (id, purchaser_id, saga_id, status, total_cents, payment_intent_id) VALUES ('o1', 'u1', 's1', 'pending', 5000, 'pi_1')`)
	pgtest.Exec(t, pool, `INSERT INTO tickets (id, ticket_type_id, order_id) VALUES ('tk1', 'vip', 'o1')`)
	pgtest.Exec(t, pool, `INSERT INTO vip_reservations (id, table_id, event_id, order_id, purchaser_ticket_id) VALUES ('r1', 't1', 'ev1', 'o1', 'tk1')`)
}

func scalar[T any](t *testing.T, pool *pgxpool.Pool, sql string) T {
	t.Helper()
	var v T
	require.NoError(t, pool.QueryRow(context.Background(), sql).Scan(&v))
	return v
}

func TestSucceededWebhookConfirmsOnce(t *testing.T) {
	pool := pgtest.New(t)
	seedPendingVIPOrder(t, pool)
	ctx := context.Background()
	p := &Processor{
		DB:      pool,
		Idem:    &idempotency.Ledger{Store: &idempotency.PostgresStore{DB: pool}},
		Booking: &booking.Service{DB: pool},
	}

	resp, err := p.Handle(ctx, []byte(succeeded))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, resp.Outcome)
	assert.Equal(t, "paid", scalar[string](t, pool, `SELECT status FROM orders WHERE id='o1'`))
	assert.True(t, scalar[bool](t, pool, `SELECT confirmed FROM tickets WHERE id='tk1'`))
	assert.Equal(t, "confirmed", scalar[string](t, pool, `SELECT status FROM vip_reservations WHERE id='r1'`))

	replay, err := p.Handle(ctx, []byte(succeeded))
	require.NoError(t, err)
	assert.True(t, replay.Replayed)

	// Same intent delivered under a new provider event id: the payments key catches it.
	again, err := p.Handle(ctx, []byte(`{"id":"evt_other","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","amount":5000,"metadata":{"order_id":"o1","event_id":"ev1"}}}}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyApplied, again.Outcome)
	assert.Equal(t, 1, scalar[int](t, pool, `SELECT count(*) FROM payments`))
}

func TestFailedWebhookRecordsFailure(t *testing.T) {
	pool := pgtest.New(t)
	seedPendingVIPOrder(t, pool)
	p := &Processor{DB: pool, Idem: &idempotency.Ledger{Store: &idempotency.PostgresStore{DB: pool}}}

	_, err := p.Handle(context.Background(), []byte(`{"id":"evt_f","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_1","metadata":{"order_id":"o1","event_id":"ev1"},"last_payment_error":{"message":"card_declined"}}}}`))
	require.NoError(t, err)
	assert.Equal(t, "payment_failed", scalar[string](t, pool, `SELECT status FROM orders WHERE id='o1'`))
	assert.Equal(t, "card_declined", scalar[string](t, pool, `SELECT reason FROM payment_failures WHERE order_id='o1'`))
}

func TestSucceededWebhookForUnknownOrder(t *testing.T) {
	pool := pgtest.New(t)
	p := &Processor{DB: pool, Idem: &idempotency.Ledger{Store: &idempotency.PostgresStore{DB: pool}}}

	resp, err := p.Handle(context.Background(), []byte(succeeded))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownOrder, resp.Outcome)
}

func TestFailedWebhookForCompensatedOrder(t *testing.T) {
	pool := pgtest.New(t)
	ctx := context.Background()
	p := &Processor{DB: pool, Idem: &idempotency.Ledger{Store: &idempotency.PostgresStore{DB: pool}}}
	failed := []byte(`{"id":"evt_gone","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_9","metadata":{"order_id":"o9","event_id":"ev1"},"last_payment_error":{"message":"card_declined"}}}}`)

	resp, err := p.Handle(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownOrder, resp.Outcome)

	replay, err := p.Handle(ctx, failed)
	require.NoError(t, err)
	assert.True(t, replay.Replayed, "settled, not abandoned for another retry")
	assert.Equal(t, OutcomeUnknownOrder, replay.Outcome)
	assert.Equal(t, 0, scalar[int](t, pool, `SELECT count(*) FROM payment_failures`))
}
