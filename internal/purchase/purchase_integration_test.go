package purchase

import (
	"context"
	"errors"
	"github.com/ariefcatur/go-realtime-tickets/internal/credential"
	"github.com/ariefcatur/go-realtime-tickets/internal/inventory"
	"github.com/ariefcatur/go-realtime-tickets/internal/orders"
	"github.com/ariefcatur/go-realtime-tickets/internal/payments"
	"github.com/ariefcatur/go-realtime-tickets/internal/postgres/pgtest"
	"github.com/ariefcatur/go-realtime-tickets/internal/saga"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

type failingGateway struct{}

func (failingGateway) CreateIntent(context.Context, payments.IntentRequest) (payments.Intent, error) {
	return payments.Intent{}, errors.New("gateway timeout")
}

func (failingGateway) CancelIntent(context.Context, string) error { return nil }

func seedEvent(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	pgtest.Exec(t, pool, `INSERT INTO events (id, name, starts_at) VALUES ('ev1', 'Show', now() + interval '7 days')`)
	pgtest.Exec(t, pool, `INSERT INTO ticket_types (id, event_id, name, price_cents, capacity) VALUES ('vip', 'ev1', 'VIP', 5000, 5)`)
	pgtest.Exec(t, pool, `INSERT INTO vip_tables (id, event_id, name, max_guests, price_cents) VALUES ('t1', 'ev1', 'T1', 6, 20000)`)
}

func newPostgresService(pool *pgxpool.Pool, gw payments.Gateway) *Service {
	return &Service{
		Runner:    &saga.Runner{Recorder: &saga.PostgresRecorder{DB: pool}, Lease: time.Second},
		Inventory: &inventory.Ledger{DB: pool},
		Store:     &PostgresStore{DB: pool},
		Gateway:   gw,
		Signer:    credential.NewSigner("secret", "tickets"),
	}
}

func count(t *testing.T, pool *pgxpool.Pool, sql string) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(context.Background(), sql).Scan(&n))
	return n
}

func TestFailedCheckoutLeavesNoGhostRecords(t *testing.T) {
	pool := pgtest.New(t)
	seedEvent(t, pool)
	svc := newPostgresService(pool, failingGateway{})

	rc, err := svc.Execute(context.Background(), Request{
		PurchaserID: "u1", EventID: "ev1", TableID: "t1", Guests: 3,
		Items: []orders.LineItem{{TicketTypeID: "vip", Qty: 2}},
	})
	require.Error(t, err)

	assert.Zero(t, count(t, pool, `SELECT count(*) FROM orders`))
	assert.Zero(t, count(t, pool, `SELECT count(*) FROM tickets`))
	assert.Zero(t, count(t, pool, `SELECT count(*) FROM vip_reservations`))
	assert.Zero(t, count(t, pool, `SELECT count(*) FROM guest_passes`))
	assert.Zero(t, count(t, pool, `SELECT reserved_count FROM ticket_types WHERE id='vip'`))
	assert.Equal(t, 1, count(t, pool, `SELECT count(*) FROM vip_tables WHERE id='t1' AND is_available`))

	exec, err := (&saga.PostgresRecorder{DB: pool}).Load(context.Background(), rc.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, exec.Status)
	assert.Empty(t, exec.StepsCompleted)
}

func TestSuccessfulVIPCheckout(t *testing.T) {
	pool := pgtest.New(t)
	seedEvent(t, pool)
	svc := newPostgresService(pool, payments.NewGateway("", "", 0))

	rc, err := svc.Execute(context.Background(), Request{
		PurchaserID: "u1", EventID: "ev1", TableID: "t1", Guests: 2,
		Items: []orders.LineItem{{TicketTypeID: "vip", Qty: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, 25000, rc.TotalCents)
	assert.Equal(t, 3, count(t, pool, `SELECT count(*) FROM guest_passes`))
	assert.Equal(t, 1, count(t, pool, `SELECT reserved_count FROM ticket_types WHERE id='vip'`))
	assert.Equal(t, 1, count(t, pool, `SELECT count(*) FROM orders WHERE status='pending' AND payment_intent_id IS NOT NULL`))
	assert.Equal(t, 0, count(t, pool, `SELECT count(*) FROM tickets WHERE confirmed`))

	// The table is held, so a second checkout for it is refused before touching inventory.
	_, err = svc.Execute(context.Background(), Request{
		PurchaserID: "u2", EventID: "ev1", TableID: "t1",
		Items: []orders.LineItem{{TicketTypeID: "vip", Qty: 1}},
	})
	assert.ErrorIs(t, err, ErrTableUnavailable)
	assert.Equal(t, 1, count(t, pool, `SELECT reserved_count FROM ticket_types WHERE id='vip'`))
}

func sagaFor(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()
	var id string
	require.NoError(t, pool.QueryRow(context.Background(), `SELECT saga_id FROM saga_executions`).Scan(&id))
	return id
}

func TestRecoveryWaitsForLiveCheckout(t *testing.T) {
	pool := pgtest.New(t)
	seedEvent(t, pool)
	gw := &fakeGateway{j: &journal{}, entered: make(chan struct{}), release: make(chan struct{})}
	svc := newPostgresService(pool, gw)
	svc.Runner.Lease = time.Minute

	done := make(chan error, 1)
	go func() {
		_, err := svc.Execute(context.Background(), Request{
			PurchaserID: "u1", EventID: "ev1",
			Items: []orders.LineItem{{TicketTypeID: "vip", Qty: 2}},
		})
		done <- err
	}()
	<-gw.entered
	sagaID := sagaFor(t, pool)

	_, err := svc.Compensate(context.Background(), sagaID)
	assert.ErrorIs(t, err, saga.ErrSagaInFlight)

	close(gw.release)
	require.NoError(t, <-done)
	assert.Equal(t, 2, count(t, pool, `SELECT reserved_count FROM ticket_types WHERE id='vip'`))
	assert.Equal(t, 2, count(t, pool, `SELECT count(*) FROM tickets`))
	assert.Equal(t, 1, count(t, pool, `SELECT count(*) FROM orders WHERE payment_intent_id IS NOT NULL`))

	exec, err := (&saga.PostgresRecorder{DB: pool}).Load(context.Background(), sagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, exec.Status)
}

func TestStalledCheckoutYieldsToRecovery(t *testing.T) {
	pool := pgtest.New(t)
	seedEvent(t, pool)
	gw := &fakeGateway{j: &journal{}, entered: make(chan struct{}), release: make(chan struct{})}
	svc := newPostgresService(pool, gw)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Execute(context.Background(), Request{
			PurchaserID: "u1", EventID: "ev1",
			Items: []orders.LineItem{{TicketTypeID: "vip", Qty: 2}},
		})
		done <- err
	}()
	<-gw.entered
	sagaID := sagaFor(t, pool)

	// One second lease: after it the stalled run no longer owns the saga.
	time.Sleep(1200 * time.Millisecond)
	exec, err := svc.Compensate(context.Background(), sagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, exec.Status)

	close(gw.release)
	err = <-done
	assert.ErrorIs(t, err, saga.ErrSagaClaimed)
	assert.Len(t, gw.canceled, 1)

	assert.Zero(t, count(t, pool, `SELECT count(*) FROM orders`))
	assert.Zero(t, count(t, pool, `SELECT count(*) FROM tickets`))
	assert.Zero(t, count(t, pool, `SELECT reserved_count FROM ticket_types WHERE id='vip'`))
	stored, err := (&saga.PostgresRecorder{DB: pool}).Load(context.Background(), sagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, stored.Status)
}

func TestIntentIsCancelledWhenOrderVanishes(t *testing.T) {
	pool := pgtest.New(t)
	seedEvent(t, pool)
	gw := &fakeGateway{j: &journal{}}
	gw.onCreate = func(req payments.IntentRequest) {
		pgtest.Exec(t, pool, `DELETE FROM tickets WHERE order_id=$1`, req.OrderID)
		pgtest.Exec(t, pool, `DELETE FROM orders WHERE id=$1`, req.OrderID)
	}
	svc := newPostgresService(pool, gw)

	rc, err := svc.Execute(context.Background(), Request{
		PurchaserID: "u1", EventID: "ev1",
		Items: []orders.LineItem{{TicketTypeID: "vip", Qty: 2}},
	})
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)
	assert.Len(t, gw.canceled, 1)
	assert.Zero(t, count(t, pool, `SELECT reserved_count FROM ticket_types WHERE id='vip'`))

	exec, err := (&saga.PostgresRecorder{DB: pool}).Load(context.Background(), rc.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, exec.Status)
}
