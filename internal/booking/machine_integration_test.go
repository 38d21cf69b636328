package booking

import (
	"context"
	"github.com/ariefcatur/go-realtime-tickets/internal/postgres"
	"github.com/ariefcatur/go-realtime-tickets/internal/postgres/pgtest"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

// seedReservation creates one event, table, order, purchaser ticket and a
// reservation in the given status.
func seedReservation(t *testing.T, pool *pgxpool.Pool, startsAt time.Time, status Status) string {
	t.Helper()
	pgtest.Exec(t, pool, `INSERT INTO events (id, name, starts_at) VALUES ('ev1', 'Show', $1)`, startsAt)
	pgtest.Exec(t, pool, `INSERT INTO ticket_types (id, event_id, name) VALUES ('vip', 'ev1', 'VIP')`)
	pgtest.Exec(t, pool, `INSERT INTO vip_tables (id, event_id, name, max_guests, is_available) VALUES ('t1', 'ev1', 'T1', 6, FALSE)`)
	pgtest.Exec(t, pool, `INSERT INTO orders (id, purchaser_id, saga_id, status, total_cents) VALUES ('o1', 'u1', 's1', 'pending', 100)`)
	pgtest.Exec(t, pool, `INSERT INTO tickets (id, ticket_type_id, order_id) VALUES ('tk1', 'vip', 'o1')`)
	pgtest.Exec(t, pool, `INSERT INTO vip_reservations (id, table_id, event_id, order_id, purchaser_ticket_id, status, guest_count)
		VALUES ('r1', 't1', 'ev1', 'o1', 'tk1', $1, 3)`, string(status))
	pgtest.Exec(t, pool, `INSERT INTO guest_passes (id, reservation_id, credential_token, signature) VALUES ('gp1', 'r1', 'tok', 'sig')`)
	return "r1"
}

func statusOf(t *testing.T, pool *pgxpool.Pool, id string) Status {
	t.Helper()
	var s string
	require.NoError(t, pool.QueryRow(context.Background(), `SELECT status FROM vip_reservations WHERE id=$1`, id).Scan(&s))
	return Status(s)
}

func TestServiceLifecycle(t *testing.T) {
	pool := pgtest.New(t)
	ctx := context.Background()
	id := seedReservation(t, pool, time.Now().Add(24*time.Hour), StatusPending)
	svc := &Service{DB: pool}

	_, err := svc.Confirm(ctx, id)
	require.NoError(t, err)
	_, err = svc.CheckIn(ctx, id)
	require.NoError(t, err)
	r, err := svc.Complete(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, r.Status)
	assert.Equal(t, StatusCompleted, statusOf(t, pool, id))
}

func TestBackwardTransitionRejected(t *testing.T) {
	pool := pgtest.New(t)
	ctx := context.Background()
	id := seedReservation(t, pool, time.Now().Add(24*time.Hour), StatusCheckedIn)
	svc := &Service{DB: pool}

	_, err := svc.Apply(ctx, id, StatusCheckedIn, StatusConfirmed)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusCheckedIn, statusOf(t, pool, id))
}

func TestStaleFromRejected(t *testing.T) {
	pool := pgtest.New(t)
	ctx := context.Background()
	id := seedReservation(t, pool, time.Now().Add(24*time.Hour), StatusConfirmed)
	svc := &Service{DB: pool}

	_, err := svc.Confirm(ctx, id)
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestCancelAfterEventStart(t *testing.T) {
	pool := pgtest.New(t)
	ctx := context.Background()
	id := seedReservation(t, pool, time.Now().Add(-time.Minute), StatusConfirmed)
	svc := &Service{DB: pool}

	_, err := svc.Cancel(ctx, id, StatusConfirmed)
	assert.ErrorIs(t, err, ErrEventStarted)
	assert.Equal(t, StatusConfirmed, statusOf(t, pool, id))
}

func TestCancelReleasesTableAndPasses(t *testing.T) {
	pool := pgtest.New(t)
	ctx := context.Background()
	id := seedReservation(t, pool, time.Now().Add(24*time.Hour), StatusConfirmed)
	svc := &Service{DB: pool}

	_, err := svc.Cancel(ctx, id, StatusConfirmed)
	require.NoError(t, err)

	var available bool
	var passStatus string
	require.NoError(t, pool.QueryRow(ctx, `SELECT is_available FROM vip_tables WHERE id='t1'`).Scan(&available))
	require.NoError(t, pool.QueryRow(ctx, `SELECT status FROM guest_passes WHERE id='gp1'`).Scan(&passStatus))
	assert.True(t, available)
	assert.Equal(t, string(PassCancelled), passStatus)
}

func TestTriggerRejectsDirectWrite(t *testing.T) {
	pool := pgtest.New(t)
	ctx := context.Background()
	id := seedReservation(t, pool, time.Now().Add(24*time.Hour), StatusCompleted)

	_, err := pool.Exec(ctx, `UPDATE vip_reservations SET status='pending' WHERE id=$1`, id)
	assert.True(t, postgres.IsRaised(err), "got %v", err)
}

func TestConfirmByOrderIsReplaySafe(t *testing.T) {
	pool := pgtest.New(t)
	ctx := context.Background()
	id := seedReservation(t, pool, time.Now().Add(24*time.Hour), StatusPending)
	svc := &Service{DB: pool}

	for i := 0; i < 2; i++ {
		err := postgres.WithTx(ctx, pool, func(tx pgx.Tx) error {
			got, err := svc.ConfirmByOrderTx(ctx, tx, "o1")
			assert.Equal(t, id, got)
			return err
		})
		require.NoError(t, err)
	}
	assert.Equal(t, StatusConfirmed, statusOf(t, pool, id))
}
