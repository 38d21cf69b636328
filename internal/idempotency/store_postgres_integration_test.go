package idempotency

import (
	"context"
	"encoding/json"
	"github.com/ariefcatur/go-realtime-tickets/internal/postgres/pgtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

func TestPostgresStoreConcurrentBegin(t *testing.T) {
	pool := pgtest.New(t)
	ctx := context.Background()
	l := &Ledger{Store: &PostgresStore{DB: pool}}

	var wg sync.WaitGroup
	results := make(chan Result, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := l.CheckOrBegin(ctx, "evt_race", "payment_webhook")
			assert.NoError(t, err)
			results <- r
		}()
	}
	wg.Wait()
	close(results)

	var firsts int
	var recordID string
	for r := range results {
		if !r.Duplicate {
			firsts++
			recordID = r.RecordID
		}
	}
	require.Equal(t, 1, firsts)

	require.NoError(t, l.Complete(ctx, recordID, json.RawMessage(`{"status":"paid"}`)))
	dup, err := l.CheckOrBegin(ctx, "evt_race", "payment_webhook")
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.JSONEq(t, `{"status":"paid"}`, string(dup.CachedResponse))
}

func TestPostgresStoreExpiredKeyIsReused(t *testing.T) {
	pool := pgtest.New(t)
	ctx := context.Background()
	st := &PostgresStore{DB: pool}

	_, created, err := st.Begin(ctx, "evt_old", "s", time.Now().Add(-time.Minute), time.Minute)
	require.NoError(t, err)
	require.True(t, created)

	_, created, err = st.Begin(ctx, "evt_old", "s", time.Now().Add(time.Hour), time.Minute)
	require.NoError(t, err)
	assert.True(t, created)

	_, _, err = st.Begin(ctx, "evt_gone", "s", time.Now().Add(-time.Minute), time.Minute)
	require.NoError(t, err)
	n, err := st.PurgeExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPostgresStoreStaleProcessingIsTakenOver(t *testing.T) {
	pool := pgtest.New(t)
	ctx := context.Background()
	st := &PostgresStore{DB: pool}
	expires := time.Now().Add(time.Hour)

	crashed, created, err := st.Begin(ctx, "evt_stuck", "s", expires, 200*time.Millisecond)
	require.NoError(t, err)
	require.True(t, created)

	_, created, err = st.Begin(ctx, "evt_stuck", "s", expires, time.Minute)
	require.NoError(t, err)
	assert.False(t, created, "lease still held")

	time.Sleep(300 * time.Millisecond)
	retry, created, err := st.Begin(ctx, "evt_stuck", "s", expires, time.Minute)
	require.NoError(t, err)
	require.True(t, created)
	assert.NotEqual(t, crashed, retry)

	_, err = st.Complete(ctx, crashed, json.RawMessage(`{"late":true}`))
	assert.ErrorIs(t, err, ErrRecordNotFound)
	require.NoError(t, st.Delete(ctx, crashed))

	_, err = st.Complete(ctx, retry, json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)

	// Completed rows are never taken over, however old their lease.
	pgtest.Exec(t, pool, `UPDATE idempotency_records SET locked_until = now() - interval '1 hour' WHERE id=$1`, retry)
	_, created, err = st.Begin(ctx, "evt_stuck", "s", expires, time.Minute)
	require.NoError(t, err)
	assert.False(t, created)
	rec, found, _, err := st.Lookup(ctx, "evt_stuck", "s")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"ok":true}`, string(rec.Response))
}
