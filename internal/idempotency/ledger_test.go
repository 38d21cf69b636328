package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]*Record // by scope|key
	leases  map[string]time.Time
	locked  map[string]bool
	err     error
	seq     int
	now     time.Time
}

func newMemStore() *memStore {
	return &memStore{records: map[string]*Record{}, leases: map[string]time.Time{}, locked: map[string]bool{}, now: time.Now()}
}

func (m *memStore) advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

func (m *memStore) Begin(_ context.Context, key, scope string, expiresAt time.Time, lease time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", false, m.err
	}
	k := scope + "|" + key
	if r, ok := m.records[k]; ok && r.ExpiresAt.After(m.now) {
		if r.Status != StatusProcessing || m.leases[k].After(m.now) {
			return "", false, nil
		}
	}
	m.seq++
	id := fmt.Sprintf("rec-%d", m.seq)
	m.records[k] = &Record{ID: id, Key: key, Scope: scope, Status: StatusProcessing, ExpiresAt: expiresAt}
	m.leases[k] = m.now.Add(lease)
	return id, true, nil
}

func (m *memStore) Lookup(_ context.Context, key, scope string) (Record, bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := scope + "|" + key
	r, ok := m.records[k]
	if !ok {
		return Record{}, false, false, nil
	}
	return *r, true, m.locked[k], nil
}

func (m *memStore) Complete(_ context.Context, id string, response json.RawMessage) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ID == id {
			r.Status = StatusCompleted
			r.Response = response
			return *r, nil
		}
	}
	return Record{}, ErrRecordNotFound
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, r := range m.records {
		if r.ID == id && r.Status == StatusProcessing {
			delete(m.records, k)
		}
	}
	return nil
}

func (m *memStore) PurgeExpired(_ context.Context, _ int) (int64, error) { return 0, nil }

type memCache struct {
	mu   sync.Mutex
	data map[string]json.RawMessage
	err  error
}

func (c *memCache) Get(_ context.Context, scope, key string) (json.RawMessage, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, false, c.err
	}
	v, ok := c.data[scope+"|"+key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, scope, key string, response json.RawMessage, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = map[string]json.RawMessage{}
	}
	c.data[scope+"|"+key] = response
	return nil
}

func TestFirstSightThenReplay(t *testing.T) {
	ctx := context.Background()
	l := &Ledger{Store: newMemStore()}

	first, err := l.CheckOrBegin(ctx, "evt_1", "payment_webhook")
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	require.NotEmpty(t, first.RecordID)

	inflight, err := l.CheckOrBegin(ctx, "evt_1", "payment_webhook")
	require.NoError(t, err)
	assert.True(t, inflight.Duplicate)
	assert.True(t, inflight.Processing)

	resp := json.RawMessage(`{"order_id":"o-1","status":"paid"}`)
	require.NoError(t, l.Complete(ctx, first.RecordID, resp))

	again, err := l.CheckOrBegin(ctx, "evt_1", "payment_webhook")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.False(t, again.Processing)
	assert.JSONEq(t, string(resp), string(again.CachedResponse))

	other, err := l.CheckOrBegin(ctx, "evt_1", "another_scope")
	require.NoError(t, err)
	assert.False(t, other.Duplicate)
}

func TestLockedRowReportsProcessing(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	l := &Ledger{Store: st}

	_, err := l.CheckOrBegin(ctx, "evt_2", "s")
	require.NoError(t, err)
	st.locked["s|evt_2"] = true

	res, err := l.CheckOrBegin(ctx, "evt_2", "s")
	require.NoError(t, err)
	assert.True(t, res.Processing)
}

func TestFailsOpenWhenStoreUnavailable(t *testing.T) {
	st := newMemStore()
	st.err = errors.New("connection refused")
	l := &Ledger{Store: st}

	res, err := l.CheckOrBegin(context.Background(), "evt_3", "s")
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.False(t, res.Duplicate)
	assert.Empty(t, res.RecordID)
	assert.NoError(t, l.Complete(context.Background(), res.RecordID, json.RawMessage(`{}`)))
}

func TestCancelledContextDoesNotFailOpen(t *testing.T) {
	st := newMemStore()
	st.err = context.Canceled
	l := &Ledger{Store: st}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.CheckOrBegin(ctx, "evt_4", "s")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCacheShortCircuitsAndIsWarmed(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	cache := &memCache{}
	l := &Ledger{Store: st, Cache: cache}

	res, err := l.CheckOrBegin(ctx, "evt_5", "s")
	require.NoError(t, err)
	require.NoError(t, l.Complete(ctx, res.RecordID, json.RawMessage(`{"ok":true}`)))

	st.err = errors.New("store down")
	dup, err := l.CheckOrBegin(ctx, "evt_5", "s")
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.JSONEq(t, `{"ok":true}`, string(dup.CachedResponse))
}

func TestAbandonFreesKey(t *testing.T) {
	ctx := context.Background()
	l := &Ledger{Store: newMemStore()}

	res, err := l.CheckOrBegin(ctx, "evt_6", "s")
	require.NoError(t, err)
	require.NoError(t, l.Abandon(ctx, res.RecordID))

	retry, err := l.CheckOrBegin(ctx, "evt_6", "s")
	require.NoError(t, err)
	assert.False(t, retry.Duplicate)
}

func TestStalePlaceholderIsTakenOver(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	l := &Ledger{Store: st, Lease: time.Minute}

	crashed, err := l.CheckOrBegin(ctx, "evt_7", "s")
	require.NoError(t, err)

	busy, err := l.CheckOrBegin(ctx, "evt_7", "s")
	require.NoError(t, err)
	assert.True(t, busy.Processing, "lease still held")

	st.advance(time.Minute + time.Second)
	retry, err := l.CheckOrBegin(ctx, "evt_7", "s")
	require.NoError(t, err)
	require.False(t, retry.Duplicate)
	assert.NotEqual(t, crashed.RecordID, retry.RecordID)

	// The original worker waking up late cannot overwrite or free the new placeholder.
	assert.ErrorIs(t, l.Complete(ctx, crashed.RecordID, json.RawMessage(`{"late":true}`)), ErrRecordNotFound)
	require.NoError(t, l.Abandon(ctx, crashed.RecordID))
	require.NoError(t, l.Complete(ctx, retry.RecordID, json.RawMessage(`{"ok":true}`)))

	st.advance(time.Hour)
	dup, err := l.CheckOrBegin(ctx, "evt_7", "s")
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.JSONEq(t, `{"ok":true}`, string(dup.CachedResponse), "completed records outlive the lease")
}

func TestMissingKey(t *testing.T) {
	l := &Ledger{Store: newMemStore()}
	_, err := l.CheckOrBegin(context.Background(), "", "s")
	assert.ErrorIs(t, err, ErrMissingKey)
}
