package payments

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/ariefcatur/go-realtime-tickets/internal/idempotency"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
)

type fakeIdem struct {
	mu        sync.Mutex
	records   map[string]json.RawMessage // key -> response; nil while processing
	abandoned []string
	degraded  bool
	settleErr []error // ctx.Err() seen by Complete and Abandon
}

func newFakeIdem() *fakeIdem { return &fakeIdem{records: map[string]json.RawMessage{}} }

func (f *fakeIdem) CheckOrBegin(_ context.Context, key, _ string) (idempotency.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.degraded {
		return idempotency.Result{Degraded: true}, nil
	}
	resp, ok := f.records[key]
	if !ok {
		f.records[key] = nil
		return idempotency.Result{RecordID: key}, nil
	}
	if resp == nil {
		return idempotency.Result{Duplicate: true, Processing: true, RecordID: key}, nil
	}
	return idempotency.Result{Duplicate: true, RecordID: key, CachedResponse: resp}, nil
}

func (f *fakeIdem) Complete(ctx context.Context, id string, resp json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settleErr = append(f.settleErr, ctx.Err())
	if id != "" {
		f.records[id] = resp
	}
	return nil
}

func (f *fakeIdem) Abandon(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settleErr = append(f.settleErr, ctx.Err())
	delete(f.records, id)
	f.abandoned = append(f.abandoned, id)
	return nil
}

const succeeded = `{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","amount":5000,"metadata":{"order_id":"o1","event_id":"ev1"}}}}`

func countingApply(n *int, err error) func(context.Context, Webhook) (Response, error) {
	return func(_ context.Context, w Webhook) (Response, error) {
		*n++
		if err != nil {
			return Response{}, err
		}
		return Response{WebhookID: w.ID, Type: w.Type, OrderID: w.Data.Object.OrderID(), Outcome: OutcomeApplied}, nil
	}
}

func TestHandleAppliesOnceAndReplays(t *testing.T) {
	var applied int
	p := &Processor{Idem: newFakeIdem()}
	p.apply = countingApply(&applied, nil)
	ctx := context.Background()

	first, err := p.Handle(ctx, []byte(succeeded))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, first.Outcome)
	assert.Equal(t, "o1", first.OrderID)
	assert.False(t, first.Replayed)

	second, err := p.Handle(ctx, []byte(succeeded))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, 1, applied)

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	assert.JSONEq(t, string(a), string(b), "a replay answers with the first body")
}

func TestCancelledRequestStillSettlesRecord(t *testing.T) {
	for _, applyErr := range []error{nil, errors.New("db unavailable")} {
		idem := newFakeIdem()
		ctx, cancel := context.WithCancel(context.Background())
		p := &Processor{Idem: idem}
		p.apply = func(_ context.Context, w Webhook) (Response, error) {
			cancel()
			if applyErr != nil {
				return Response{}, applyErr
			}
			return Response{WebhookID: w.ID, Outcome: OutcomeApplied}, nil
		}

		_, _ = p.Handle(ctx, []byte(succeeded))
		require.Len(t, idem.settleErr, 1)
		assert.NoError(t, idem.settleErr[0])
		if applyErr == nil {
			assert.NotNil(t, idem.records["evt_1"], "completed despite the cancelled request")
		} else {
			assert.Equal(t, []string{"evt_1"}, idem.abandoned)
		}
	}
}

func TestHandleInFlightDuplicate(t *testing.T) {
	idem := newFakeIdem()
	idem.records["evt_1"] = nil
	var applied int
	p := &Processor{Idem: idem}
	p.apply = countingApply(&applied, nil)

	_, err := p.Handle(context.Background(), []byte(succeeded))
	assert.ErrorIs(t, err, ErrInFlight)
	assert.Zero(t, applied)
}

func TestHandleFailureAbandonsRecord(t *testing.T) {
	idem := newFakeIdem()
	var applied int
	p := &Processor{Idem: idem}
	p.apply = countingApply(&applied, errors.New("db unavailable"))

	_, err := p.Handle(context.Background(), []byte(succeeded))
	require.Error(t, err)
	assert.Equal(t, []string{"evt_1"}, idem.abandoned)

	p.apply = countingApply(&applied, nil)
	resp, err := p.Handle(context.Background(), []byte(succeeded))
	require.NoError(t, err)
	assert.False(t, resp.Replayed, "retry after a failure runs the work again")
	assert.Equal(t, 2, applied)
}

func TestHandleDegradedLedgerStillApplies(t *testing.T) {
	idem := newFakeIdem()
	idem.degraded = true
	var applied int
	p := &Processor{Idem: idem}
	p.apply = countingApply(&applied, nil)

	_, err := p.Handle(context.Background(), []byte(succeeded))
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
}

func TestHandleMalformed(t *testing.T) {
	p := &Processor{Idem: newFakeIdem()}
	_, err := p.Handle(context.Background(), []byte(`{"type":"payment_intent.succeeded"}`))
	assert.ErrorIs(t, err, ErrMalformedWebhook)
	_, err = p.Handle(context.Background(), []byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedWebhook)
}

func TestIntentObjectFailureReason(t *testing.T) {
	w, err := ParseWebhook([]byte(`{"id":"evt_2","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_2","metadata":{"order_id":"o2"},"last_payment_error":{"message":"card_declined"}}}}`))
	require.NoError(t, err)
	assert.Equal(t, "card_declined", w.Data.Object.FailureReason())
	assert.Equal(t, "unknown", IntentObject{}.FailureReason())
}
