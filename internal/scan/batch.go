package scan

import (
	"context"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-realtime-tickets/internal/credential"
	"github.com/cenkalti/backoff/v5"
	"sort"
	"time"
)

var ErrUnsupportedOffline = errors.New("offline sync supports ticket credentials only")

// Verifier is satisfied by *credential.Signer.
type Verifier interface {
	Verify(token, signature string) (credential.Subject, error)
}

type OfflineScan struct {
	Token     string
	Signature string
	ScannedAt time.Time
	DeviceID  string
}

// BatchResult is one entry per submitted item, in submission order.
type BatchResult struct {
	Index     int
	SubjectID string
	SyncResult
	Err error
}

// Reconciler is satisfied by *Guard.
type Reconciler interface {
	Sync(ctx context.Context, ticketID string, scannedAt time.Time, deviceID string) (SyncResult, error)
}

type Syncer struct {
	Reconciler  Reconciler
	Verifier    Verifier
	MaxAttempts uint
}

// SyncBatch reconciles a device's queued scans oldest first so the device's
// own earlier scans are applied before its later ones. A failing item never
// fails the batch.
func (s *Syncer) SyncBatch(ctx context.Context, items []OfflineScan) []BatchResult {
	order := make([]int, len(items))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return items[order[a]].ScannedAt.Before(items[order[b]].ScannedAt)
	})

	out := make([]BatchResult, len(items))
	for _, i := range order {
		out[i] = s.syncOne(ctx, i, items[i])
	}
	return out
}

func (s *Syncer) syncOne(ctx context.Context, i int, it OfflineScan) BatchResult {
	r := BatchResult{Index: i}
	sub, err := s.Verifier.Verify(it.Token, it.Signature)
	if err != nil {
		r.Err = err
		return r
	}
	r.SubjectID = sub.ID
	if sub.Kind != credential.KindTicket {
		r.Err = ErrUnsupportedOffline
		return r
	}
	if it.DeviceID == "" || it.ScannedAt.IsZero() {
		r.Err = fmt.Errorf("%w: device and scan time are required", ErrNotAdmissible)
		return r
	}

	res, err := backoff.Retry(ctx, func() (SyncResult, error) {
		res, err := s.Reconciler.Sync(ctx, sub.ID, it.ScannedAt, it.DeviceID)
		if errors.Is(err, ErrContended) {
			return res, err
		}
		if err != nil {
			return res, backoff.Permanent(err)
		}
		return res, nil
	}, backoff.WithBackOff(contendedBackOff()), backoff.WithMaxTries(s.maxAttempts()))
	r.SyncResult, r.Err = res, err
	return r
}

func (s *Syncer) maxAttempts() uint {
	if s.MaxAttempts == 0 {
		return 4
	}
	return s.MaxAttempts
}

func contendedBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 400 * time.Millisecond
	return b
}
