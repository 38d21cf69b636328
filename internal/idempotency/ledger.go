// Package idempotency deduplicates externally retried operations (payment
// webhooks) by opaque key. The first caller inserts a placeholder and does the
// work; later callers replay its stored response. When the ledger itself is
// unavailable it fails open: the request is processed without deduplication
// and the unique constraints downstream are the last line of defense.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"
)

const (
	DefaultTTL = 30 * 24 * time.Hour
	// DefaultLease bounds how long a processing placeholder blocks retries
	// after its worker stops renewing it (crash, lost connection).
	DefaultLease = 5 * time.Minute
)

var (
	ErrMissingKey     = errors.New("idempotency key is required")
	ErrRecordNotFound = errors.New("idempotency record not found")
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
)

type Record struct {
	ID        string
	Key       string
	Scope     string
	Status    Status
	Response  json.RawMessage
	ExpiresAt time.Time
}

// Store is the durable half of the ledger.
type Store interface {
	// Begin inserts a placeholder for (key, scope) held for lease. created is
	// false when a live record already exists; an expired record or a
	// processing placeholder whose lease ran out is taken over.
	Begin(ctx context.Context, key, scope string, expiresAt time.Time, lease time.Duration) (id string, created bool, err error)
	// Lookup reads without waiting on row locks; locked reports a row that
	// exists but is being completed right now.
	Lookup(ctx context.Context, key, scope string) (rec Record, found, locked bool, err error)
	Complete(ctx context.Context, id string, response json.RawMessage) (Record, error)
	Delete(ctx context.Context, id string) error
	PurgeExpired(ctx context.Context, limit int) (int64, error)
}

// Cache holds completed responses only, in front of the Store.
type Cache interface {
	Get(ctx context.Context, scope, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, scope, key string, response json.RawMessage, ttl time.Duration) error
}

type Result struct {
	Duplicate      bool
	Processing     bool // duplicate whose original is still in flight
	Degraded       bool // ledger unavailable; proceeding without dedup
	RecordID       string
	CachedResponse json.RawMessage
}

type Ledger struct {
	Store Store
	Cache Cache // optional
	TTL   time.Duration
	Lease time.Duration
}

func (l *Ledger) ttl() time.Duration {
	if l.TTL > 0 {
		return l.TTL
	}
	return DefaultTTL
}

func (l *Ledger) lease() time.Duration {
	if l.Lease > 0 {
		return l.Lease
	}
	return DefaultLease
}

func (l *Ledger) CheckOrBegin(ctx context.Context, key, scope string) (Result, error) {
	if key == "" {
		return Result{}, ErrMissingKey
	}

	if l.Cache != nil {
		if resp, ok, err := l.Cache.Get(ctx, scope, key); err == nil && ok {
			return Result{Duplicate: true, CachedResponse: resp}, nil
		}
	}

	// Two rounds: a placeholder abandoned between Begin and Lookup frees the key.
	for attempt := 0; attempt < 2; attempt++ {
		id, created, err := l.Store.Begin(ctx, key, scope, time.Now().Add(l.ttl()), l.lease())
		if err != nil {
			return l.failOpen(ctx, key, scope, err)
		}
		if created {
			return Result{RecordID: id}, nil
		}

		rec, found, locked, err := l.Store.Lookup(ctx, key, scope)
		if err != nil {
			return l.failOpen(ctx, key, scope, err)
		}
		if !found {
			continue
		}
		if locked || rec.Status != StatusCompleted {
			return Result{Duplicate: true, Processing: true, RecordID: rec.ID}, nil
		}
		l.warm(ctx, rec)
		return Result{Duplicate: true, RecordID: rec.ID, CachedResponse: rec.Response}, nil
	}
	return Result{Duplicate: true, Processing: true}, nil
}

func (l *Ledger) failOpen(ctx context.Context, key, scope string, err error) (Result, error) {
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	log.Printf("idempotency: ledger unavailable, proceeding without dedup scope=%s key=%s: %v", scope, key, err)
	return Result{Degraded: true}, nil
}

// Complete stores the response future duplicates will replay. A degraded
// begin (empty recordID) has nothing to complete. A placeholder taken over
// after its lease ran out yields ErrRecordNotFound.
func (l *Ledger) Complete(ctx context.Context, recordID string, response json.RawMessage) error {
	if recordID == "" {
		return nil
	}
	rec, err := l.Store.Complete(ctx, recordID, response)
	if err != nil {
		return err
	}
	l.warm(ctx, rec)
	return nil
}

// Abandon drops a placeholder whose work failed so the upstream retry runs
// the work again instead of being told "processing" until expiry.
func (l *Ledger) Abandon(ctx context.Context, recordID string) error {
	if recordID == "" {
		return nil
	}
	return l.Store.Delete(ctx, recordID)
}

func (l *Ledger) PurgeExpired(ctx context.Context, limit int) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	return l.Store.PurgeExpired(ctx, limit)
}

func (l *Ledger) warm(ctx context.Context, rec Record) {
	if l.Cache == nil || rec.Status != StatusCompleted {
		return
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return
	}
	if err := l.Cache.Set(ctx, rec.Scope, rec.Key, rec.Response, ttl); err != nil {
		log.Printf("idempotency: cache set scope=%s key=%s: %v", rec.Scope, rec.Key, err)
	}
}
