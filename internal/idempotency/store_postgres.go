package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/ariefcatur/go-realtime-tickets/internal/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"time"
)

type PostgresStore struct{ DB postgres.DB }

// Begin reuses an expired row, or a processing row whose lease lapsed, instead
// of colliding with it. The new id fences the previous holder's Complete and
// Delete. Lease deadlines are judged by the database clock.
func (s *PostgresStore) Begin(ctx context.Context, key, scope string, expiresAt time.Time, lease time.Duration) (string, bool, error) {
	var id string
	err := s.DB.QueryRow(ctx, `
		INSERT INTO idempotency_records (id, key, scope, status, expires_at, locked_until)
		VALUES ($1, $2, $3, 'processing', $4, now() + $5::float8 * interval '1 millisecond')
		ON CONFLICT (key, scope) DO UPDATE
			SET id = EXCLUDED.id,
			    status = 'processing',
			    response = NULL,
			    created_at = now(),
			    expires_at = EXCLUDED.expires_at,
			    locked_until = EXCLUDED.locked_until
			WHERE idempotency_records.expires_at <= now()
			   OR (idempotency_records.status = 'processing' AND idempotency_records.locked_until <= now())
		RETURNING id`, uuid.NewString(), key, scope, expiresAt.UTC(), float64(lease.Milliseconds())).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (s *PostgresStore) Lookup(ctx context.Context, key, scope string) (Record, bool, bool, error) {
	var rec Record
	var status string
	err := s.DB.QueryRow(ctx, `
		SELECT id, key, scope, status, response, expires_at
		FROM idempotency_records
		WHERE key=$1 AND scope=$2
		FOR SHARE SKIP LOCKED`, key, scope).
		Scan(&rec.ID, &rec.Key, &rec.Scope, &status, &rec.Response, &rec.ExpiresAt)
	if err == nil {
		rec.Status = Status(status)
		return rec, true, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, false, err
	}

	// Skipped rows and missing rows look the same; tell them apart.
	var exists bool
	if err := s.DB.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM idempotency_records WHERE key=$1 AND scope=$2)`, key, scope).Scan(&exists); err != nil {
		return Record{}, false, false, err
	}
	if exists {
		return Record{Key: key, Scope: scope, Status: StatusProcessing}, true, true, nil
	}
	return Record{}, false, false, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id string, response json.RawMessage) (Record, error) {
	rec := Record{ID: id, Status: StatusCompleted, Response: response}
	err := s.DB.QueryRow(ctx, `
		UPDATE idempotency_records SET status='completed', response=$2
		WHERE id=$1
		RETURNING key, scope, expires_at`, id, []byte(response)).Scan(&rec.Key, &rec.Scope, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrRecordNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `DELETE FROM idempotency_records WHERE id=$1 AND status='processing'`, id)
	return err
}

func (s *PostgresStore) PurgeExpired(ctx context.Context, limit int) (int64, error) {
	tag, err := s.DB.Exec(ctx, `
		DELETE FROM idempotency_records
		WHERE id IN (
			SELECT id FROM idempotency_records
			WHERE expires_at <= now()
			ORDER BY expires_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)`, limit)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
