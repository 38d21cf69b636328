package saga

import (
	"context"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-realtime-tickets/internal/postgres"
	"github.com/ariefcatur/go-realtime-tickets/internal/redisx"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"log"
	"strings"
	"time"
)

type PostgresRecorder struct{ DB postgres.DB }

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const selectExecution = `
	SELECT saga_id, kind, status, owner, steps_completed, context, error_details, created_at, updated_at, now()
	FROM saga_executions WHERE saga_id=$1`

func (p *PostgresRecorder) Create(ctx context.Context, e Execution) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO saga_executions (saga_id, kind, status, owner, steps_completed, context, error_details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.Kind, string(e.Status), e.Owner, steps(e.StepsCompleted), []byte(e.Context), e.ErrorDetails)
	return err
}

func (p *PostgresRecorder) Save(ctx context.Context, e Execution) error {
	tag, err := p.DB.Exec(ctx, `
		UPDATE saga_executions
		SET status=$2, steps_completed=$3, context=$4, error_details=$5, updated_at=now()
		WHERE saga_id=$1 AND owner=$6`,
		e.ID, string(e.Status), steps(e.StepsCompleted), []byte(e.Context), e.ErrorDetails, e.Owner)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := p.DB.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM saga_executions WHERE saga_id=$1)`, e.ID).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrSagaClaimed
	}
	return ErrSagaNotFound
}

func (p *PostgresRecorder) Load(ctx context.Context, sagaID string) (Execution, error) {
	e, _, err := loadExecution(ctx, p.DB, sagaID, "")
	return e, err
}

// Claim locks the row and judges it with the database clock, the same clock
// that stamps updated_at on every Save.
func (p *PostgresRecorder) Claim(ctx context.Context, sagaID, owner string, lease time.Duration) (Execution, error) {
	var e Execution
	err := postgres.WithTx(ctx, p.DB, func(tx pgx.Tx) error {
		var now time.Time
		var err error
		if e, now, err = loadExecution(ctx, tx, sagaID, " FOR UPDATE"); err != nil {
			return err
		}
		if err := Claimable(e, now, lease); err != nil {
			return err
		}
		e.Status, e.Owner = StatusCompensating, owner
		return tx.QueryRow(ctx, `
			UPDATE saga_executions SET status=$2, owner=$3, updated_at=now()
			WHERE saga_id=$1 RETURNING updated_at`, sagaID, string(e.Status), owner).Scan(&e.UpdatedAt)
	})
	return e, err
}

func loadExecution(ctx context.Context, q querier, sagaID, lock string) (Execution, time.Time, error) {
	var e Execution
	var status string
	var raw []byte
	var now time.Time
	err := q.QueryRow(ctx, selectExecution+lock, sagaID).
		Scan(&e.ID, &e.Kind, &status, &e.Owner, &e.StepsCompleted, &raw, &e.ErrorDetails, &e.CreatedAt, &e.UpdatedAt, &now)
	if errors.Is(err, pgx.ErrNoRows) {
		return Execution{}, time.Time{}, ErrSagaNotFound
	}
	if err != nil {
		return Execution{}, time.Time{}, err
	}
	e.Status = Status(status)
	e.Context = raw
	return e, now, nil
}

// steps keeps NOT NULL text[] columns from receiving a nil slice.
func steps(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Mirrored writes through to Primary and copies status into a Redis hash for
// dashboards and support lookups. Mirror failures are logged, never returned.
type Mirrored struct {
	Primary Recorder
	RDB     *redis.Client
}

func (m *Mirrored) Create(ctx context.Context, e Execution) error {
	if err := m.Primary.Create(ctx, e); err != nil {
		return err
	}
	m.mirror(ctx, e)
	return nil
}

func (m *Mirrored) Save(ctx context.Context, e Execution) error {
	if err := m.Primary.Save(ctx, e); err != nil {
		return err
	}
	m.mirror(ctx, e)
	return nil
}

func (m *Mirrored) Load(ctx context.Context, sagaID string) (Execution, error) {
	return m.Primary.Load(ctx, sagaID)
}

func (m *Mirrored) Claim(ctx context.Context, sagaID, owner string, lease time.Duration) (Execution, error) {
	e, err := m.Primary.Claim(ctx, sagaID, owner, lease)
	if err != nil {
		return e, err
	}
	m.mirror(ctx, e)
	return e, nil
}

func (m *Mirrored) mirror(ctx context.Context, e Execution) {
	if m.RDB == nil {
		return
	}
	key := fmt.Sprintf(redisx.KeySaga, e.ID)
	pipe := m.RDB.TxPipeline()
	pipe.HSet(ctx, key,
		"kind", e.Kind,
		"status", string(e.Status),
		"steps", strings.Join(e.StepsCompleted, ","),
		"error", e.ErrorDetails,
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, key, redisx.TTLSaga)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("saga: redis mirror saga=%s: %v", e.ID, err)
	}
}
