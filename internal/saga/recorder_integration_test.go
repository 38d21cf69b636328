package saga

import (
	"context"
	"github.com/ariefcatur/go-realtime-tickets/internal/postgres/pgtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestPostgresRecorderFencesOwner(t *testing.T) {
	pool := pgtest.New(t)
	rec := &PostgresRecorder{DB: pool}
	ctx := context.Background()

	exec := Execution{ID: "s1", Kind: "purchase", Status: StatusRunning, Owner: "run-1", Context: []byte(`{}`)}
	require.NoError(t, rec.Create(ctx, exec))

	_, err := rec.Claim(ctx, "s1", "rec-1", time.Minute)
	assert.ErrorIs(t, err, ErrSagaInFlight)

	claimed, err := rec.Claim(ctx, "s1", "rec-1", 0)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensating, claimed.Status)
	assert.Equal(t, "rec-1", claimed.Owner)

	exec.StepsCompleted = []string{"a"}
	assert.ErrorIs(t, rec.Save(ctx, exec), ErrSagaClaimed)

	claimed.Status = StatusCompensated
	require.NoError(t, rec.Save(ctx, claimed))
	_, err = rec.Claim(ctx, "s1", "rec-2", 0)
	assert.ErrorIs(t, err, ErrSagaCompensated)

	assert.ErrorIs(t, rec.Save(ctx, Execution{ID: "missing", Owner: "x"}), ErrSagaNotFound)
	_, err = rec.Claim(ctx, "missing", "x", 0)
	assert.ErrorIs(t, err, ErrSagaNotFound)
}
