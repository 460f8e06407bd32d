package trigger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sendloop/automation-engine/pkg/db"
)

const pgUniqueViolation = "23505"

// PGSeenTracker persists sweep idempotency keys in the sweep_marks table.
// MarkSeen relies on the table's primary-key constraint to detect a repeat:
// the insert either succeeds (first time) or fails with a unique-violation
// (already seen), avoiding a separate existence check under concurrent ticks.
type PGSeenTracker struct {
	pool *db.Pool
}

// NewPGSeenTracker constructs a PGSeenTracker.
func NewPGSeenTracker(pool *db.Pool) *PGSeenTracker {
	return &PGSeenTracker{pool: pool}
}

// MarkSeen reports whether key was already marked by a prior call.
func (t *PGSeenTracker) MarkSeen(ctx context.Context, key string) (bool, error) {
	_, err := t.pool.Exec(ctx, `INSERT INTO sweep_marks (idempotency_key) VALUES ($1)`, key)
	if err == nil {
		return false, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return true, nil
	}
	return false, fmt.Errorf("mark sweep key %s seen: %w", key, err)
}
