package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/sendloop/automation-engine/pkg/db"
	"github.com/sendloop/automation-engine/pkg/model"
)

// notifyByteLimit keeps a safety margin under PostgreSQL's 8000-byte NOTIFY
// payload limit.
const notifyByteLimit = 7900

// WorkflowChannel returns the pg_notify channel name for live consumers of
// one workflow's event stream.
func WorkflowChannel(workflowID string) string {
	return "workflow_events_" + workflowID
}

// Publisher persists events to the append-only events table and broadcasts
// them via pg_notify for live consumers.
type Publisher struct {
	pool *db.Pool
}

// NewPublisher constructs a Publisher.
func NewPublisher(pool *db.Pool) *Publisher {
	return &Publisher{pool: pool}
}

// Publish persists evt and broadcasts it via pg_notify on evt.WorkflowID's
// channel, both in a single transaction (pg_notify is transactional — held
// until COMMIT) so a consumer never sees a notification for an event it
// cannot yet read back.
func (p *Publisher) Publish(ctx context.Context, evt model.Event) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin publish tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO events (workflow_id, subscriber_id, kind, step_id, step_kind, email, data, error, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
		RETURNING id
	`, evt.WorkflowID, nilIfEmpty(evt.SubscriberID), string(evt.Kind), nilIfEmpty(evt.StepID), nilIfEmpty(string(evt.StepKind)), nilIfEmpty(evt.Email), dataJSON(evt.Data), nilIfEmpty(evt.Error), nilIfEmpty(evt.DedupeKey)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// Duplicate dedupe_key: the event was already recorded by a prior
		// attempt, so there is nothing new to notify about.
		return nil
	}
	if err != nil {
		return fmt.Errorf("persist event %s for workflow %s: %w", evt.Kind, evt.WorkflowID, err)
	}

	notifyPayload, err := buildNotifyPayload(evt, id)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, WorkflowChannel(evt.WorkflowID), notifyPayload); err != nil {
		return fmt.Errorf("pg_notify event %d: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit publish tx: %w", err)
	}
	return nil
}

// nilIfEmpty lets pgx bind an optional column as SQL NULL instead of an
// empty string, avoiding a uuid-cast-of-empty-string error on subscriber_id.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func dataJSON(data map[string]any) []byte {
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// buildNotifyPayload marshals evt for NOTIFY, truncating to a routing-only
// envelope if the full payload would exceed PostgreSQL's limit — a consumer
// that hits the size cap falls back to reading the events table by
// db_event_id.
func buildNotifyPayload(evt model.Event, dbEventID int64) (string, error) {
	full := map[string]any{
		"db_event_id":   dbEventID,
		"workflow_id":   evt.WorkflowID,
		"subscriber_id": evt.SubscriberID,
		"kind":          evt.Kind,
		"step_id":       evt.StepID,
		"email":         evt.Email,
		"data":          evt.Data,
	}
	b, err := json.Marshal(full)
	if err != nil {
		return "", fmt.Errorf("marshal notify payload: %w", err)
	}
	if len(b) <= notifyByteLimit {
		return string(b), nil
	}

	truncated := map[string]any{
		"db_event_id": dbEventID,
		"workflow_id": evt.WorkflowID,
		"kind":        evt.Kind,
		"truncated":   true,
	}
	tb, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("marshal truncated notify payload: %w", err)
	}
	return string(tb), nil
}
