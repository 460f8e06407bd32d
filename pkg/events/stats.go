package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sendloop/automation-engine/pkg/db"
	"github.com/sendloop/automation-engine/pkg/model"
)

// StepStat is one step's counter snapshot.
type StepStat struct {
	Entered   int `json:"entered"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Snapshot is a workflow's full counter snapshot.
type Snapshot struct {
	Workflow model.WorkflowStats
	Steps    map[string]StepStat
}

// Reader queries the counter snapshots the Event Log & Stat Aggregator
// exposes, reading workflows.stats/step_stats directly rather than
// re-deriving them from the events table.
type Reader struct {
	pool *db.Pool
}

// NewReader constructs a Reader.
func NewReader(pool *db.Pool) *Reader {
	return &Reader{pool: pool}
}

// Snapshot loads workflowID's current counter snapshot.
func (r *Reader) Snapshot(ctx context.Context, workflowID string) (Snapshot, error) {
	var statsJSON, stepStatsJSON []byte
	err := r.pool.QueryRow(ctx, `SELECT stats, step_stats FROM workflows WHERE id = $1`, workflowID).Scan(&statsJSON, &stepStatsJSON)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load stats for workflow %s: %w", workflowID, err)
	}

	var stats model.WorkflowStats
	if err := json.Unmarshal(statsJSON, &stats); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal stats for workflow %s: %w", workflowID, err)
	}
	steps := map[string]StepStat{}
	if err := json.Unmarshal(stepStatsJSON, &steps); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal step_stats for workflow %s: %w", workflowID, err)
	}

	return Snapshot{Workflow: stats, Steps: steps}, nil
}

// Recent returns the most recent events for a workflow, newest first,
// backing the operator CLI's inspection commands.
func (r *Reader) Recent(ctx context.Context, workflowID string, limit int) ([]model.Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, workflow_id, COALESCE(subscriber_id::text, ''), kind,
		       COALESCE(step_id, ''), COALESCE(step_kind, ''), COALESCE(email, ''),
		       data, COALESCE(error, ''), created_at
		FROM events WHERE workflow_id = $1 ORDER BY created_at DESC LIMIT $2
	`, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events for workflow %s: %w", workflowID, err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var (
			id                                         int64
			wfID, subID, kind, stepID, stepKind, email string
			dataJSON                                   []byte
			errStr                                     string
			createdAt                                  time.Time
		)
		if err := rows.Scan(&id, &wfID, &subID, &kind, &stepID, &stepKind, &email, &dataJSON, &errStr, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event row for workflow %s: %w", workflowID, err)
		}
		var data map[string]any
		_ = json.Unmarshal(dataJSON, &data)
		out = append(out, model.Event{
			ID:           fmt.Sprintf("%d", id),
			WorkflowID:   wfID,
			SubscriberID: subID,
			Kind:         model.EventKind(kind),
			StepID:       stepID,
			StepKind:     model.StepKind(stepKind),
			Email:        email,
			Data:         data,
			Error:        errStr,
			CreatedAt:    createdAt,
		})
	}
	return out, rows.Err()
}
