// Package workflow implements the Workflow Lifecycle Controller: workflow
// definition storage, activation/pause/resume/archive transitions, and
// validation.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sendloop/automation-engine/pkg/db"
	"github.com/sendloop/automation-engine/pkg/model"
)

// ErrNotFound is returned when a workflow lookup misses.
var ErrNotFound = errors.New("workflow: not found")

// Store is the workflow definition's persistence layer.
type Store struct {
	pool *db.Pool
}

// NewStore constructs a Store backed by pool.
func NewStore(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

// Create inserts a new draft workflow.
func (s *Store) Create(ctx context.Context, wf model.Workflow) (model.Workflow, error) {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.Status == "" {
		wf.Status = model.WorkflowDraft
	}
	trigger, err := json.Marshal(wf.Trigger)
	if err != nil {
		return model.Workflow{}, fmt.Errorf("marshal trigger: %w", err)
	}
	entry, err := json.Marshal(wf.EntryCond)
	if err != nil {
		return model.Workflow{}, fmt.Errorf("marshal entry condition: %w", err)
	}
	exit, err := json.Marshal(wf.ExitCond)
	if err != nil {
		return model.Workflow{}, fmt.Errorf("marshal exit condition: %w", err)
	}
	throttle, err := json.Marshal(wf.Throttle)
	if err != nil {
		return model.Workflow{}, fmt.Errorf("marshal throttle: %w", err)
	}
	var sendWindow []byte
	if wf.SendWindow != nil {
		sendWindow, err = json.Marshal(wf.SendWindow)
		if err != nil {
			return model.Workflow{}, fmt.Errorf("marshal send window: %w", err)
		}
	}
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return model.Workflow{}, fmt.Errorf("marshal steps: %w", err)
	}
	stats, err := json.Marshal(wf.Stats)
	if err != nil {
		return model.Workflow{}, fmt.Errorf("marshal stats: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflows (id, tenant_id, name, status, trigger, entry_condition, exit_condition, throttle, send_window, timezone, steps, stats)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, wf.ID, wf.TenantID, wf.Name, string(wf.Status), trigger, entry, exit, throttle, sendWindow, wf.Timezone, steps, stats)
	if err != nil {
		return model.Workflow{}, fmt.Errorf("insert workflow: %w", err)
	}
	return wf, nil
}

// Load loads a workflow by id.
func (s *Store) Load(ctx context.Context, id string) (model.Workflow, error) {
	row := s.pool.QueryRow(ctx, selectWorkflowSQL+" WHERE id = $1", id)
	return scanWorkflow(row)
}

// ListActiveByTrigger returns active workflows whose trigger kind matches
// kind, used by the Trigger Router to resolve candidate workflows.
func (s *Store) ListActiveByTrigger(ctx context.Context, kind model.TriggerKind) ([]model.Workflow, error) {
	rows, err := s.pool.Query(ctx, selectWorkflowSQL+` WHERE status = 'active' AND trigger->>'kind' = $1`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("query workflows by trigger %q: %w", kind, err)
	}
	defer rows.Close()

	var out []model.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// ListActive returns every active workflow.
func (s *Store) ListActive(ctx context.Context) ([]model.Workflow, error) {
	rows, err := s.pool.Query(ctx, selectWorkflowSQL+` WHERE status = 'active'`)
	if err != nil {
		return nil, fmt.Errorf("query active workflows: %w", err)
	}
	defer rows.Close()

	var out []model.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// BumpStat increments one workflow-level counter field (e.g. emails_sent,
// emails_opened) by delta.
func (s *Store) BumpStat(ctx context.Context, id string, field string, delta int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflows SET stats = jsonb_set(
			stats, ARRAY[$2], to_jsonb(COALESCE((stats->>$2)::int, 0) + $3)
		) WHERE id = $1
	`, id, field, delta)
	if err != nil {
		return fmt.Errorf("bump stat %q for workflow %s: %w", field, id, err)
	}
	return nil
}

// SetStatus transitions status and optionally stamps activated_at.
func (s *Store) SetStatus(ctx context.Context, id string, status model.WorkflowStatus, activatedAt *time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflows SET status = $2, activated_at = COALESCE($3, activated_at), updated_at = now()
		WHERE id = $1
	`, id, string(status), activatedAt)
	if err != nil {
		return fmt.Errorf("set workflow %s status: %w", id, err)
	}
	return nil
}

const selectWorkflowSQL = `
	SELECT id, tenant_id, name, status, trigger, entry_condition, exit_condition, throttle, send_window, timezone, steps, stats, activated_at, created_at, updated_at
	FROM workflows
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (model.Workflow, error) {
	var wf model.Workflow
	var status string
	var triggerJSON, entryJSON, exitJSON, throttleJSON, sendWindowJSON, stepsJSON, statsJSON []byte

	if err := row.Scan(
		&wf.ID, &wf.TenantID, &wf.Name, &status,
		&triggerJSON, &entryJSON, &exitJSON, &throttleJSON, &sendWindowJSON,
		&wf.Timezone, &stepsJSON, &statsJSON, &wf.ActivatedAt, &wf.CreatedAt, &wf.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Workflow{}, ErrNotFound
		}
		return model.Workflow{}, fmt.Errorf("scan workflow: %w", err)
	}
	wf.Status = model.WorkflowStatus(status)

	if err := json.Unmarshal(triggerJSON, &wf.Trigger); err != nil {
		return model.Workflow{}, fmt.Errorf("unmarshal trigger: %w", err)
	}
	if err := json.Unmarshal(entryJSON, &wf.EntryCond); err != nil {
		return model.Workflow{}, fmt.Errorf("unmarshal entry condition: %w", err)
	}
	if err := json.Unmarshal(exitJSON, &wf.ExitCond); err != nil {
		return model.Workflow{}, fmt.Errorf("unmarshal exit condition: %w", err)
	}
	if err := json.Unmarshal(throttleJSON, &wf.Throttle); err != nil {
		return model.Workflow{}, fmt.Errorf("unmarshal throttle: %w", err)
	}
	if len(sendWindowJSON) > 0 {
		wf.SendWindow = &model.SendWindowSpec{}
		if err := json.Unmarshal(sendWindowJSON, wf.SendWindow); err != nil {
			return model.Workflow{}, fmt.Errorf("unmarshal send window: %w", err)
		}
	}
	if err := json.Unmarshal(stepsJSON, &wf.Steps); err != nil {
		return model.Workflow{}, fmt.Errorf("unmarshal steps: %w", err)
	}
	if err := json.Unmarshal(statsJSON, &wf.Stats); err != nil {
		return model.Workflow{}, fmt.Errorf("unmarshal stats: %w", err)
	}
	return wf, nil
}
