// Package subscriber implements the subscriber state store: per-subscriber
// current-step pointer, status, append-only history, and entry/exit
// counters.
package subscriber

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

// ErrNotFound is returned when a subscriber lookup misses.
var ErrNotFound = errors.New("subscriber: not found")

// Store is the subscriber state store's persistence layer. Every mutation
// runs inside a single transaction; partial state is never visible.
type Store struct {
	pool *db.Pool
}

// NewStore constructs a Store backed by pool.
func NewStore(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

// NextStep describes the queue item to create as part of an Advance commit.
type NextStep struct {
	StepID       string
	Kind         model.StepKind
	ScheduledFor time.Time
}

// Create inserts a newly-enrolled subscriber and, in the same transaction,
// bumps the workflow's total_entered/currently_active counters and the
// entry step's step_stats.entered counter.
func (s *Store) Create(ctx context.Context, sub model.Subscriber) (model.Subscriber, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	historyJSON, err := json.Marshal(sub.History)
	if err != nil {
		return model.Subscriber{}, fmt.Errorf("marshal history: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Subscriber{}, fmt.Errorf("begin create tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO subscribers (
			id, workflow_id, contact_id, email, status,
			current_step_id, current_entered_at,
			next_action_step_id, next_action_scheduled_for, next_action_kind,
			history, entry_count, first_entered_at, last_entered_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`,
		sub.ID, sub.WorkflowID, sub.ContactID, sub.Email, string(sub.Status),
		currentStepID(sub.CurrentStep), currentEnteredAt(sub.CurrentStep),
		nextActionStepID(sub.NextAction), nextActionScheduledFor(sub.NextAction), nextActionKind(sub.NextAction),
		historyJSON, sub.EntryCount, sub.FirstEnteredAt, sub.LastEnteredAt,
	); err != nil {
		return model.Subscriber{}, fmt.Errorf("insert subscriber: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE workflows SET stats = jsonb_set(
			jsonb_set(stats, '{total_entered}', to_jsonb(COALESCE((stats->>'total_entered')::int, 0) + 1)),
			'{currently_active}', to_jsonb(COALESCE((stats->>'currently_active')::int, 0) + 1)
		) WHERE id = $1
	`, sub.WorkflowID); err != nil {
		return model.Subscriber{}, fmt.Errorf("bump entry counters for workflow %s: %w", sub.WorkflowID, err)
	}
	if sub.CurrentStep != nil {
		if err := bumpStepEntered(ctx, tx, sub.WorkflowID, sub.CurrentStep.StepID); err != nil {
			return model.Subscriber{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Subscriber{}, fmt.Errorf("commit create tx: %w", err)
	}
	return sub, nil
}

// LoadByID loads a subscriber by id.
func (s *Store) LoadByID(ctx context.Context, id string) (model.Subscriber, error) {
	row := s.pool.QueryRow(ctx, selectSubscriberSQL+" WHERE id = $1", id)
	return scanSubscriber(row)
}

// LoadActiveByWorkflowAndEmail loads the single active subscriber for
// (workflow, email); the partial unique index guarantees at most one
// exists.
func (s *Store) LoadActiveByWorkflowAndEmail(ctx context.Context, workflowID, email string) (model.Subscriber, error) {
	row := s.pool.QueryRow(ctx, selectSubscriberSQL+" WHERE workflow_id = $1 AND email = $2 AND status = 'active'", workflowID, email)
	return scanSubscriber(row)
}

// CountByWorkflowAndEmail returns the total number of subscriber rows ever
// created for (workflow, email) and the most recent entry time, used by
// the Trigger Router's max_entries_per_contact / reentry_wait_days checks.
func (s *Store) CountByWorkflowAndEmail(ctx context.Context, workflowID, email string) (count int, lastEnteredAt *time.Time, err error) {
	row := s.pool.QueryRow(ctx, `
		SELECT count(*), max(last_entered_at) FROM subscribers WHERE workflow_id = $1 AND email = $2
	`, workflowID, email)
	if err := row.Scan(&count, &lastEnteredAt); err != nil {
		return 0, nil, fmt.Errorf("count subscribers for %s/%s: %w", workflowID, email, err)
	}
	return count, lastEnteredAt, nil
}

// Advance commits one step transition atomically: append a history entry
// for the completed step, move current_step to next, update next_action
// from the newly enqueued item, and bump the workflow's per-step counters
// — all in one transaction, along with marking the prior queue item
// completed and inserting the successor queue item (if any). If the
// subscriber is no longer active (e.g. force-terminated by an Archive that
// raced this commit), Advance is a no-op and the transition is suppressed.
func (s *Store) Advance(ctx context.Context, sub model.Subscriber, completed model.HistoryEntry, completedQueueItemID string, next *NextStep) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin advance tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status string
	if err := tx.QueryRow(ctx, `SELECT status FROM subscribers WHERE id = $1 FOR UPDATE`, sub.ID).Scan(&status); err != nil {
		return fmt.Errorf("lock subscriber %s: %w", sub.ID, err)
	}
	if status != string(model.SubscriberActive) {
		return nil // suppressed: subscriber already terminated by a concurrent lifecycle action
	}

	if _, err := tx.Exec(ctx, `UPDATE queue_items SET status = 'completed' WHERE id = $1 AND status = 'processing'`, completedQueueItemID); err != nil {
		return fmt.Errorf("complete queue item %s: %w", completedQueueItemID, err)
	}

	sub.History = append(sub.History, completed)
	historyJSON, err := json.Marshal(sub.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	if next != nil {
		if _, err := tx.Exec(ctx, `
			UPDATE subscribers SET
				history = $2,
				current_step_id = $3, current_entered_at = $4,
				next_action_step_id = $3, next_action_scheduled_for = $5, next_action_kind = $6
			WHERE id = $1
		`, sub.ID, historyJSON, next.StepID, time.Now().UTC(), next.ScheduledFor, string(next.Kind)); err != nil {
			return fmt.Errorf("advance subscriber %s: %w", sub.ID, err)
		}

		newItemID := uuid.NewString()
		if _, err := tx.Exec(ctx, `
			INSERT INTO queue_items (id, workflow_id, subscriber_id, step_id, step_kind, scheduled_for, status, attempts)
			VALUES ($1,$2,$3,$4,$5,$6,'pending',0)
		`, newItemID, sub.WorkflowID, sub.ID, next.StepID, string(next.Kind), next.ScheduledFor); err != nil {
			return fmt.Errorf("enqueue successor for subscriber %s: %w", sub.ID, err)
		}
		if err := bumpStepEntered(ctx, tx, sub.WorkflowID, next.StepID); err != nil {
			return err
		}
	} else {
		// Linear fallthrough with no successor: step executed but produced no
		// transition (should not normally happen; callers use Terminate for
		// terminal transitions instead).
		if _, err := tx.Exec(ctx, `UPDATE subscribers SET history = $2 WHERE id = $1`, sub.ID, historyJSON); err != nil {
			return fmt.Errorf("append history for subscriber %s: %w", sub.ID, err)
		}
	}

	if err := bumpStepCounter(ctx, tx, sub.WorkflowID, completed.StepID, completed.Outcome); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit advance tx: %w", err)
	}
	return nil
}

// Terminate moves a subscriber into a terminal status, clearing
// current_step and next_action, stamping exited_at, and adjusting the
// workflow's currently_active / terminal counters. If completedQueueItemID
// is non-empty it is marked completed; pass empty when the queue item was
// already finalized by the caller (e.g. Repository.Fail already marked it
// dead_letter).
func (s *Store) Terminate(ctx context.Context, sub model.Subscriber, completed *model.HistoryEntry, completedQueueItemID, reason string, status model.SubscriberStatus) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin terminate tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var currentStatus string
	if err := tx.QueryRow(ctx, `SELECT status FROM subscribers WHERE id = $1 FOR UPDATE`, sub.ID).Scan(&currentStatus); err != nil {
		return fmt.Errorf("lock subscriber %s: %w", sub.ID, err)
	}
	if currentStatus != string(model.SubscriberActive) {
		return nil // already terminal; suppressed
	}

	if completedQueueItemID != "" {
		if _, err := tx.Exec(ctx, `UPDATE queue_items SET status = 'completed' WHERE id = $1 AND status = 'processing'`, completedQueueItemID); err != nil {
			return fmt.Errorf("complete queue item %s: %w", completedQueueItemID, err)
		}
	}

	if completed != nil {
		sub.History = append(sub.History, *completed)
	}
	historyJSON, err := json.Marshal(sub.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE subscribers SET
			status = $2, history = $3,
			current_step_id = NULL, current_entered_at = NULL,
			next_action_step_id = NULL, next_action_scheduled_for = NULL, next_action_kind = NULL,
			exit_reason = $4, exited_at = $5
		WHERE id = $1
	`, sub.ID, string(status), historyJSON, reason, now); err != nil {
		return fmt.Errorf("terminate subscriber %s: %w", sub.ID, err)
	}

	if completed != nil {
		if err := bumpStepCounter(ctx, tx, sub.WorkflowID, completed.StepID, completed.Outcome); err != nil {
			return err
		}
	}
	if err := bumpTerminalCounter(ctx, tx, sub.WorkflowID, status); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit terminate tx: %w", err)
	}
	return nil
}

// TerminateAllActiveForWorkflow forcibly terminates every active
// subscriber of workflowID with the given reason, used by the lifecycle
// controller's Archive. Unlike Terminate, this is a single bulk statement
// rather than a per-subscriber transaction — Archive applies to all
// subscribers at once, with no individual suppression checks.
func (s *Store) TerminateAllActiveForWorkflow(ctx context.Context, workflowID, reason string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin terminate-all tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE subscribers SET
			status = 'exited', exit_reason = $2, exited_at = $3,
			current_step_id = NULL, current_entered_at = NULL,
			next_action_step_id = NULL, next_action_scheduled_for = NULL, next_action_kind = NULL
		WHERE workflow_id = $1 AND status = 'active'
	`, workflowID, reason, now)
	if err != nil {
		return 0, fmt.Errorf("terminate all active subscribers for workflow %s: %w", workflowID, err)
	}
	count := int(tag.RowsAffected())

	if count > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE workflows SET stats = jsonb_set(
				jsonb_set(stats, '{currently_active}', '0'),
				'{exited}', to_jsonb(COALESCE((stats->>'exited')::int, 0) + $2)
			) WHERE id = $1
		`, workflowID, count); err != nil {
			return 0, fmt.Errorf("bump exited counter for workflow %s: %w", workflowID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit terminate-all tx: %w", err)
	}
	return count, nil
}

// bumpStepCounter increments step_stats->stepID->{completed|failed} — kept
// separate from the workflow-level stats.completed/exited counters
// bumpTerminalCounter maintains, since a step completing is not the same
// event as a subscriber reaching a terminal status.
func bumpStepCounter(ctx context.Context, tx pgx.Tx, workflowID, stepID string, outcome model.StepOutcome) error {
	field := "completed"
	if outcome == model.OutcomeFailed {
		field = "failed"
	}
	if err := bumpStepStat(ctx, tx, workflowID, stepID, field); err != nil {
		return fmt.Errorf("bump step counter %q for workflow %s step %s: %w", field, workflowID, stepID, err)
	}
	return nil
}

// bumpStepEntered increments step_stats->stepID->entered, called whenever a
// subscriber's current_step moves onto stepID.
func bumpStepEntered(ctx context.Context, tx pgx.Tx, workflowID, stepID string) error {
	if err := bumpStepStat(ctx, tx, workflowID, stepID, "entered"); err != nil {
		return fmt.Errorf("bump step entered counter for workflow %s step %s: %w", workflowID, stepID, err)
	}
	return nil
}

func bumpStepStat(ctx context.Context, tx pgx.Tx, workflowID, stepID, field string) error {
	_, err := tx.Exec(ctx, `
		UPDATE workflows SET step_stats = jsonb_set(
			jsonb_set(step_stats, ARRAY[$2], COALESCE(step_stats->$2, '{}'), true),
			ARRAY[$2, $3],
			to_jsonb(COALESCE((step_stats #>> ARRAY[$2, $3])::int, 0) + 1),
			true
		) WHERE id = $1
	`, workflowID, stepID, field)
	return err
}

func bumpTerminalCounter(ctx context.Context, tx pgx.Tx, workflowID string, status model.SubscriberStatus) error {
	field := "exited"
	switch status {
	case model.SubscriberCompleted:
		field = "completed"
	case model.SubscriberFailed:
		field = "exited" // failed subscribers are still counted as exited overall; failure detail lives in the event log
	}
	_, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE workflows SET stats = jsonb_set(
			jsonb_set(stats, '{currently_active}', to_jsonb(GREATEST(COALESCE((stats->>'currently_active')::int,0) - 1, 0))),
			'{%s}', to_jsonb(COALESCE((stats->>%s)::int, 0) + 1)
		) WHERE id = $1
	`, field, "'"+field+"'"), workflowID)
	if err != nil {
		return fmt.Errorf("bump terminal counter %q for workflow %s: %w", field, workflowID, err)
	}
	return nil
}

const selectSubscriberSQL = `
	SELECT id, workflow_id, contact_id, email, status,
	       current_step_id, current_entered_at,
	       next_action_step_id, next_action_scheduled_for, next_action_kind,
	       history, entry_count, first_entered_at, last_entered_at, exit_reason, exited_at
	FROM subscribers
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(row rowScanner) (model.Subscriber, error) {
	var sub model.Subscriber
	var status string
	var currentStepID, nextActionStepID, nextActionKind, exitReason *string
	var currentEnteredAt, nextActionScheduledFor *time.Time
	var historyJSON []byte

	if err := row.Scan(
		&sub.ID, &sub.WorkflowID, &sub.ContactID, &sub.Email, &status,
		&currentStepID, &currentEnteredAt,
		&nextActionStepID, &nextActionScheduledFor, &nextActionKind,
		&historyJSON, &sub.EntryCount, &sub.FirstEnteredAt, &sub.LastEnteredAt, &exitReason, &sub.ExitedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Subscriber{}, ErrNotFound
		}
		return model.Subscriber{}, fmt.Errorf("scan subscriber: %w", err)
	}

	sub.Status = model.SubscriberStatus(status)
	if currentStepID != nil {
		sub.CurrentStep = &model.CurrentStep{StepID: *currentStepID, EnteredAt: *currentEnteredAt}
	}
	if nextActionStepID != nil {
		sub.NextAction = &model.NextAction{
			StepID:       *nextActionStepID,
			ScheduledFor: *nextActionScheduledFor,
			Kind:         model.StepKind(*nextActionKind),
		}
	}
	if exitReason != nil {
		sub.ExitReason = *exitReason
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &sub.History); err != nil {
			return model.Subscriber{}, fmt.Errorf("unmarshal history: %w", err)
		}
	}
	return sub, nil
}

func currentStepID(c *model.CurrentStep) *string {
	if c == nil {
		return nil
	}
	return &c.StepID
}

func currentEnteredAt(c *model.CurrentStep) *time.Time {
	if c == nil {
		return nil
	}
	return &c.EnteredAt
}

func nextActionStepID(n *model.NextAction) *string {
	if n == nil {
		return nil
	}
	return &n.StepID
}

func nextActionScheduledFor(n *model.NextAction) *time.Time {
	if n == nil {
		return nil
	}
	return &n.ScheduledFor
}

func nextActionKind(n *model.NextAction) *string {
	if n == nil {
		return nil
	}
	s := string(n.Kind)
	return &s
}
