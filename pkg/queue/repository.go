package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sendloop/automation-engine/pkg/db"
	"github.com/sendloop/automation-engine/pkg/model"
)

// Repository is the action queue's persistence layer: enqueue, lease-based
// dequeue, completion/failure transitions, cancellation, and orphan
// reclaim. Claims go through a FOR UPDATE SKIP LOCKED transaction so
// concurrent workers never hand out the same item twice.
type Repository struct {
	pool *db.Pool
}

// NewRepository constructs a Repository backed by pool.
func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Enqueue inserts a new queue item with status=pending, attempts=0. The
// partial unique index on (subscriber_id) WHERE status IN
// ('pending','processing') enforces at most one open item per subscriber;
// a violation surfaces as a pgx unique-violation error.
func (r *Repository) Enqueue(ctx context.Context, item model.QueueItem) (model.QueueItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.Status = model.QueuePending
	item.Attempts = 0

	_, err := r.pool.Exec(ctx, `
		INSERT INTO queue_items (id, workflow_id, subscriber_id, step_id, step_kind, scheduled_for, status, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0)
	`, item.ID, item.WorkflowID, item.SubscriberID, item.StepID, string(item.StepKind), item.ScheduledFor)
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("enqueue queue item: %w", err)
	}
	return item, nil
}

// Lease atomically selects up to maxItems entries with status=pending and
// scheduled_for <= now, flips them to processing, stamps lease_owner and
// lease_expires_at, and increments attempts. Ordering is ascending
// scheduled_for, tie-broken by creation time.
func (r *Repository) Lease(ctx context.Context, workerID string, maxItems int, leaseDuration time.Duration, now time.Time) ([]model.QueueItem, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin lease tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		WITH claimed AS (
			SELECT q.id FROM queue_items q
			JOIN workflows w ON w.id = q.workflow_id
			WHERE q.status = 'pending' AND q.scheduled_for <= $1 AND w.status = 'active'
			ORDER BY q.scheduled_for ASC, q.created_at ASC
			LIMIT $2
			FOR UPDATE OF q SKIP LOCKED
		)
		UPDATE queue_items AS q
		SET status = 'processing',
		    lease_owner = $3,
		    lease_expires_at = $1 + $4::interval,
		    attempts = q.attempts + 1,
		    last_attempt_at = $1
		FROM claimed
		WHERE q.id = claimed.id
		RETURNING q.id, q.workflow_id, q.subscriber_id, q.step_id, q.step_kind, q.scheduled_for,
		          q.status, q.attempts, q.last_attempt_at, q.lease_owner, q.lease_expires_at,
		          q.error, q.result, q.created_at
	`, now, maxItems, workerID, leaseDuration.String())
	if err != nil {
		return nil, fmt.Errorf("lease query: %w", err)
	}

	items, err := scanQueueItems(rows)
	if err != nil {
		return nil, err
	}
	rows.Close()

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit lease tx: %w", err)
	}
	if len(items) == 0 {
		return nil, ErrNoItemsAvailable
	}
	return items, nil
}

// Complete performs the terminal processing -> completed transition.
func (r *Repository) Complete(ctx context.Context, itemID string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE queue_items SET status = 'completed', result = $2
		WHERE id = $1 AND status = 'processing'
	`, itemID, resultJSON)
	if err != nil {
		return fmt.Errorf("complete queue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete queue item %s: not in processing state", itemID)
	}
	return nil
}

// Fail records an error against a processing item. If attempts have not
// exhausted policy.MaxAttempts and the error is transient, it reschedules
// the item with jittered exponential backoff; otherwise it marks the item
// failed, or dead_letter when retries ran out.
func (r *Repository) Fail(ctx context.Context, itemID string, errMsg string, transient bool, policy RetryPolicy, now time.Time) (FailOutcome, error) {
	var attempts int
	if err := r.pool.QueryRow(ctx, `SELECT attempts FROM queue_items WHERE id = $1`, itemID).Scan(&attempts); err != nil {
		return FailOutcome{}, fmt.Errorf("load attempts for %s: %w", itemID, err)
	}

	if transient && attempts < policy.MaxAttempts {
		retryAt := backoffInstant(now, attempts, policy)
		_, err := r.pool.Exec(ctx, `
			UPDATE queue_items
			SET status = 'pending', scheduled_for = $2, lease_owner = NULL, lease_expires_at = NULL, error = $3
			WHERE id = $1 AND status = 'processing'
		`, itemID, retryAt, errMsg)
		if err != nil {
			return FailOutcome{}, fmt.Errorf("reschedule failed item %s: %w", itemID, err)
		}
		return FailOutcome{RetryAt: &retryAt}, nil
	}

	status := "failed"
	if attempts >= policy.MaxAttempts {
		status = "dead_letter"
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE queue_items SET status = $2, error = $3
		WHERE id = $1 AND status = 'processing'
	`, itemID, status, errMsg)
	if err != nil {
		return FailOutcome{}, fmt.Errorf("mark failed item %s: %w", itemID, err)
	}
	return FailOutcome{Dead: status == "dead_letter"}, nil
}

// backoffInstant computes base * 2^(attempts-1), jittered by ±JitterFrac
// and capped at MaxDelay.
func backoffInstant(now time.Time, attempts int, policy RetryPolicy) time.Time {
	delay := float64(policy.BaseDelay) * math.Pow(2, float64(attempts-1))
	if cap := float64(policy.MaxDelay); delay > cap {
		delay = cap
	}
	jitter := delay * policy.JitterFrac * (rand.Float64()*2 - 1)
	delay += jitter
	if delay < 0 {
		delay = 0
	}
	return now.Add(time.Duration(delay))
}

// LoadByID loads a single queue item.
func (r *Repository) LoadByID(ctx context.Context, itemID string) (model.QueueItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, workflow_id, subscriber_id, step_id, step_kind, scheduled_for,
		       status, attempts, last_attempt_at, lease_owner, lease_expires_at,
		       error, result, created_at
		FROM queue_items WHERE id = $1
	`, itemID)
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("load queue item %s: %w", itemID, err)
	}
	defer rows.Close()

	items, err := scanQueueItems(rows)
	if err != nil {
		return model.QueueItem{}, err
	}
	if len(items) == 0 {
		return model.QueueItem{}, fmt.Errorf("queue item %s: %w", itemID, pgx.ErrNoRows)
	}
	return items[0], nil
}

// Cancel marks a single item cancelled regardless of pending/processing
// state; used when the owning workflow or subscriber turned out to be
// inactive after the item was leased.
func (r *Repository) Cancel(ctx context.Context, itemID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE queue_items SET status = 'cancelled', lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, itemID)
	if err != nil {
		return fmt.Errorf("cancel queue item %s: %w", itemID, err)
	}
	return nil
}

// CancelPredicate scopes a CancelWhere call.
type CancelPredicate struct {
	WorkflowID   string
	SubscriberID string // optional, empty means "all subscribers of WorkflowID"
}

// CancelWhere sets status=cancelled for all matching pending items. Used by
// the Lifecycle Controller's pause/archive and by the operator
// drain_workflow command.
func (r *Repository) CancelWhere(ctx context.Context, pred CancelPredicate) (int, error) {
	var tag interface {
		RowsAffected() int64
	}
	var err error
	if pred.SubscriberID != "" {
		tag, err = r.pool.Exec(ctx, `
			UPDATE queue_items SET status = 'cancelled'
			WHERE workflow_id = $1 AND subscriber_id = $2 AND status = 'pending'
		`, pred.WorkflowID, pred.SubscriberID)
	} else {
		tag, err = r.pool.Exec(ctx, `
			UPDATE queue_items SET status = 'cancelled'
			WHERE workflow_id = $1 AND status = 'pending'
		`, pred.WorkflowID)
	}
	if err != nil {
		return 0, fmt.Errorf("cancel queue items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RequeueFromNextActions re-creates queue items for every active
// subscriber of workflowID that carries a next_action but no open queue
// item — the state a workflow's subscribers are left in after Pause
// cancelled their pending items. Each item keeps the subscriber's
// preserved next_action_scheduled_for, so overdue steps fire on the next
// poll and future ones wait their turn.
func (r *Repository) RequeueFromNextActions(ctx context.Context, workflowID string) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO queue_items (id, workflow_id, subscriber_id, step_id, step_kind, scheduled_for, status, attempts)
		SELECT gen_random_uuid(), s.workflow_id, s.id, s.next_action_step_id, s.next_action_kind, s.next_action_scheduled_for, 'pending', 0
		FROM subscribers s
		WHERE s.workflow_id = $1
		  AND s.status = 'active'
		  AND s.next_action_step_id IS NOT NULL
		  AND NOT EXISTS (
			SELECT 1 FROM queue_items q
			WHERE q.subscriber_id = s.id AND q.status IN ('pending', 'processing')
		  )
	`, workflowID)
	if err != nil {
		return 0, fmt.Errorf("requeue subscribers for workflow %s: %w", workflowID, err)
	}
	return int(tag.RowsAffected()), nil
}

// ReclaimExpired returns processing items whose lease has expired back to
// pending. Idempotency keys at the step executor layer prevent duplicate
// user-visible side effects when the item is re-leased.
func (r *Repository) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = 'pending', lease_owner = NULL, lease_expires_at = NULL
		WHERE status = 'processing' AND lease_expires_at < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Reschedule pushes scheduled_for forward without touching status.
func (r *Repository) Reschedule(ctx context.Context, itemID string, scheduledFor time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE queue_items SET scheduled_for = $2 WHERE id = $1`, itemID, scheduledFor)
	if err != nil {
		return fmt.Errorf("reschedule item %s: %w", itemID, err)
	}
	return nil
}

// Defer releases a leased item back to pending with a new scheduled_for,
// un-counting the lease's attempt increment. Used when a send_email item
// is held back by the workflow throttle or send window: deferral is not a
// failure and must not consume a retry attempt.
func (r *Repository) Defer(ctx context.Context, itemID string, scheduledFor time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = 'pending', scheduled_for = $2,
		    lease_owner = NULL, lease_expires_at = NULL,
		    attempts = GREATEST(attempts - 1, 0)
		WHERE id = $1 AND status = 'processing'
	`, itemID, scheduledFor)
	if err != nil {
		return fmt.Errorf("defer item %s: %w", itemID, err)
	}
	return nil
}

// DepthByStatus reports queue depth per status, used by pkg/metrics.
func (r *Repository) DepthByStatus(ctx context.Context) (map[model.QueueStatus]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, count(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query queue depth: %w", err)
	}
	defer rows.Close()

	depth := map[model.QueueStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue depth row: %w", err)
		}
		depth[model.QueueStatus(status)] = count
	}
	return depth, rows.Err()
}

func scanQueueItems(rows pgx.Rows) ([]model.QueueItem, error) {
	var items []model.QueueItem
	for rows.Next() {
		var item model.QueueItem
		var stepKind, status string
		var leaseOwner, errMsg *string
		var resultJSON []byte
		if err := rows.Scan(
			&item.ID, &item.WorkflowID, &item.SubscriberID, &item.StepID, &stepKind,
			&item.ScheduledFor, &status, &item.Attempts, &item.LastAttemptAt,
			&leaseOwner, &item.LeaseExpiresAt, &errMsg, &resultJSON, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		item.StepKind = model.StepKind(stepKind)
		item.Status = model.QueueStatus(status)
		if leaseOwner != nil {
			item.LeaseOwner = *leaseOwner
		}
		if errMsg != nil {
			item.Error = *errMsg
		}
		if len(resultJSON) > 0 {
			if err := json.Unmarshal(resultJSON, &item.Result); err != nil {
				return nil, fmt.Errorf("unmarshal queue item result: %w", err)
			}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
