package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendloop/automation-engine/pkg/db"
	"github.com/sendloop/automation-engine/pkg/dbtest"
	"github.com/sendloop/automation-engine/pkg/model"
	"github.com/sendloop/automation-engine/pkg/queue"
)

// seedWorkflow inserts a minimal workflow row with the given status and
// returns its id;
// queue items carry a workflow foreign key and Lease joins on workflow
// status.
func seedWorkflow(t *testing.T, ctx context.Context, pool *db.Pool, status string) string {
	t.Helper()
	id := uuid.NewString()
	_, err := pool.Exec(ctx, `
		INSERT INTO workflows (id, tenant_id, name, status) VALUES ($1, $2, 'queue test', $3)
	`, id, uuid.NewString(), status)
	require.NoError(t, err)
	return id
}

func seedSubscriber(t *testing.T, ctx context.Context, pool *db.Pool, workflowID string) string {
	t.Helper()
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := pool.Exec(ctx, `
		INSERT INTO subscribers (id, workflow_id, contact_id, email, status, first_entered_at, last_entered_at)
		VALUES ($1, $2, $3, $4, 'active', $5, $5)
	`, id, workflowID, uuid.NewString(), uuid.NewString()+"@example.com", now)
	require.NoError(t, err)
	return id
}

func enqueue(t *testing.T, ctx context.Context, repo *queue.Repository, workflowID, subscriberID string, at time.Time) model.QueueItem {
	t.Helper()
	item, err := repo.Enqueue(ctx, model.QueueItem{
		WorkflowID:   workflowID,
		SubscriberID: subscriberID,
		StepID:       "s1",
		StepKind:     model.StepSendEmail,
		ScheduledFor: at,
	})
	require.NoError(t, err)
	return item
}

func TestLeaseReturnsDueItemsInOrder(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()
	repo := queue.NewRepository(pool)
	now := time.Now().UTC()

	wf := seedWorkflow(t, ctx, pool, "active")
	subLate := seedSubscriber(t, ctx, pool, wf)
	subEarly := seedSubscriber(t, ctx, pool, wf)
	subFuture := seedSubscriber(t, ctx, pool, wf)

	enqueue(t, ctx, repo, wf, subLate, now.Add(-1*time.Minute))
	early := enqueue(t, ctx, repo, wf, subEarly, now.Add(-5*time.Minute))
	enqueue(t, ctx, repo, wf, subFuture, now.Add(1*time.Hour))

	items, err := repo.Lease(ctx, "worker-1", 10, time.Minute, now)
	require.NoError(t, err)
	require.Len(t, items, 2, "future item must not be leased")
	assert.Equal(t, early.ID, items[0].ID, "earliest scheduled_for first")
	assert.Equal(t, model.QueueProcessing, items[0].Status)
	assert.Equal(t, 1, items[0].Attempts)
	assert.Equal(t, "worker-1", items[0].LeaseOwner)
	require.NotNil(t, items[0].LeaseExpiresAt)
	assert.True(t, items[0].LeaseExpiresAt.After(now))
}

func TestLeaseSkipsInactiveWorkflows(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()
	repo := queue.NewRepository(pool)
	now := time.Now().UTC()

	wf := seedWorkflow(t, ctx, pool, "paused")
	sub := seedSubscriber(t, ctx, pool, wf)
	enqueue(t, ctx, repo, wf, sub, now.Add(-time.Minute))

	_, err := repo.Lease(ctx, "worker-1", 10, time.Minute, now)
	require.ErrorIs(t, err, queue.ErrNoItemsAvailable,
		"pending items of a paused workflow sit until the workflow reactivates")
}

func TestAtMostOneOpenItemPerSubscriber(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()
	repo := queue.NewRepository(pool)
	now := time.Now().UTC()

	wf := seedWorkflow(t, ctx, pool, "active")
	sub := seedSubscriber(t, ctx, pool, wf)

	enqueue(t, ctx, repo, wf, sub, now)
	_, err := repo.Enqueue(ctx, model.QueueItem{
		WorkflowID:   wf,
		SubscriberID: sub,
		StepID:       "s2",
		StepKind:     model.StepWait,
		ScheduledFor: now,
	})
	require.Error(t, err, "second open item for the same subscriber must violate the partial unique index")
}

func TestFailTransientRetriesWithBackoff(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()
	repo := queue.NewRepository(pool)
	now := time.Now().UTC()

	wf := seedWorkflow(t, ctx, pool, "active")
	sub := seedSubscriber(t, ctx, pool, wf)
	enqueue(t, ctx, repo, wf, sub, now.Add(-time.Minute))

	items, err := repo.Lease(ctx, "worker-1", 1, time.Minute, now)
	require.NoError(t, err)
	item := items[0]

	policy := queue.RetryPolicy{MaxAttempts: 5, BaseDelay: 30 * time.Second, MaxDelay: time.Hour, JitterFrac: 0.2}
	out, err := repo.Fail(ctx, item.ID, "esp timeout", true, policy, now)
	require.NoError(t, err)
	require.NotNil(t, out.RetryAt)
	assert.False(t, out.Dead)
	assert.True(t, out.RetryAt.After(now.Add(20*time.Second)),
		"first retry must be pushed out by roughly base delay (minus jitter)")

	// Lease again at the retry instant: attempts reaches 2.
	items, err = repo.Lease(ctx, "worker-2", 1, time.Minute, out.RetryAt.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, items[0].Attempts)
	assert.Equal(t, "esp timeout", items[0].Error)
}

func TestFailExhaustedAttemptsDeadLetters(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()
	repo := queue.NewRepository(pool)
	now := time.Now().UTC()

	wf := seedWorkflow(t, ctx, pool, "active")
	sub := seedSubscriber(t, ctx, pool, wf)
	enqueue(t, ctx, repo, wf, sub, now.Add(-time.Minute))

	policy := queue.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, JitterFrac: 0}

	at := now
	var out queue.FailOutcome
	for i := 0; i < 2; i++ {
		items, err := repo.Lease(ctx, "worker-1", 1, time.Minute, at.Add(time.Second))
		require.NoError(t, err)
		out, err = repo.Fail(ctx, items[0].ID, "boom", true, policy, at.Add(time.Second))
		require.NoError(t, err)
		if out.RetryAt != nil {
			at = *out.RetryAt
		}
	}
	assert.True(t, out.Dead, "attempts >= max_attempts must dead-letter")

	depth, err := repo.DepthByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth[model.QueueDeadLetter])
}

func TestFailPermanentDoesNotRetry(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()
	repo := queue.NewRepository(pool)
	now := time.Now().UTC()

	wf := seedWorkflow(t, ctx, pool, "active")
	sub := seedSubscriber(t, ctx, pool, wf)
	enqueue(t, ctx, repo, wf, sub, now.Add(-time.Minute))

	items, err := repo.Lease(ctx, "worker-1", 1, time.Minute, now)
	require.NoError(t, err)

	out, err := repo.Fail(ctx, items[0].ID, "invalid address", false, queue.DefaultRetryPolicy(), now)
	require.NoError(t, err)
	assert.Nil(t, out.RetryAt)

	depth, err := repo.DepthByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth[model.QueueFailed])
}

func TestCompleteIsTerminal(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()
	repo := queue.NewRepository(pool)
	now := time.Now().UTC()

	wf := seedWorkflow(t, ctx, pool, "active")
	sub := seedSubscriber(t, ctx, pool, wf)
	enqueue(t, ctx, repo, wf, sub, now.Add(-time.Minute))

	items, err := repo.Lease(ctx, "worker-1", 1, time.Minute, now)
	require.NoError(t, err)

	require.NoError(t, repo.Complete(ctx, items[0].ID, map[string]any{"message_id": "m1"}))
	require.Error(t, repo.Complete(ctx, items[0].ID, nil), "completing twice must fail")

	loaded, err := repo.LoadByID(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueueCompleted, loaded.Status)
	assert.Equal(t, "m1", loaded.Result["message_id"])
}

func TestReclaimExpired(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()
	repo := queue.NewRepository(pool)
	now := time.Now().UTC()

	wf := seedWorkflow(t, ctx, pool, "active")
	sub := seedSubscriber(t, ctx, pool, wf)
	enqueue(t, ctx, repo, wf, sub, now.Add(-time.Minute))

	items, err := repo.Lease(ctx, "worker-1", 1, 10*time.Second, now)
	require.NoError(t, err)

	// Before lease expiry: nothing to reclaim.
	n, err := repo.ReclaimExpired(ctx, now.Add(5*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	// After expiry: item returns to pending and can be re-leased.
	n, err = repo.ReclaimExpired(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reLeased, err := repo.Lease(ctx, "worker-2", 1, time.Minute, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, items[0].ID, reLeased[0].ID)
	assert.Equal(t, 2, reLeased[0].Attempts)
}

func TestCancelWhere(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()
	repo := queue.NewRepository(pool)
	now := time.Now().UTC()

	wf := seedWorkflow(t, ctx, pool, "active")
	subA := seedSubscriber(t, ctx, pool, wf)
	subB := seedSubscriber(t, ctx, pool, wf)
	enqueue(t, ctx, repo, wf, subA, now)
	enqueue(t, ctx, repo, wf, subB, now)

	n, err := repo.CancelWhere(ctx, queue.CancelPredicate{WorkflowID: wf})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	depth, err := repo.DepthByStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth[model.QueuePending])
	assert.Equal(t, 2, depth[model.QueueCancelled])
}

func TestDeferReleasesLeaseWithoutConsumingAttempt(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()
	repo := queue.NewRepository(pool)
	now := time.Now().UTC()

	wf := seedWorkflow(t, ctx, pool, "active")
	sub := seedSubscriber(t, ctx, pool, wf)
	enqueue(t, ctx, repo, wf, sub, now.Add(-time.Minute))

	items, err := repo.Lease(ctx, "worker-1", 1, time.Minute, now)
	require.NoError(t, err)

	deferredTo := now.Add(time.Hour)
	require.NoError(t, repo.Defer(ctx, items[0].ID, deferredTo))

	loaded, err := repo.LoadByID(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueuePending, loaded.Status)
	assert.Zero(t, loaded.Attempts, "deferral is not a failed attempt")
	assert.WithinDuration(t, deferredTo, loaded.ScheduledFor, time.Second)
}
