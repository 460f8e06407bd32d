package subscriber_test

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
	"github.com/sendloop/automation-engine/pkg/subscriber"
)

func seedWorkflow(t *testing.T, ctx context.Context, pool *db.Pool) string {
	t.Helper()
	id := uuid.NewString()
	_, err := pool.Exec(ctx, `
		INSERT INTO workflows (id, tenant_id, name, status) VALUES ($1, $2, 'store test', 'active')
	`, id, uuid.NewString())
	require.NoError(t, err)
	return id
}

func newActiveSubscriber(workflowID, email string, now time.Time) model.Subscriber {
	return model.Subscriber{
		WorkflowID:     workflowID,
		ContactID:      uuid.NewString(),
		Email:          email,
		Status:         model.SubscriberActive,
		CurrentStep:    &model.CurrentStep{StepID: "s1", EnteredAt: now},
		NextAction:     &model.NextAction{StepID: "s1", ScheduledFor: now, Kind: model.StepSendEmail},
		EntryCount:     1,
		FirstEnteredAt: now,
		LastEnteredAt:  now,
	}
}

func workflowStats(t *testing.T, ctx context.Context, pool *db.Pool, workflowID string) map[string]any {
	t.Helper()
	var stats map[string]any
	require.NoError(t, pool.QueryRow(ctx, `SELECT stats FROM workflows WHERE id = $1`, workflowID).Scan(&stats))
	return stats
}

func TestCreateAndLoad(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()
	store := subscriber.NewStore(pool)
	now := time.Now().UTC().Truncate(time.Millisecond)

	wf := seedWorkflow(t, ctx, pool)
	created, err := store.Create(ctx, newActiveSubscriber(wf, "alice@example.com", now))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	loaded, err := store.LoadByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriberActive, loaded.Status)
	assert.Equal(t, "alice@example.com", loaded.Email)
	require.NotNil(t, loaded.CurrentStep)
	assert.Equal(t, "s1", loaded.CurrentStep.StepID)
	require.NotNil(t, loaded.NextAction)
	assert.Equal(t, model.StepSendEmail, loaded.NextAction.Kind)

	stats := workflowStats(t, ctx, pool, wf)
	assert.EqualValues(t, 1, stats["total_entered"])
	assert.EqualValues(t, 1, stats["currently_active"])
}

func TestLoadByIDMissing(t *testing.T) {
	pool := dbtest.Open(t)
	store := subscriber.NewStore(pool)

	_, err := store.LoadByID(context.Background(), uuid.NewString())
	require.ErrorIs(t, err, subscriber.ErrNotFound)
}

func TestUniqueActivePerWorkflowAndEmail(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()
	store := subscriber.NewStore(pool)
	now := time.Now().UTC()

	wf := seedWorkflow(t, ctx, pool)
	_, err := store.Create(ctx, newActiveSubscriber(wf, "alice@example.com", now))
	require.NoError(t, err)

	_, err = store.Create(ctx, newActiveSubscriber(wf, "alice@example.com", now))
	require.Error(t, err, "two active subscribers for one (workflow, email) must be rejected")
}

func TestCountByWorkflowAndEmail(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()
	store := subscriber.NewStore(pool)
	now := time.Now().UTC().Truncate(time.Millisecond)

	wf := seedWorkflow(t, ctx, pool)
	count, last, err := store.CountByWorkflowAndEmail(ctx, wf, "alice@example.com")
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Nil(t, last)

	created, err := store.Create(ctx, newActiveSubscriber(wf, "alice@example.com", now))
	require.NoError(t, err)
	require.NoError(t, store.Terminate(ctx, created, nil, "", "completed", model.SubscriberCompleted))

	count, last, err = store.CountByWorkflowAndEmail(ctx, wf, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.NotNil(t, last)
	assert.WithinDuration(t, now, *last, time.Second)
}

func TestAdvanceMovesCurrentStepAndEnqueuesSuccessor(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()
	store := subscriber.NewStore(pool)
	now := time.Now().UTC().Truncate(time.Millisecond)

	wf := seedWorkflow(t, ctx, pool)
	sub, err := store.Create(ctx, newActiveSubscriber(wf, "alice@example.com", now))
	require.NoError(t, err)

	itemID := uuid.NewString()
	_, err = pool.Exec(ctx, `
		INSERT INTO queue_items (id, workflow_id, subscriber_id, step_id, step_kind, scheduled_for, status, attempts)
		VALUES ($1, $2, $3, 's1', 'send_email', $4, 'processing', 1)
	`, itemID, wf, sub.ID, now)
	require.NoError(t, err)

	entry := model.HistoryEntry{
		StepID:      "s1",
		Kind:        model.StepSendEmail,
		Outcome:     model.OutcomeCompleted,
		EnteredAt:   now,
		CompletedAt: now.Add(time.Second),
		Payload:     map[string]any{"message_id": "m1"},
	}
	next := &subscriber.NextStep{StepID: "s2", Kind: model.StepWait, ScheduledFor: now.Add(48 * time.Hour)}
	require.NoError(t, store.Advance(ctx, sub, entry, itemID, next))

	loaded, err := store.LoadByID(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, loaded.History, 1)
	assert.Equal(t, "s1", loaded.History[0].StepID)
	assert.Equal(t, "m1", loaded.History[0].Payload["message_id"])
	require.NotNil(t, loaded.CurrentStep)
	assert.Equal(t, "s2", loaded.CurrentStep.StepID)
	require.NotNil(t, loaded.NextAction)
	assert.WithinDuration(t, now.Add(48*time.Hour), loaded.NextAction.ScheduledFor, time.Second)

	// Exactly one open queue item, the successor.
	var openCount int
	var openStep string
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT count(*), min(step_id) FROM queue_items
		WHERE subscriber_id = $1 AND status IN ('pending', 'processing')
	`, sub.ID).Scan(&openCount, &openStep))
	assert.Equal(t, 1, openCount)
	assert.Equal(t, "s2", openStep)
}

func TestAdvanceSuppressedWhenNotActive(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()
	store := subscriber.NewStore(pool)
	now := time.Now().UTC()

	wf := seedWorkflow(t, ctx, pool)
	sub, err := store.Create(ctx, newActiveSubscriber(wf, "alice@example.com", now))
	require.NoError(t, err)
	require.NoError(t, store.Terminate(ctx, sub, nil, "", "automation_archived", model.SubscriberExited))

	entry := model.HistoryEntry{StepID: "s1", Kind: model.StepSendEmail, Outcome: model.OutcomeCompleted, EnteredAt: now, CompletedAt: now}
	next := &subscriber.NextStep{StepID: "s2", Kind: model.StepWait, ScheduledFor: now}
	require.NoError(t, store.Advance(ctx, sub, entry, uuid.NewString(), next),
		"advance against a terminated subscriber is a suppressed no-op")

	loaded, err := store.LoadByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Empty(t, loaded.History)
	assert.Nil(t, loaded.CurrentStep)
}

func TestTerminateClearsStateAndCounters(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()
	store := subscriber.NewStore(pool)
	now := time.Now().UTC()

	wf := seedWorkflow(t, ctx, pool)
	sub, err := store.Create(ctx, newActiveSubscriber(wf, "alice@example.com", now))
	require.NoError(t, err)

	entry := model.HistoryEntry{StepID: "s1", Kind: model.StepGoalCheck, Outcome: model.OutcomeCompleted, EnteredAt: now, CompletedAt: now}
	require.NoError(t, store.Terminate(ctx, sub, &entry, "", "goal_reached", model.SubscriberCompleted))

	loaded, err := store.LoadByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriberCompleted, loaded.Status)
	assert.Nil(t, loaded.CurrentStep)
	assert.Nil(t, loaded.NextAction)
	assert.Equal(t, "goal_reached", loaded.ExitReason)
	require.NotNil(t, loaded.ExitedAt)
	require.Len(t, loaded.History, 1)

	stats := workflowStats(t, ctx, pool, wf)
	assert.EqualValues(t, 0, stats["currently_active"])
	assert.EqualValues(t, 1, stats["completed"])
}

func TestTerminateAllActiveForWorkflow(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()
	store := subscriber.NewStore(pool)
	now := time.Now().UTC()

	wf := seedWorkflow(t, ctx, pool)
	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		_, err := store.Create(ctx, newActiveSubscriber(wf, email, now))
		require.NoError(t, err)
	}

	n, err := store.TerminateAllActiveForWorkflow(ctx, wf, "automation_archived")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var active int
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT count(*) FROM subscribers WHERE workflow_id = $1 AND status = 'active'
	`, wf).Scan(&active))
	assert.Zero(t, active)

	stats := workflowStats(t, ctx, pool, wf)
	assert.EqualValues(t, 0, stats["currently_active"])
	assert.EqualValues(t, 3, stats["exited"])
}
