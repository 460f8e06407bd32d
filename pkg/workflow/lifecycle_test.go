package workflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendloop/automation-engine/pkg/clock"
	"github.com/sendloop/automation-engine/pkg/db"
	"github.com/sendloop/automation-engine/pkg/dbtest"
	"github.com/sendloop/automation-engine/pkg/model"
	"github.com/sendloop/automation-engine/pkg/queue"
	"github.com/sendloop/automation-engine/pkg/subscriber"
	"github.com/sendloop/automation-engine/pkg/workflow"
)

type fixture struct {
	pool        *db.Pool
	store       *workflow.Store
	queue       *queue.Repository
	subscribers *subscriber.Store
	controller  *workflow.Controller
}

func newFixture(t *testing.T) (*fixture, context.Context) {
	pool := dbtest.Open(t)
	store := workflow.NewStore(pool)
	q := queue.NewRepository(pool)
	subs := subscriber.NewStore(pool)
	return &fixture{
		pool:        pool,
		store:       store,
		queue:       q,
		subscribers: subs,
		controller:  workflow.NewController(store, q, subs, clock.RealClock{}),
	}, context.Background()
}

func (f *fixture) createWorkflow(t *testing.T, ctx context.Context) model.Workflow {
	t.Helper()
	wf, err := f.store.Create(ctx, model.Workflow{
		TenantID: uuid.NewString(),
		Name:     "lifecycle test",
		Trigger:  model.TriggerSpec{Kind: model.TriggerManual},
		Steps: []model.Step{
			{ID: "s1", Order: 0, Kind: model.StepSendEmail, IsEntry: true, SendEmail: &model.SendEmailConfig{TemplateID: "tpl-1"}},
			{ID: "s2", Order: 1, Kind: model.StepWait, Wait: &model.WaitConfig{Value: 1, Unit: "days"}},
		},
	})
	require.NoError(t, err)
	return wf
}

func (f *fixture) enrollSubscriber(t *testing.T, ctx context.Context, workflowID string) model.Subscriber {
	t.Helper()
	now := time.Now().UTC()
	sub, err := f.subscribers.Create(ctx, model.Subscriber{
		WorkflowID:     workflowID,
		ContactID:      uuid.NewString(),
		Email:          uuid.NewString() + "@example.com",
		Status:         model.SubscriberActive,
		CurrentStep:    &model.CurrentStep{StepID: "s1", EnteredAt: now},
		NextAction:     &model.NextAction{StepID: "s1", ScheduledFor: now, Kind: model.StepSendEmail},
		EntryCount:     1,
		FirstEnteredAt: now,
		LastEnteredAt:  now,
	})
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, model.QueueItem{
		WorkflowID:   workflowID,
		SubscriberID: sub.ID,
		StepID:       "s1",
		StepKind:     model.StepSendEmail,
		ScheduledFor: now,
	})
	require.NoError(t, err)
	return sub
}

func TestActivateStampsActivatedAt(t *testing.T) {
	f, ctx := newFixture(t)
	wf := f.createWorkflow(t, ctx)

	require.NoError(t, f.controller.Activate(ctx, wf.ID))

	loaded, err := f.store.Load(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowActive, loaded.Status)
	require.NotNil(t, loaded.ActivatedAt)
}

func TestActivateRequiresDraft(t *testing.T) {
	f, ctx := newFixture(t)
	wf := f.createWorkflow(t, ctx)
	require.NoError(t, f.controller.Activate(ctx, wf.ID))

	err := f.controller.Activate(ctx, wf.ID)
	require.ErrorIs(t, err, workflow.ErrInvalidTransition)
}

func TestPauseCancelsPendingAndKeepsSubscribers(t *testing.T) {
	f, ctx := newFixture(t)
	wf := f.createWorkflow(t, ctx)
	require.NoError(t, f.controller.Activate(ctx, wf.ID))

	subs := make([]model.Subscriber, 3)
	for i := range subs {
		subs[i] = f.enrollSubscriber(t, ctx, wf.ID)
	}

	require.NoError(t, f.controller.Pause(ctx, wf.ID))

	var pending int
	require.NoError(t, f.pool.QueryRow(ctx, `
		SELECT count(*) FROM queue_items WHERE workflow_id = $1 AND status = 'pending'
	`, wf.ID).Scan(&pending))
	assert.Zero(t, pending, "pause must leave no pending queue items")

	for _, sub := range subs {
		loaded, err := f.subscribers.LoadByID(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SubscriberActive, loaded.Status, "subscribers stay active through a pause")
		assert.NotNil(t, loaded.NextAction, "next_action is preserved for resume")
	}

	// Resume re-creates one queue item per active subscriber from its
	// preserved next_action.
	require.NoError(t, f.controller.Resume(ctx, wf.ID))
	require.NoError(t, f.pool.QueryRow(ctx, `
		SELECT count(*) FROM queue_items WHERE workflow_id = $1 AND status = 'pending'
	`, wf.ID).Scan(&pending))
	assert.Equal(t, len(subs), pending)

	// Resuming again must not duplicate open items.
	require.NoError(t, f.controller.Pause(ctx, wf.ID))
	require.NoError(t, f.controller.Resume(ctx, wf.ID))
	var open int
	require.NoError(t, f.pool.QueryRow(ctx, `
		SELECT count(*) FROM queue_items WHERE workflow_id = $1 AND status IN ('pending','processing')
	`, wf.ID).Scan(&open))
	assert.Equal(t, len(subs), open)
}

func TestResumeRequiresPaused(t *testing.T) {
	f, ctx := newFixture(t)
	wf := f.createWorkflow(t, ctx)
	require.NoError(t, f.controller.Activate(ctx, wf.ID))

	require.ErrorIs(t, f.controller.Resume(ctx, wf.ID), workflow.ErrInvalidTransition)

	require.NoError(t, f.controller.Pause(ctx, wf.ID))
	require.NoError(t, f.controller.Resume(ctx, wf.ID))

	loaded, err := f.store.Load(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowActive, loaded.Status)
}

func TestArchiveTerminatesSubscribers(t *testing.T) {
	f, ctx := newFixture(t)
	wf := f.createWorkflow(t, ctx)
	require.NoError(t, f.controller.Activate(ctx, wf.ID))

	for i := 0; i < 2; i++ {
		f.enrollSubscriber(t, ctx, wf.ID)
	}

	result, err := f.controller.Archive(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, result.CancelledItems)
	assert.Equal(t, 2, result.TerminatedSubscribers)

	loaded, err := f.store.Load(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowArchived, loaded.Status)

	var active int
	require.NoError(t, f.pool.QueryRow(ctx, `
		SELECT count(*) FROM subscribers WHERE workflow_id = $1 AND status = 'active'
	`, wf.ID).Scan(&active))
	assert.Zero(t, active)

	var reason string
	require.NoError(t, f.pool.QueryRow(ctx, `
		SELECT exit_reason FROM subscribers WHERE workflow_id = $1 LIMIT 1
	`, wf.ID).Scan(&reason))
	assert.Equal(t, "automation_archived", reason)
}

func TestArchiveFromDraftRejected(t *testing.T) {
	f, ctx := newFixture(t)
	wf := f.createWorkflow(t, ctx)

	_, err := f.controller.Archive(ctx, wf.ID)
	require.ErrorIs(t, err, workflow.ErrInvalidTransition)
}

func TestListActiveByTrigger(t *testing.T) {
	f, ctx := newFixture(t)
	wf := f.createWorkflow(t, ctx)
	require.NoError(t, f.controller.Activate(ctx, wf.ID))

	// A draft workflow with the same trigger must not match.
	f.createWorkflow(t, ctx)

	matches, err := f.store.ListActiveByTrigger(ctx, model.TriggerManual)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, wf.ID, matches[0].ID)
	require.Len(t, matches[0].Steps, 2, "steps round-trip through JSONB")
}
