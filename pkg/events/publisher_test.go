package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sendloop/automation-engine/pkg/db"
	"github.com/sendloop/automation-engine/pkg/dbtest"
	"github.com/sendloop/automation-engine/pkg/events"
	"github.com/sendloop/automation-engine/pkg/model"
)

func TestPublisherPublishPersistsAndNotifies(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()

	workflowID := insertWorkflow(t, ctx, pool)
	pub := events.NewPublisher(pool)

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()
	_, err = conn.Exec(ctx, "LISTEN \""+events.WorkflowChannel(workflowID)+"\"")
	require.NoError(t, err)

	err = pub.Publish(ctx, model.Event{
		WorkflowID: workflowID,
		Kind:       model.EventSubscriberEntered,
		Email:      "a@example.com",
		Data:       map[string]any{"trigger_kind": "manual"},
	})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	notification, err := conn.Conn().WaitForNotification(waitCtx)
	require.NoError(t, err)
	require.Equal(t, events.WorkflowChannel(workflowID), notification.Channel)

	reader := events.NewReader(pool)
	recent, err := reader.Recent(ctx, workflowID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, model.EventSubscriberEntered, recent[0].Kind)
	require.Equal(t, "a@example.com", recent[0].Email)
	require.Empty(t, recent[0].SubscriberID)
}

func TestPublisherPublishWithSubscriberID(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()

	workflowID := insertWorkflow(t, ctx, pool)
	pub := events.NewPublisher(pool)

	subID := uuid.NewString()
	err := pub.Publish(ctx, model.Event{
		WorkflowID:   workflowID,
		SubscriberID: subID,
		Kind:         model.EventStepCompleted,
		StepID:       "step-1",
		StepKind:     model.StepWait,
	})
	require.NoError(t, err)

	reader := events.NewReader(pool)
	recent, err := reader.Recent(ctx, workflowID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, subID, recent[0].SubscriberID)
	require.Equal(t, "step-1", recent[0].StepID)
}

func TestPublisherDedupesByKey(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()

	workflowID := insertWorkflow(t, ctx, pool)
	pub := events.NewPublisher(pool)

	evt := model.Event{
		WorkflowID: workflowID,
		Kind:       model.EventEmailSent,
		StepID:     "step-1",
		StepKind:   model.StepSendEmail,
		Email:      "a@example.com",
		Data:       map[string]any{"message_id": "m1"},
		DedupeKey:  "idem-key-1",
	}
	require.NoError(t, pub.Publish(ctx, evt))
	require.NoError(t, pub.Publish(ctx, evt), "a duplicate dedupe key must be dropped silently")

	recent, err := events.NewReader(pool).Recent(ctx, workflowID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1, "exactly one email_sent despite two publishes")
}

func TestPublisherDistinctDedupeKeys(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()

	workflowID := insertWorkflow(t, ctx, pool)
	pub := events.NewPublisher(pool)

	for _, key := range []string{"k1", "k2"} {
		require.NoError(t, pub.Publish(ctx, model.Event{
			WorkflowID: workflowID,
			Kind:       model.EventEmailSent,
			DedupeKey:  key,
		}))
	}

	recent, err := events.NewReader(pool).Recent(ctx, workflowID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
}

func TestHistoryQuerier(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()

	workflowID := insertWorkflow(t, ctx, pool)
	pub := events.NewPublisher(pool)
	subID := uuid.NewString()

	require.NoError(t, pub.Publish(ctx, model.Event{
		WorkflowID:   workflowID,
		SubscriberID: subID,
		Kind:         model.EventEmailOpened,
		StepID:       "step-1",
	}))
	require.NoError(t, pub.Publish(ctx, model.Event{
		WorkflowID:   workflowID,
		SubscriberID: subID,
		Kind:         model.EventEmailClicked,
		StepID:       "step-1",
		Data:         map[string]any{"url": "https://shop.example.com/sale"},
	}))

	hq := events.NewHistoryQuerier(pool)

	opened, err := hq.WasEmailOpened(ctx, subID, "step-1")
	require.NoError(t, err)
	require.True(t, opened)

	opened, err = hq.WasEmailOpened(ctx, subID, "step-2")
	require.NoError(t, err)
	require.False(t, opened)

	clicked, err := hq.WasLinkClicked(ctx, subID, "https://shop.example.com/sale")
	require.NoError(t, err)
	require.True(t, clicked)

	clicked, err = hq.WasLinkClicked(ctx, subID, "step-1")
	require.NoError(t, err)
	require.True(t, clicked, "click lookup also matches by originating step id")

	clicked, err = hq.WasLinkClicked(ctx, uuid.NewString(), "step-1")
	require.NoError(t, err)
	require.False(t, clicked)
}

func TestReaderSnapshot(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()

	workflowID := insertWorkflow(t, ctx, pool)
	_, err := pool.Exec(ctx, `UPDATE workflows SET stats = '{"total_entered":3}', step_stats = '{"step-1":{"entered":3,"completed":1,"failed":0}}' WHERE id = $1`, workflowID)
	require.NoError(t, err)

	reader := events.NewReader(pool)
	snap, err := reader.Snapshot(ctx, workflowID)
	require.NoError(t, err)
	require.Equal(t, 3, snap.Workflow.TotalEntered)
	require.Equal(t, 3, snap.Steps["step-1"].Entered)
	require.Equal(t, 1, snap.Steps["step-1"].Completed)
}

func insertWorkflow(t *testing.T, ctx context.Context, pool *db.Pool) string {
	t.Helper()
	id := uuid.NewString()
	_, err := pool.Exec(ctx, `
		INSERT INTO workflows (id, tenant_id, name, status, trigger, entry_condition, exit_condition, throttle, timezone, steps, stats)
		VALUES ($1, $2, 'test workflow', 'active', '{"kind":"manual"}', '{}', '{}', '{}', 'UTC', '[]', '{}')
	`, id, uuid.NewString())
	require.NoError(t, err)
	return id
}
