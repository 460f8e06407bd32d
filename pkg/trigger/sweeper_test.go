package trigger_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sendloop/automation-engine/pkg/clock"
	"github.com/sendloop/automation-engine/pkg/dbtest"
	"github.com/sendloop/automation-engine/pkg/model"
	"github.com/sendloop/automation-engine/pkg/queue"
	"github.com/sendloop/automation-engine/pkg/subscriber"
	"github.com/sendloop/automation-engine/pkg/trigger"
	"github.com/sendloop/automation-engine/pkg/workflow"
)

func TestSweeperSweepDateBasedEnrollsOncePerAnchor(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()

	wfStore := workflow.NewStore(pool)
	subStore := subscriber.NewStore(pool)
	q := queue.NewRepository(pool)
	pub := &recordingPublisher{}
	r := trigger.NewRouter(wfStore, subStore, q, &fakeContacts{}, pub, clock.RealClock{})

	wf := newTestWorkflow("entry")
	wf.Trigger = model.TriggerSpec{Kind: model.TriggerDateBased, DateField: "birthday", OffsetDays: 0}
	wf, err := wfStore.Create(ctx, wf)
	require.NoError(t, err)
	require.NoError(t, wfStore.SetStatus(ctx, wf.ID, model.WorkflowActive, nil))

	contactID := uuid.NewString()
	today := time.Now().UTC()
	source := &fakeSweepSource{
		dateMatches: []trigger.DateMatch{
			{TenantID: wf.TenantID, Email: "bday@example.com", ContactID: contactID, AnchorDate: today},
		},
	}
	seen := trigger.NewPGSeenTracker(pool)
	sweeper := trigger.NewSweeper(r, source, seen, nil, "test-worker", time.Minute, slog.Default())

	require.NoError(t, sweeper.Tick(ctx))
	require.NoError(t, sweeper.Tick(ctx))

	require.Len(t, pub.events, 1, "second tick must not re-enroll the same anchor")

	sub, err := subStore.LoadActiveByWorkflowAndEmail(ctx, wf.ID, "bday@example.com")
	require.NoError(t, err)
	require.Equal(t, contactID, sub.ContactID)
}

func TestSweeperSweepInactivityEnrolls(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()

	wfStore := workflow.NewStore(pool)
	subStore := subscriber.NewStore(pool)
	q := queue.NewRepository(pool)
	pub := &recordingPublisher{}
	r := trigger.NewRouter(wfStore, subStore, q, &fakeContacts{}, pub, clock.RealClock{})

	wf := newTestWorkflow("entry")
	wf.Trigger = model.TriggerSpec{Kind: model.TriggerNoActivity, InactivityDays: 30}
	wf, err := wfStore.Create(ctx, wf)
	require.NoError(t, err)
	require.NoError(t, wfStore.SetStatus(ctx, wf.ID, model.WorkflowActive, nil))

	source := &fakeSweepSource{
		inactive: []trigger.InactiveContact{
			{TenantID: wf.TenantID, Email: "quiet@example.com", ContactID: uuid.NewString()},
		},
	}
	seen := trigger.NewPGSeenTracker(pool)
	sweeper := trigger.NewSweeper(r, source, seen, nil, "test-worker", time.Minute, slog.Default())

	require.NoError(t, sweeper.Tick(ctx))
	require.Len(t, pub.events, 1)
	require.Equal(t, model.EventSubscriberEntered, pub.events[0].Kind)
}

type fakeSweepSource struct {
	dateMatches []trigger.DateMatch
	inactive    []trigger.InactiveContact
}

func (f *fakeSweepSource) ContactsMatchingDate(ctx context.Context, tenantID, dateField string, today time.Time) ([]trigger.DateMatch, error) {
	return f.dateMatches, nil
}

func (f *fakeSweepSource) ContactsInactiveSince(ctx context.Context, tenantID string, cutoff time.Time) ([]trigger.InactiveContact, error) {
	return f.inactive, nil
}

type clockRealClock struct{}

func (clockRealClock) Now() time.Time { return time.Now().UTC() }
