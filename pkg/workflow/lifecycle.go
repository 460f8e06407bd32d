package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/sendloop/automation-engine/pkg/clock"
	"github.com/sendloop/automation-engine/pkg/model"
	"github.com/sendloop/automation-engine/pkg/queue"
	"github.com/sendloop/automation-engine/pkg/subscriber"
)

// ErrInvalidTransition is returned when a lifecycle call is attempted from a
// status that does not permit it.
var ErrInvalidTransition = errors.New("workflow: invalid status transition")

// Controller drives the workflow lifecycle: activate, pause, resume,
// archive. Every transition is guarded by the current status, so a repeat
// or out-of-order call fails loudly instead of corrupting state.
type Controller struct {
	store       *Store
	queue       *queue.Repository
	subscribers *subscriber.Store
	clock       clock.Clock
}

// NewController constructs a Controller.
func NewController(store *Store, q *queue.Repository, subs *subscriber.Store, c clock.Clock) *Controller {
	return &Controller{store: store, queue: q, subscribers: subs, clock: c}
}

// Activate transitions draft -> active, stamping activated_at. Only a draft
// workflow may be activated; this is a one-way door back to draft.
func (c *Controller) Activate(ctx context.Context, workflowID string) error {
	wf, err := c.store.Load(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status != model.WorkflowDraft {
		return fmt.Errorf("%w: workflow %s is %s, want draft", ErrInvalidTransition, workflowID, wf.Status)
	}
	now := c.clock.Now()
	return c.store.SetStatus(ctx, workflowID, model.WorkflowActive, &now)
}

// Pause transitions active -> paused and cancels the workflow's pending
// queue items. Processing items continue to completion and their computed
// successors are enqueued with the original due-time, sitting there until
// Resume; subscribers remain active with next_action intact.
func (c *Controller) Pause(ctx context.Context, workflowID string) error {
	wf, err := c.store.Load(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status != model.WorkflowActive {
		return fmt.Errorf("%w: workflow %s is %s, want active", ErrInvalidTransition, workflowID, wf.Status)
	}
	if _, err := c.queue.CancelWhere(ctx, queue.CancelPredicate{WorkflowID: workflowID}); err != nil {
		return fmt.Errorf("cancel pending items for workflow %s: %w", workflowID, err)
	}
	return c.store.SetStatus(ctx, workflowID, model.WorkflowPaused, nil)
}

// Resume transitions paused -> active and re-creates queue items from the
// next_action each active subscriber kept through the pause (Pause
// cancelled their pending items). Overdue steps dispatch on the next poll;
// future ones fire at their preserved due time.
func (c *Controller) Resume(ctx context.Context, workflowID string) error {
	wf, err := c.store.Load(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status != model.WorkflowPaused {
		return fmt.Errorf("%w: workflow %s is %s, want paused", ErrInvalidTransition, workflowID, wf.Status)
	}
	if err := c.store.SetStatus(ctx, workflowID, model.WorkflowActive, nil); err != nil {
		return err
	}
	if _, err := c.queue.RequeueFromNextActions(ctx, workflowID); err != nil {
		return fmt.Errorf("requeue subscribers after resume of workflow %s: %w", workflowID, err)
	}
	return nil
}

// ArchiveResult reports what Archive did.
type ArchiveResult struct {
	CancelledItems        int
	TerminatedSubscribers int
}

// Archive transitions active or paused -> archived: cancels every pending
// queue item, then forcibly terminates every remaining active subscriber
// with reason automation_archived. The workflow row is retained for
// history, never hard-deleted.
func (c *Controller) Archive(ctx context.Context, workflowID string) (ArchiveResult, error) {
	wf, err := c.store.Load(ctx, workflowID)
	if err != nil {
		return ArchiveResult{}, err
	}
	if wf.Status != model.WorkflowActive && wf.Status != model.WorkflowPaused {
		return ArchiveResult{}, fmt.Errorf("%w: workflow %s is %s, want active or paused", ErrInvalidTransition, workflowID, wf.Status)
	}

	cancelled, err := c.queue.CancelWhere(ctx, queue.CancelPredicate{WorkflowID: workflowID})
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("cancel pending items for workflow %s: %w", workflowID, err)
	}
	terminated, err := c.subscribers.TerminateAllActiveForWorkflow(ctx, workflowID, "automation_archived")
	if err != nil {
		return ArchiveResult{CancelledItems: cancelled}, fmt.Errorf("terminate active subscribers for workflow %s: %w", workflowID, err)
	}
	if err := c.store.SetStatus(ctx, workflowID, model.WorkflowArchived, nil); err != nil {
		return ArchiveResult{CancelledItems: cancelled, TerminatedSubscribers: terminated}, err
	}
	return ArchiveResult{CancelledItems: cancelled, TerminatedSubscribers: terminated}, nil
}
