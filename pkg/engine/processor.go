// Package engine composes the queue, subscriber, workflow, executor, and
// events packages into the worker loop's Processor: it interprets one
// leased queue item end to end — load state, gate on throttle and send
// window, execute the step, persist the transition, enqueue the successor,
// and emit audit events.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sendloop/automation-engine/pkg/clock"
	"github.com/sendloop/automation-engine/pkg/metrics"
	"github.com/sendloop/automation-engine/pkg/model"
	"github.com/sendloop/automation-engine/pkg/queue"
	"github.com/sendloop/automation-engine/pkg/subscriber"
	"github.com/sendloop/automation-engine/pkg/workflow"
)

// Publisher is the event-emission seam the engine needs; satisfied by
// events.Publisher.
type Publisher interface {
	Publish(ctx context.Context, event model.Event) error
}

// Engine implements queue.Processor.
type Engine struct {
	queue       *queue.Repository
	subscribers *subscriber.Store
	workflows   *workflow.Store
	executor    queue.Executor
	publisher   Publisher
	throttle    *queue.Throttle // nil disables throttling
	clock       clock.Clock
	retry       queue.RetryPolicy
}

// New wires an Engine from its collaborators. throttle may be nil when no
// Redis is configured; send caps are then not enforced.
func New(q *queue.Repository, subs *subscriber.Store, wfs *workflow.Store, exec queue.Executor, pub Publisher, throttle *queue.Throttle, c clock.Clock, retry queue.RetryPolicy) *Engine {
	return &Engine{
		queue:       q,
		subscribers: subs,
		workflows:   wfs,
		executor:    exec,
		publisher:   pub,
		throttle:    throttle,
		clock:       c,
		retry:       retry,
	}
}

// Process implements queue.Processor for one leased item.
func (e *Engine) Process(ctx context.Context, ref queue.QueueItemRef) error {
	start := e.clock.Now()

	item, err := e.queue.LoadByID(ctx, ref.ID)
	if err != nil {
		return fmt.Errorf("load queue item: %w", err)
	}
	wf, err := e.workflows.Load(ctx, item.WorkflowID)
	if err != nil {
		return fmt.Errorf("load workflow %s: %w", item.WorkflowID, err)
	}
	sub, err := e.subscribers.LoadByID(ctx, item.SubscriberID)
	if err != nil {
		return fmt.Errorf("load subscriber %s: %w", item.SubscriberID, err)
	}

	// A lease only hands out items of active workflows, but a pause/archive
	// can land between lease and here. Cancelling now avoids firing the
	// step's external side effect at all; the suppression check inside
	// Advance/Terminate covers the narrower race after execution.
	if wf.Status != model.WorkflowActive || sub.Status != model.SubscriberActive {
		return e.queue.Cancel(ctx, item.ID)
	}

	if item.StepKind == model.StepSendEmail {
		if deferred, err := e.deferSend(ctx, wf, item, start); err != nil || deferred {
			return err
		}
	}

	e.publish(ctx, model.Event{
		WorkflowID:   wf.ID,
		SubscriberID: sub.ID,
		Kind:         model.EventStepStarted,
		StepID:       item.StepID,
		StepKind:     item.StepKind,
		Email:        sub.Email,
	})

	t := e.executor.Execute(ctx, wf, sub, item)
	now := e.clock.Now()
	metrics.StepsProcessed.WithLabelValues(string(item.StepKind), string(t.Outcome)).Inc()

	entry := historyEntry(sub, item, t, now)

	var procErr error
	switch {
	case t.Outcome == model.TransitionFailed && t.FailureClass == model.FailureTransient:
		procErr = e.handleTransientFailure(ctx, wf, sub, item, t, entry, now)
	case t.Next.Kind == model.NextTerminate:
		procErr = e.handleTerminate(ctx, wf, sub, item, t, entry, now)
	default:
		procErr = e.handleAdvance(ctx, wf, sub, item, t, entry, now)
	}

	metrics.ProcessDuration.WithLabelValues(string(item.StepKind)).Observe(e.clock.Now().Sub(start).Seconds())
	return procErr
}

// deferSend pushes a send_email item forward when it falls outside the
// workflow's send window or would exceed its throttle caps. Reports whether
// the item was deferred; deferral releases the lease without consuming an
// attempt.
func (e *Engine) deferSend(ctx context.Context, wf model.Workflow, item model.QueueItem, now time.Time) (bool, error) {
	if wf.SendWindow != nil {
		target, err := workflow.NextDispatchTime(wf, model.Step{ID: item.StepID, Kind: model.StepSendEmail}, now)
		if err != nil {
			return false, fmt.Errorf("compute send window: %w", err)
		}
		if target.After(now) {
			if err := e.queue.Defer(ctx, item.ID, target); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	if e.throttle != nil {
		allowed, err := e.throttle.Allow(ctx, wf.ID, wf.Throttle, now)
		if err != nil {
			return false, fmt.Errorf("check throttle: %w", err)
		}
		if !allowed {
			metrics.ThrottleDeferrals.Inc()
			if err := e.queue.Defer(ctx, item.ID, queue.NextWindowBoundary(now)); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) handleTransientFailure(ctx context.Context, wf model.Workflow, sub model.Subscriber, item model.QueueItem, t model.Transition, entry model.HistoryEntry, now time.Time) error {
	out, err := e.queue.Fail(ctx, item.ID, errMessage(t), true, e.retry, now)
	if err != nil {
		return fmt.Errorf("record transient failure: %w", err)
	}

	evt := model.Event{
		WorkflowID:   wf.ID,
		SubscriberID: sub.ID,
		Kind:         model.EventStepFailed,
		StepID:       item.StepID,
		StepKind:     item.StepKind,
		Email:        sub.Email,
		Error:        errMessage(t),
		Data:         map[string]any{"attempts": item.Attempts, "transient": true},
	}
	if out.RetryAt != nil {
		evt.Data["retry_at"] = out.RetryAt.UTC().Format(time.RFC3339)
	}
	e.publish(ctx, evt)

	if !out.Dead {
		return nil
	}

	// Retries exhausted: the item is already dead_letter, so the terminal
	// subscriber transition carries no queue item to complete.
	if err := e.subscribers.Terminate(ctx, sub, &entry, "", "max_attempts_exhausted", model.SubscriberFailed); err != nil {
		return fmt.Errorf("terminate after exhausted retries: %w", err)
	}
	e.emitTerminated(ctx, wf, sub, item, model.SubscriberFailed, "max_attempts_exhausted")
	return nil
}

func (e *Engine) handleTerminate(ctx context.Context, wf model.Workflow, sub model.Subscriber, item model.QueueItem, t model.Transition, entry model.HistoryEntry, now time.Time) error {
	completedItemID := item.ID
	if t.Outcome == model.TransitionFailed {
		// Permanent failure: finalize the queue item as failed first, then
		// terminate without re-touching it.
		if _, err := e.queue.Fail(ctx, item.ID, errMessage(t), false, e.retry, now); err != nil {
			return fmt.Errorf("record permanent failure: %w", err)
		}
		completedItemID = ""
	}

	if err := e.subscribers.Terminate(ctx, sub, &entry, completedItemID, t.Next.Reason, t.Next.Status); err != nil {
		return fmt.Errorf("terminate subscriber: %w", err)
	}

	e.emitStepOutcome(ctx, wf, sub, item, t)
	e.emitSideEffects(ctx, wf, sub, item, t)
	e.emitTerminated(ctx, wf, sub, item, t.Next.Status, t.Next.Reason)
	return nil
}

func (e *Engine) handleAdvance(ctx context.Context, wf model.Workflow, sub model.Subscriber, item model.QueueItem, t model.Transition, entry model.HistoryEntry, now time.Time) error {
	step, _ := wf.StepByID(item.StepID)

	var nextStep model.Step
	var ok bool
	switch t.Next.Kind {
	case model.NextGoTo:
		nextStep, ok = wf.StepByID(t.Next.StepID)
		if !ok {
			// The executor validates branch targets, but the workflow may
			// have been re-edited between execution and this lookup.
			return e.terminateDangling(ctx, wf, sub, item, entry)
		}
	default:
		nextStep, ok = wf.NextStepByOrder(step)
		if !ok {
			if err := e.subscribers.Terminate(ctx, sub, &entry, item.ID, "workflow_completed", model.SubscriberCompleted); err != nil {
				return fmt.Errorf("terminate at end of workflow: %w", err)
			}
			e.emitStepOutcome(ctx, wf, sub, item, t)
			e.emitSideEffects(ctx, wf, sub, item, t)
			e.emitTerminated(ctx, wf, sub, item, model.SubscriberCompleted, "workflow_completed")
			return nil
		}
	}

	scheduledFor, err := workflow.NextDispatchTime(wf, nextStep, now)
	if err != nil {
		return fmt.Errorf("schedule successor %s: %w", nextStep.ID, err)
	}
	next := &subscriber.NextStep{StepID: nextStep.ID, Kind: nextStep.Kind, ScheduledFor: scheduledFor}
	if err := e.subscribers.Advance(ctx, sub, entry, item.ID, next); err != nil {
		return fmt.Errorf("advance subscriber: %w", err)
	}

	e.emitStepOutcome(ctx, wf, sub, item, t)
	e.emitSideEffects(ctx, wf, sub, item, t)
	return nil
}

func (e *Engine) terminateDangling(ctx context.Context, wf model.Workflow, sub model.Subscriber, item model.QueueItem, entry model.HistoryEntry) error {
	if err := e.subscribers.Terminate(ctx, sub, &entry, item.ID, "dangling_branch", model.SubscriberExited); err != nil {
		return fmt.Errorf("terminate on dangling branch: %w", err)
	}
	e.publish(ctx, model.Event{
		WorkflowID:   wf.ID,
		SubscriberID: sub.ID,
		Kind:         model.EventError,
		StepID:       item.StepID,
		StepKind:     item.StepKind,
		Email:        sub.Email,
		Error:        "branch target no longer exists",
	})
	e.emitTerminated(ctx, wf, sub, item, model.SubscriberExited, "dangling_branch")
	return nil
}

func (e *Engine) emitStepOutcome(ctx context.Context, wf model.Workflow, sub model.Subscriber, item model.QueueItem, t model.Transition) {
	kind := model.EventStepCompleted
	if t.Outcome == model.TransitionFailed {
		kind = model.EventStepFailed
	}
	e.publish(ctx, model.Event{
		WorkflowID:   wf.ID,
		SubscriberID: sub.ID,
		Kind:         kind,
		StepID:       item.StepID,
		StepKind:     item.StepKind,
		Email:        sub.Email,
		Error:        errMessage(t),
		Data:         map[string]any{"outcome": string(t.Outcome)},
	})
}

func (e *Engine) emitSideEffects(ctx context.Context, wf model.Workflow, sub model.Subscriber, item model.QueueItem, t model.Transition) {
	for _, se := range t.SideEffects {
		evt := model.Event{
			WorkflowID:   wf.ID,
			SubscriberID: sub.ID,
			Kind:         se.Kind,
			StepID:       item.StepID,
			StepKind:     item.StepKind,
			Email:        sub.Email,
			Data:         se.Data,
		}
		if se.Kind == model.EventEmailSent {
			// Dedupe on the step's idempotency key so a crash-recovery
			// re-send records exactly one email_sent event.
			evt.DedupeKey = t.IdempotencyKey
			if err := e.workflows.BumpStat(ctx, wf.ID, "emails_sent", 1); err != nil {
				slog.Error("bump emails_sent failed", "workflow_id", wf.ID, "error", err)
			}
		}
		e.publish(ctx, evt)
	}
}

func (e *Engine) emitTerminated(ctx context.Context, wf model.Workflow, sub model.Subscriber, item model.QueueItem, status model.SubscriberStatus, reason string) {
	metrics.SubscribersTerminated.WithLabelValues(string(status)).Inc()
	e.publish(ctx, model.Event{
		WorkflowID:   wf.ID,
		SubscriberID: sub.ID,
		Kind:         model.EventSubscriberExited,
		StepID:       item.StepID,
		StepKind:     item.StepKind,
		Email:        sub.Email,
		Data:         map[string]any{"status": string(status), "reason": reason},
	})
}

// publish writes an audit event, logging rather than failing the item on
// error: the state transition has already committed, and replaying it for
// the sake of the audit row would duplicate side effects.
func (e *Engine) publish(ctx context.Context, evt model.Event) {
	if err := e.publisher.Publish(ctx, evt); err != nil {
		slog.Error("publish event failed", "kind", evt.Kind, "workflow_id", evt.WorkflowID, "error", err)
	}
}

// historyEntry builds the append-only record for the just-executed step.
func historyEntry(sub model.Subscriber, item model.QueueItem, t model.Transition, now time.Time) model.HistoryEntry {
	enteredAt := item.CreatedAt
	if sub.CurrentStep != nil && sub.CurrentStep.StepID == item.StepID {
		enteredAt = sub.CurrentStep.EnteredAt
	}

	payload := map[string]any{}
	for _, se := range t.SideEffects {
		for k, v := range se.Data {
			payload[k] = v
		}
	}
	if t.Err != nil {
		payload["error"] = t.Err.Error()
	}
	if len(payload) == 0 {
		payload = nil
	}

	return model.HistoryEntry{
		StepID:      item.StepID,
		Kind:        item.StepKind,
		Outcome:     model.StepOutcome(t.Outcome),
		EnteredAt:   enteredAt,
		CompletedAt: now,
		Payload:     payload,
	}
}

func errMessage(t model.Transition) string {
	if t.Err == nil {
		return ""
	}
	return t.Err.Error()
}
