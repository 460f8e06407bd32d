// Package executor interprets workflow steps: polymorphic dispatch by step
// kind, producing a Transition that the engine persists via the subscriber
// state store. Handlers never panic past the dispatcher; every path
// returns a Transition.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sendloop/automation-engine/pkg/clock"
	"github.com/sendloop/automation-engine/pkg/executor/steps"
	"github.com/sendloop/automation-engine/pkg/model"
	"github.com/sony/gobreaker"
)

// Config holds the Dispatcher's tunables.
type Config struct {
	StepTimeout     time.Duration
	WebhookTimeout  time.Duration
	TrackingBaseURL string
	TrackingSecret  string
}

// DefaultConfig returns the stock per-step and webhook timeouts.
func DefaultConfig() Config {
	return Config{
		StepTimeout:    30 * time.Second,
		WebhookTimeout: 10 * time.Second,
	}
}

// Dispatcher implements pkg/queue.Executor, dispatching by StepKind to the
// appropriate handler and wrapping every email transport, webhook and
// notifier call in a named circuit breaker.
type Dispatcher struct {
	cfg    Config
	clock  clock.Clock
	signer steps.Signer

	contacts  ContactStore
	templates TemplateStore
	transport EmailTransport
	webhooks  WebhookCaller
	notifier  Notifier
	history   HistoryQuerier

	emailBreaker   *gobreaker.CircuitBreaker
	webhookBreaker *gobreaker.CircuitBreaker
	notifyBreaker  *gobreaker.CircuitBreaker
}

// NewDispatcher wires a Dispatcher from its collaborators.
func NewDispatcher(cfg Config, c clock.Clock, contacts ContactStore, templates TemplateStore, transport EmailTransport, webhooks WebhookCaller, notifier Notifier, history HistoryQuerier) *Dispatcher {
	return &Dispatcher{
		cfg:            cfg,
		clock:          c,
		signer:         steps.NewSigner(cfg.TrackingSecret),
		contacts:       contacts,
		templates:      templates,
		transport:      transport,
		webhooks:       webhooks,
		notifier:       notifier,
		history:        history,
		emailBreaker:   steps.NewBreaker("send_email"),
		webhookBreaker: steps.NewBreaker("webhook"),
		notifyBreaker:  steps.NewBreaker("notification"),
	}
}

// Execute implements pkg/queue.Executor. A panicking handler is recovered
// and reported as a logical failure that exits the subscriber.
func (d *Dispatcher) Execute(ctx context.Context, workflow model.Workflow, subscriber model.Subscriber, item model.QueueItem) (t model.Transition) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.StepTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			t = model.Transition{
				Outcome:      model.TransitionFailed,
				FailureClass: model.FailureLogical,
				Err:          fmt.Errorf("step %s: handler panicked: %v", item.StepID, r),
				Next:         model.Next{Kind: model.NextTerminate, Status: model.SubscriberExited, Reason: "step_panicked"},
			}
		}
	}()

	step, ok := workflow.StepByID(item.StepID)
	if !ok {
		return exitTransition(model.SubscriberExited, "step_removed")
	}
	if subscriber.HasVisitedStep(step.ID) {
		return exitTransition(model.SubscriberExited, "cycle")
	}

	key := IdempotencyKey(subscriber.ID, step.ID, 0)

	switch step.Kind {
	case model.StepSendEmail:
		t = d.executeSendEmail(ctx, workflow, subscriber, step, key)
	case model.StepWait:
		t = d.executeWait(workflow, step, key)
	case model.StepCondition:
		t = d.executeCondition(ctx, workflow, subscriber, step, key)
	case model.StepTagAdd:
		t = d.executeTagMutate(ctx, workflow, subscriber, step, key, true)
	case model.StepTagRemove:
		t = d.executeTagMutate(ctx, workflow, subscriber, step, key, false)
	case model.StepListAdd:
		t = d.executeListMutate(ctx, workflow, subscriber, step, key, true)
	case model.StepListRemove:
		t = d.executeListMutate(ctx, workflow, subscriber, step, key, false)
	case model.StepWebhook:
		t = d.executeWebhook(ctx, workflow, subscriber, step, key)
	case model.StepNotification:
		t = d.executeNotification(ctx, workflow, subscriber, step, key)
	case model.StepContactUpdate:
		t = d.executeContactUpdate(ctx, workflow, subscriber, step, key)
	case model.StepGoalCheck:
		t = d.executeGoalCheck(ctx, workflow, subscriber, step, key)
	case model.StepSplitTest:
		t = d.executeSplitTest(workflow, subscriber, step, key)
	default:
		return exitTransition(model.SubscriberExited, "unsupported_step")
	}
	t.IdempotencyKey = key
	return t
}

func exitTransition(status model.SubscriberStatus, reason string) model.Transition {
	return model.Transition{
		Outcome: model.TransitionSkipped,
		Next:    model.Next{Kind: model.NextTerminate, Status: status, Reason: reason},
	}
}

func linearOrEnd(workflow model.Workflow, step model.Step) model.Next {
	if _, ok := workflow.NextStepByOrder(step); ok {
		return model.Next{Kind: model.NextLinear}
	}
	return model.Next{Kind: model.NextTerminate, Status: model.SubscriberCompleted, Reason: "workflow_completed"}
}

func transientFailure(err error) model.Transition {
	return model.Transition{Outcome: model.TransitionFailed, FailureClass: model.FailureTransient, Err: err}
}

func permanentFailureTerminate(err error, reason string) model.Transition {
	return model.Transition{
		Outcome:      model.TransitionFailed,
		FailureClass: model.FailurePermanent,
		Err:          err,
		Next:         model.Next{Kind: model.NextTerminate, Status: model.SubscriberFailed, Reason: reason},
	}
}

// permanentFailureAdvance is the webhook "4xx but don't terminate" case: Outcome is Failed for event-classification purposes,
// but Next stays Linear since Next is authoritative (model.Transition doc).
func permanentFailureAdvance(workflow model.Workflow, step model.Step, err error) model.Transition {
	return model.Transition{
		Outcome:      model.TransitionFailed,
		FailureClass: model.FailurePermanent,
		Err:          err,
		Next:         linearOrEnd(workflow, step),
		SideEffects:  []model.SideEffect{{Kind: model.EventStepFailed, Data: map[string]any{"error": err.Error()}}},
	}
}

func breakerErr(name string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s circuit open: %w", name, err)
	}
	return err
}
