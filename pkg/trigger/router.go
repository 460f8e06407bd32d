// Package trigger matches inbound domain events against active workflows,
// applies entry gates, and enrolls subscribers. Date-based and inactivity
// triggers are swept periodically rather than event driven.
package trigger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sendloop/automation-engine/pkg/clock"
	"github.com/sendloop/automation-engine/pkg/model"
	"github.com/sendloop/automation-engine/pkg/queue"
	"github.com/sendloop/automation-engine/pkg/subscriber"
	"github.com/sendloop/automation-engine/pkg/workflow"
)

// DenialReason enumerates the reasons an entry-condition check can deny
// enrollment.
type DenialReason string

const (
	DeniedMaxEntries        DenialReason = "max_entries_reached"
	DeniedReentryNotAllowed DenialReason = "reentry_not_allowed"
	DeniedCooldown          DenialReason = "cooldown"
	DeniedExcludedTag       DenialReason = "excluded_tag"
	DeniedMissingTag        DenialReason = "missing_required_tag"
	DeniedNotInSegment      DenialReason = "not_in_segment"
)

// Decision is check_entry_conditions's result: Allowed, or Denied with a
// reason.
type Decision struct {
	Allowed bool
	Reason  DenialReason
}

// ContactLookup is the subset of the contact store the router needs to
// evaluate tag/segment entry filters — kept narrower than
// pkg/executor.ContactStore since the router never mutates a contact, only
// reads it pre-enrollment.
type ContactLookup interface {
	Tags(ctx context.Context, tenantID, email string) ([]string, error)
	InSegment(ctx context.Context, tenantID, email, segmentID string) (bool, error)
}

// Publisher is the narrow event-emission seam the router needs;
// pkg/events.Publisher satisfies it structurally.
type Publisher interface {
	Publish(ctx context.Context, event model.Event) error
}

// Router implements Route/CheckEntryConditions/Enroll.
type Router struct {
	workflows   *workflow.Store
	subscribers *subscriber.Store
	queue       *queue.Repository
	contacts    ContactLookup
	publisher   Publisher
	clock       clock.Clock
}

// NewRouter constructs a Router.
func NewRouter(workflows *workflow.Store, subscribers *subscriber.Store, q *queue.Repository, contacts ContactLookup, publisher Publisher, c clock.Clock) *Router {
	return &Router{workflows: workflows, subscribers: subscribers, queue: q, contacts: contacts, publisher: publisher, clock: c}
}

// Route matches evt against every active workflow whose trigger spec
// matches, checks entry conditions, and enrolls where allowed. Failures on
// one candidate workflow do not prevent enrollment into others; all errors
// are joined and returned together.
func (r *Router) Route(ctx context.Context, evt model.InboundEvent) error {
	candidates, err := r.workflows.ListActiveByTrigger(ctx, evt.Kind)
	if err != nil {
		return fmt.Errorf("trigger: list active workflows for %s: %w", evt.Kind, err)
	}

	var errs []error
	for _, wf := range candidates {
		if !triggerMatches(wf.Trigger, evt) {
			continue
		}
		decision, err := r.CheckEntryConditions(ctx, wf, evt.TenantID, evt.Email)
		if err != nil {
			errs = append(errs, fmt.Errorf("trigger: check entry conditions for workflow %s: %w", wf.ID, err))
			continue
		}
		if !decision.Allowed {
			continue
		}
		if _, err := r.Enroll(ctx, wf, evt); err != nil {
			errs = append(errs, fmt.Errorf("trigger: enroll workflow %s: %w", wf.ID, err))
		}
	}
	return errors.Join(errs...)
}

// triggerMatches reports whether evt activates wf's trigger spec.
func triggerMatches(t model.TriggerSpec, evt model.InboundEvent) bool {
	if t.Kind != evt.Kind {
		return false
	}
	switch t.Kind {
	case model.TriggerListSubscribe:
		return t.ListID == "" || t.ListID == payloadString(evt.Payload, "list_id")
	case model.TriggerTagAdded:
		return t.Tag == "" || t.Tag == payloadString(evt.Payload, "tag")
	case model.TriggerFormSubmit:
		return t.FormID == "" || t.FormID == payloadString(evt.Payload, "form_id")
	case model.TriggerSegmentEnter:
		return t.SegmentID == "" || t.SegmentID == payloadString(evt.Payload, "segment_id")
	case model.TriggerLinkClicked:
		return t.LinkURLOrStepID == "" || t.LinkURLOrStepID == payloadString(evt.Payload, "url")
	case model.TriggerManual, model.TriggerAPI, model.TriggerEmailReceived,
		model.TriggerDateBased, model.TriggerEmailOpened, model.TriggerNoActivity:
		return true
	default:
		return false
	}
}

func payloadString(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

// CheckEntryConditions runs the entry gate in order — max entries,
// re-entry/cooldown, tag filters, segment filter — short-circuiting on the
// first denial.
func (r *Router) CheckEntryConditions(ctx context.Context, wf model.Workflow, tenantID, email string) (Decision, error) {
	cond := wf.EntryCond

	count, lastEnteredAt, err := r.subscribers.CountByWorkflowAndEmail(ctx, wf.ID, email)
	if err != nil {
		return Decision{}, fmt.Errorf("count prior subscribers: %w", err)
	}

	if cond.MaxEntriesPerContact > 0 && count >= cond.MaxEntriesPerContact {
		return Decision{Reason: DeniedMaxEntries}, nil
	}
	if count > 0 {
		if !cond.AllowReentry {
			return Decision{Reason: DeniedReentryNotAllowed}, nil
		}
		if lastEnteredAt != nil && cond.ReentryWaitDays > 0 {
			daysSince := r.clock.Now().Sub(*lastEnteredAt).Hours() / 24
			if daysSince < float64(cond.ReentryWaitDays) {
				return Decision{Reason: DeniedCooldown}, nil
			}
		}
	}

	if len(cond.ExcludeTags) > 0 || len(cond.FilterTags) > 0 {
		tags, err := r.contacts.Tags(ctx, tenantID, email)
		if err != nil {
			return Decision{}, fmt.Errorf("load contact tags: %w", err)
		}
		if anyTagMatches(tags, cond.ExcludeTags) {
			return Decision{Reason: DeniedExcludedTag}, nil
		}
		if len(cond.FilterTags) > 0 && !anyTagMatches(tags, cond.FilterTags) {
			return Decision{Reason: DeniedMissingTag}, nil
		}
	}

	if cond.FilterSegment != "" {
		in, err := r.contacts.InSegment(ctx, tenantID, email, cond.FilterSegment)
		if err != nil {
			return Decision{}, fmt.Errorf("check segment membership: %w", err)
		}
		if !in {
			return Decision{Reason: DeniedNotInSegment}, nil
		}
	}

	return Decision{Allowed: true}, nil
}

func anyTagMatches(tags, want []string) bool {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; ok {
			return true
		}
	}
	return false
}

// Enroll creates the Subscriber (which itself bumps the workflow's
// total_entered/currently_active and the entry step's entered counter in
// one transaction, see subscriber.Store.Create), enqueues the entry step,
// and emits subscriber_entered.
func (r *Router) Enroll(ctx context.Context, wf model.Workflow, evt model.InboundEvent) (model.Subscriber, error) {
	entryStepID, ok := wf.EntryStepID()
	if !ok {
		return model.Subscriber{}, fmt.Errorf("enroll: workflow %s has no entry step", wf.ID)
	}
	entryStep, ok := wf.StepByID(entryStepID)
	if !ok {
		return model.Subscriber{}, fmt.Errorf("enroll: workflow %s entry step %s not found", wf.ID, entryStepID)
	}

	now := r.clock.Now()
	scheduledFor, err := workflow.NextDispatchTime(wf, entryStep, now)
	if err != nil {
		return model.Subscriber{}, fmt.Errorf("enroll: schedule entry step for workflow %s: %w", wf.ID, err)
	}
	sub := model.Subscriber{
		ID:             uuid.NewString(),
		WorkflowID:     wf.ID,
		ContactID:      payloadString(evt.Payload, "contact_id"),
		Email:          evt.Email,
		Status:         model.SubscriberActive,
		CurrentStep:    &model.CurrentStep{StepID: entryStepID, EnteredAt: now},
		NextAction:     &model.NextAction{StepID: entryStepID, ScheduledFor: scheduledFor, Kind: entryStep.Kind},
		EntryCount:     1,
		FirstEnteredAt: now,
		LastEnteredAt:  now,
	}

	created, err := r.subscribers.Create(ctx, sub)
	if err != nil {
		return model.Subscriber{}, fmt.Errorf("create subscriber for workflow %s/%s: %w", wf.ID, evt.Email, err)
	}

	if _, err := r.queue.Enqueue(ctx, model.QueueItem{
		WorkflowID:   wf.ID,
		SubscriberID: created.ID,
		StepID:       entryStepID,
		StepKind:     entryStep.Kind,
		ScheduledFor: scheduledFor,
	}); err != nil {
		return model.Subscriber{}, fmt.Errorf("enqueue entry step for subscriber %s: %w", created.ID, err)
	}

	if err := r.publisher.Publish(ctx, model.Event{
		WorkflowID:   wf.ID,
		SubscriberID: created.ID,
		Kind:         model.EventSubscriberEntered,
		Email:        evt.Email,
		Data:         map[string]any{"trigger_kind": string(evt.Kind)},
	}); err != nil {
		return model.Subscriber{}, fmt.Errorf("publish subscriber_entered for %s: %w", created.ID, err)
	}

	return created, nil
}
