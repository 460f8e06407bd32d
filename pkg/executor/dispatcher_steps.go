package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sendloop/automation-engine/pkg/clock"
	"github.com/sendloop/automation-engine/pkg/executor/steps"
	"github.com/sendloop/automation-engine/pkg/model"
)

func (d *Dispatcher) mergeVars(contact Contact, unsubscribeURL string) map[string]string {
	vars := map[string]string{
		"email":           contact.Email,
		"name":            contact.Name,
		"first_name":      contact.FirstName,
		"unsubscribe_url": unsubscribeURL,
	}
	for k, v := range contact.CustomFields {
		vars[k] = fmt.Sprintf("%v", v)
	}
	return vars
}

func (d *Dispatcher) executeSendEmail(ctx context.Context, workflow model.Workflow, subscriber model.Subscriber, step model.Step, key string) model.Transition {
	cfg := step.SendEmail

	suppressed, err := d.contacts.IsSuppressed(ctx, workflow.TenantID, subscriber.Email)
	if err != nil {
		return transientFailure(fmt.Errorf("send_email: check suppression: %w", err))
	}
	if suppressed {
		return model.Transition{
			Outcome: model.TransitionSkipped,
			Next:    model.Next{Kind: model.NextTerminate, Status: model.SubscriberExited, Reason: "suppressed"},
			SideEffects: []model.SideEffect{
				{Kind: model.EventStepFailed, Data: map[string]any{"reason": "suppressed"}},
			},
		}
	}

	contact, err := d.contacts.GetContact(ctx, workflow.TenantID, subscriber.Email)
	if err != nil {
		return transientFailure(fmt.Errorf("send_email: load contact: %w", err))
	}

	subject, html, text := cfg.Subject, cfg.HTML, cfg.Text
	if cfg.TemplateID != "" {
		tSubject, tHTML, tText, err := d.templates.Resolve(ctx, cfg.TemplateID)
		if err != nil {
			return transientFailure(fmt.Errorf("send_email: resolve template %q: %w", cfg.TemplateID, err))
		}
		subject = steps.ResolveSubject(cfg.Subject, tSubject)
		if html == "" {
			html = tHTML
		}
		if text == "" {
			text = tText
		}
	}

	unsubURL := steps.UnsubscribeURL(d.cfg.TrackingBaseURL, d.signer, workflow.ID, subscriber.ID)
	vars := d.mergeVars(contact, unsubURL)

	subject = steps.MergeTags(subject, vars)
	html = steps.MergeTags(html, vars)
	text = steps.MergeTags(text, vars)
	html = steps.InjectPreviewText(html, steps.MergeTags(cfg.PreviewText, vars))
	html = steps.InjectPixelAndLinks(html, d.cfg.TrackingBaseURL, d.signer, workflow.ID, subscriber.ID, step.ID)

	in := SendEmailInput{
		To:             contact.Email,
		Subject:        subject,
		HTML:           html,
		Text:           text,
		Headers:        map[string]string{"List-Unsubscribe": fmt.Sprintf("<%s>", unsubURL)},
		IdempotencyKey: key,
	}

	raw, err := d.emailBreaker.Execute(func() (interface{}, error) {
		return d.transport.Send(ctx, in)
	})
	if err != nil {
		err = breakerErr("send_email", err)
		var terr *TransportError
		if errors.As(err, &terr) && terr.Class == TransportPermanent {
			return permanentFailureTerminate(err, "send_failed")
		}
		return transientFailure(err)
	}
	res := raw.(SendEmailResult)

	return model.Transition{
		Outcome: model.TransitionCompleted,
		Next:    linearOrEnd(workflow, step),
		SideEffects: []model.SideEffect{
			{Kind: model.EventEmailSent, Data: map[string]any{"message_id": res.MessageID}},
		},
	}
}

func (d *Dispatcher) executeWait(workflow model.Workflow, step model.Step, key string) model.Transition {
	return model.Transition{
		Outcome: model.TransitionCompleted,
		Next:    linearOrEnd(workflow, step),
	}
}

func (d *Dispatcher) executeCondition(ctx context.Context, workflow model.Workflow, subscriber model.Subscriber, step model.Step, key string) model.Transition {
	cfg := step.Condition
	var (
		result bool
		err    error
	)

	switch cfg.Predicate {
	case model.PredicateOpenedEmail:
		result, err = d.history.WasEmailOpened(ctx, subscriber.ID, cfg.StepID)
	case model.PredicateClickedLink:
		result, err = d.history.WasLinkClicked(ctx, subscriber.ID, cfg.URL)
	case model.PredicateHasTag:
		var contact Contact
		contact, err = d.contacts.GetContact(ctx, workflow.TenantID, subscriber.Email)
		if err == nil {
			result = contact.HasTag(cfg.Tag)
		}
	case model.PredicateInSegment:
		var contact Contact
		contact, err = d.contacts.GetContact(ctx, workflow.TenantID, subscriber.Email)
		if err == nil {
			result, err = d.contacts.InSegment(ctx, contact.ID, cfg.SegmentID)
		}
	case model.PredicateCustomField:
		var contact Contact
		contact, err = d.contacts.GetContact(ctx, workflow.TenantID, subscriber.Email)
		if err == nil {
			var fieldValue string
			fieldValue, err = steps.ExtractField(cfg.Field, contact.CustomFields)
			if err == nil {
				result = steps.EvalCustomField(cfg.Op, fieldValue, cfg.Value)
			}
		}
	case model.PredicateRandom:
		seed := clock.SubscriberSeed(subscriber.ID, step.ID)
		result = clock.RandomPercent(seed) < cfg.Percent
	default:
		err = fmt.Errorf("condition: unsupported predicate %q", cfg.Predicate)
	}
	if err != nil {
		return transientFailure(fmt.Errorf("condition: %w", err))
	}

	branch := cfg.FalseBranch
	if result {
		branch = cfg.TrueBranch
	}

	var next model.Next
	switch {
	case branch == nil:
		next = model.Next{Kind: model.NextTerminate, Status: model.SubscriberCompleted, Reason: "completed"}
	default:
		if _, ok := workflow.StepByID(*branch); !ok {
			next = model.Next{Kind: model.NextTerminate, Status: model.SubscriberExited, Reason: "dangling_branch"}
		} else {
			next = model.Next{Kind: model.NextGoTo, StepID: *branch}
		}
	}

	return model.Transition{
		Outcome: model.TransitionCompleted,
		Next:    next,
		SideEffects: []model.SideEffect{
			{Kind: model.EventConditionEvaluated, Data: map[string]any{"predicate": string(cfg.Predicate), "result": result}},
		},
	}
}

func (d *Dispatcher) executeTagMutate(ctx context.Context, workflow model.Workflow, subscriber model.Subscriber, step model.Step, key string, add bool) model.Transition {
	cfg := step.TagMutate
	contact, err := d.contacts.GetContact(ctx, workflow.TenantID, subscriber.Email)
	if err != nil {
		return transientFailure(fmt.Errorf("tag_mutate: load contact: %w", err))
	}

	var addList, removeList []string
	if add {
		addList = cfg.Tags
	} else {
		removeList = cfg.Tags
	}
	if err := d.contacts.UpdateTags(ctx, contact.ID, addList, removeList); err != nil {
		return transientFailure(fmt.Errorf("tag_mutate: %w", err))
	}

	kind := model.EventTagAdded
	if !add {
		kind = model.EventTagRemoved
	}
	return model.Transition{
		Outcome: model.TransitionCompleted,
		Next:    linearOrEnd(workflow, step),
		SideEffects: []model.SideEffect{
			{Kind: kind, Data: map[string]any{"tags": cfg.Tags}},
		},
	}
}

func (d *Dispatcher) executeListMutate(ctx context.Context, workflow model.Workflow, subscriber model.Subscriber, step model.Step, key string, add bool) model.Transition {
	cfg := step.ListMutate
	contact, err := d.contacts.GetContact(ctx, workflow.TenantID, subscriber.Email)
	if err != nil {
		return transientFailure(fmt.Errorf("list_mutate: load contact: %w", err))
	}
	if err := d.contacts.UpdateListMembership(ctx, contact.ID, cfg.ListID, add); err != nil {
		return transientFailure(fmt.Errorf("list_mutate: %w", err))
	}
	return model.Transition{
		Outcome: model.TransitionCompleted,
		Next:    linearOrEnd(workflow, step),
	}
}

type webhookCallResult struct {
	status int
	body   []byte
}

func (d *Dispatcher) executeWebhook(ctx context.Context, workflow model.Workflow, subscriber model.Subscriber, step model.Step, key string) model.Transition {
	cfg := step.Webhook
	contact, err := d.contacts.GetContact(ctx, workflow.TenantID, subscriber.Email)
	if err != nil {
		return transientFailure(fmt.Errorf("webhook: load contact: %w", err))
	}

	envelope := map[string]any{
		"email":         contact.Email,
		"name":          contact.Name,
		"subscriber_id": subscriber.ID,
		"workflow_id":   workflow.ID,
		"timestamp":     d.clock.Now().Format(time.RFC3339),
	}
	payload, err := steps.BuildPayload(cfg.Payload, envelope)
	if err != nil {
		return permanentFailureAdvance(workflow, step, fmt.Errorf("webhook: build payload: %w", err))
	}

	method := cfg.Method
	if method == "" {
		method = "POST"
	}

	raw, err := d.webhookBreaker.Execute(func() (interface{}, error) {
		status, body, callErr := d.webhooks.Call(ctx, method, cfg.URL, cfg.Headers, payload)
		if callErr != nil {
			return nil, callErr
		}
		return webhookCallResult{status: status, body: body}, nil
	})
	if err != nil {
		return transientFailure(fmt.Errorf("webhook: %w", breakerErr("webhook", err)))
	}
	res := raw.(webhookCallResult)

	switch {
	case res.status >= 200 && res.status < 300:
		return model.Transition{
			Outcome: model.TransitionCompleted,
			Next:    linearOrEnd(workflow, step),
			SideEffects: []model.SideEffect{
				{Kind: model.EventWebhookCalled, Data: map[string]any{"status": res.status}},
			},
		}
	case res.status == 408 || res.status == 429 || res.status >= 500:
		return transientFailure(fmt.Errorf("webhook: status %d", res.status))
	default:
		// Permanent client error (other than 408/429): does not terminate the
		// subscriber, so Next stays linear even though Outcome/FailureClass
		// record it as a permanent failure.
		return permanentFailureAdvance(workflow, step, fmt.Errorf("webhook: status %d", res.status))
	}
}

func (d *Dispatcher) executeNotification(ctx context.Context, workflow model.Workflow, subscriber model.Subscriber, step model.Step, key string) model.Transition {
	cfg := step.Notification
	_, err := d.notifyBreaker.Execute(func() (interface{}, error) {
		return nil, d.notifier.Notify(ctx, cfg.Channel, cfg.Recipient, cfg.Message)
	})
	if err != nil {
		// Notifier does not expose a status-like permanent/transient signal
		// the way webhook's HTTP response does, so every failure here is
		// classified transient and left to the retry policy.
		return transientFailure(fmt.Errorf("notification: %w", breakerErr("notification", err)))
	}
	return model.Transition{
		Outcome: model.TransitionCompleted,
		Next:    linearOrEnd(workflow, step),
	}
}

func (d *Dispatcher) executeContactUpdate(ctx context.Context, workflow model.Workflow, subscriber model.Subscriber, step model.Step, key string) model.Transition {
	cfg := step.ContactUpdate
	contact, err := d.contacts.GetContact(ctx, workflow.TenantID, subscriber.Email)
	if err != nil {
		return transientFailure(fmt.Errorf("contact_update: load contact: %w", err))
	}
	if err := d.contacts.UpdateFields(ctx, contact.ID, cfg.Fields); err != nil {
		return transientFailure(fmt.Errorf("contact_update: %w", err))
	}
	return model.Transition{
		Outcome: model.TransitionCompleted,
		Next:    linearOrEnd(workflow, step),
	}
}

func (d *Dispatcher) executeGoalCheck(ctx context.Context, workflow model.Workflow, subscriber model.Subscriber, step model.Step, key string) model.Transition {
	cfg := step.GoalCheck
	contact, err := d.contacts.GetContact(ctx, workflow.TenantID, subscriber.Email)
	if err != nil {
		return transientFailure(fmt.Errorf("goal_check: load contact: %w", err))
	}
	if contact.HasTag(cfg.GoalTag) {
		return model.Transition{
			Outcome: model.TransitionCompleted,
			Next:    model.Next{Kind: model.NextTerminate, Status: model.SubscriberCompleted, Reason: "goal_reached"},
			SideEffects: []model.SideEffect{
				{Kind: model.EventGoalReached, Data: map[string]any{"goal_tag": cfg.GoalTag}},
			},
		}
	}
	return model.Transition{
		Outcome: model.TransitionCompleted,
		Next:    linearOrEnd(workflow, step),
	}
}

func (d *Dispatcher) executeSplitTest(workflow model.Workflow, subscriber model.Subscriber, step model.Step, key string) model.Transition {
	cfg := step.SplitTest
	seed := clock.SubscriberSeed(subscriber.ID, step.ID)
	draw := clock.RandomPercent(seed)

	variant, err := steps.ChooseVariant(cfg.Variants, draw)
	if err != nil {
		return model.Transition{
			Outcome:      model.TransitionFailed,
			FailureClass: model.FailureLogical,
			Err:          err,
			Next:         model.Next{Kind: model.NextTerminate, Status: model.SubscriberExited, Reason: "split_test_misconfigured"},
		}
	}
	if _, ok := workflow.StepByID(variant.NextStepID); !ok {
		return model.Transition{
			Outcome: model.TransitionCompleted,
			Next:    model.Next{Kind: model.NextTerminate, Status: model.SubscriberExited, Reason: "dangling_branch"},
		}
	}

	return model.Transition{
		Outcome: model.TransitionCompleted,
		Next:    model.Next{Kind: model.NextGoTo, StepID: variant.NextStepID},
		SideEffects: []model.SideEffect{
			{Kind: model.EventStepCompleted, Data: map[string]any{"variant": variant.Name}},
		},
	}
}
