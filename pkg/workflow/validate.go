package workflow

import (
	"fmt"

	validatorpkg "github.com/go-playground/validator/v10"
	"github.com/sendloop/automation-engine/pkg/model"
)

// ValidationError reports one field-level failure in a workflow
// definition.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func fieldErr(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

var structValidator = validatorpkg.New()

// Validator checks a single workflow definition for structural integrity:
// struct-tag constraints via go-playground/validator, plus the graph-shape
// invariants (unique step IDs, resolvable branch targets, exactly one
// entry step, percentages summing to 100) that validator's tag vocabulary
// cannot express.
type Validator struct{}

// NewValidator constructs a Validator.
func NewValidator() *Validator { return &Validator{} }

// ValidateAll runs every check in dependency order, stopping at the first
// failure.
func (v *Validator) ValidateAll(wf model.Workflow) error {
	if err := structValidator.Struct(wf.Trigger); err != nil {
		return fmt.Errorf("trigger: %w", err)
	}
	if err := v.validateTriggerFields(wf.Trigger); err != nil {
		return err
	}
	if err := v.validateEntryCondition(wf.EntryCond); err != nil {
		return err
	}
	if err := v.validateThrottle(wf.Throttle); err != nil {
		return err
	}
	if wf.SendWindow != nil {
		if err := v.validateSendWindow(*wf.SendWindow); err != nil {
			return err
		}
	}
	if err := v.validateSteps(wf); err != nil {
		return err
	}
	return nil
}

func (v *Validator) validateTriggerFields(t model.TriggerSpec) error {
	switch t.Kind {
	case model.TriggerListSubscribe:
		if t.ListID == "" {
			return fieldErr("trigger.list_id", fmt.Errorf("required for list_subscribe trigger"))
		}
	case model.TriggerTagAdded:
		if t.Tag == "" {
			return fieldErr("trigger.tag", fmt.Errorf("required for tag_added trigger"))
		}
	case model.TriggerSegmentEnter:
		if t.SegmentID == "" {
			return fieldErr("trigger.segment_id", fmt.Errorf("required for segment_enter trigger"))
		}
	case model.TriggerFormSubmit:
		if t.FormID == "" {
			return fieldErr("trigger.form_id", fmt.Errorf("required for form_submit trigger"))
		}
	case model.TriggerDateBased:
		if t.DateField == "" {
			return fieldErr("trigger.date_field", fmt.Errorf("required for date_based trigger"))
		}
	case model.TriggerNoActivity:
		if t.InactivityDays <= 0 {
			return fieldErr("trigger.inactivity_days", fmt.Errorf("must be positive for no_activity trigger"))
		}
	case model.TriggerManual, model.TriggerEmailReceived, model.TriggerAPI,
		model.TriggerLinkClicked, model.TriggerEmailOpened:
		// no required fields beyond kind
	default:
		return fieldErr("trigger.kind", fmt.Errorf("unknown trigger kind %q", t.Kind))
	}
	return nil
}

func (v *Validator) validateEntryCondition(e model.EntryConditionSpec) error {
	if e.MaxEntriesPerContact < 0 {
		return fieldErr("entry_condition.max_entries_per_contact", fmt.Errorf("must be non-negative"))
	}
	if e.AllowReentry && e.ReentryWaitDays < 0 {
		return fieldErr("entry_condition.reentry_wait_days", fmt.Errorf("must be non-negative"))
	}
	return nil
}

func (v *Validator) validateThrottle(t model.ThrottleSpec) error {
	if t.MaxSendsPerHour < 0 {
		return fieldErr("throttle.max_sends_per_hour", fmt.Errorf("must be non-negative"))
	}
	if t.MaxSendsPerDay < 0 {
		return fieldErr("throttle.max_sends_per_day", fmt.Errorf("must be non-negative"))
	}
	if t.MaxSendsPerHour > 0 && t.MaxSendsPerDay > 0 && t.MaxSendsPerHour*24 < t.MaxSendsPerDay {
		return fieldErr("throttle", fmt.Errorf("max_sends_per_hour*24 (%d) is tighter than max_sends_per_day (%d); the day cap is unreachable", t.MaxSendsPerHour*24, t.MaxSendsPerDay))
	}
	return nil
}

func (v *Validator) validateSendWindow(w model.SendWindowSpec) error {
	if w.StartHour < 0 || w.StartHour > 23 {
		return fieldErr("send_window.start_hour", fmt.Errorf("must be 0-23"))
	}
	if w.EndHour < 0 || w.EndHour > 23 {
		return fieldErr("send_window.end_hour", fmt.Errorf("must be 0-23"))
	}
	for _, d := range w.DaysOfWeek {
		if d < 0 || d > 6 {
			return fieldErr("send_window.days_of_week", fmt.Errorf("day %d out of range 0-6", d))
		}
	}
	return nil
}

// validateSteps checks graph-shape invariants: unique IDs, a resolvable
// entry point, and every branch target (condition true/false, split_test
// variants) pointing at a step that exists in the same workflow.
func (v *Validator) validateSteps(wf model.Workflow) error {
	if len(wf.Steps) == 0 {
		return fieldErr("steps", fmt.Errorf("workflow must have at least one step"))
	}

	seen := make(map[string]bool, len(wf.Steps))
	entryCount := 0
	for _, s := range wf.Steps {
		if s.ID == "" {
			return fieldErr("steps", fmt.Errorf("step with empty id"))
		}
		if seen[s.ID] {
			return fieldErr("steps", fmt.Errorf("duplicate step id %q", s.ID))
		}
		seen[s.ID] = true
		if s.IsEntry {
			entryCount++
		}
		if err := structValidator.Struct(s); err != nil {
			return fmt.Errorf("step %s: %w", s.ID, err)
		}
	}
	if entryCount > 1 {
		return fieldErr("steps", fmt.Errorf("workflow has %d steps marked is_entry, want at most 1", entryCount))
	}
	if _, ok := wf.EntryStepID(); !ok {
		return fieldErr("steps", fmt.Errorf("workflow has no resolvable entry step (no is_entry step and no step at order 0)"))
	}

	for _, s := range wf.Steps {
		if err := v.validateStepConfig(wf, s); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) validateStepConfig(wf model.Workflow, s model.Step) error {
	resolves := func(field, id string) error {
		if id == "" {
			return nil
		}
		if _, ok := wf.StepByID(id); !ok {
			return fieldErr(fmt.Sprintf("step[%s].%s", s.ID, field), fmt.Errorf("target step %q does not exist", id))
		}
		return nil
	}

	switch s.Kind {
	case model.StepSendEmail:
		if s.SendEmail == nil {
			return fieldErr(fmt.Sprintf("step[%s].send_email", s.ID), fmt.Errorf("config required"))
		}
		if s.SendEmail.TemplateID == "" {
			return fieldErr(fmt.Sprintf("step[%s].send_email.template_id", s.ID), fmt.Errorf("required"))
		}
	case model.StepWait:
		if s.Wait == nil {
			return fieldErr(fmt.Sprintf("step[%s].wait", s.ID), fmt.Errorf("config required"))
		}
	case model.StepCondition:
		if s.Condition == nil {
			return fieldErr(fmt.Sprintf("step[%s].condition", s.ID), fmt.Errorf("config required"))
		}
		if s.Condition.TrueBranch != nil {
			if err := resolves("condition.true_branch", *s.Condition.TrueBranch); err != nil {
				return err
			}
		}
		if s.Condition.FalseBranch != nil {
			if err := resolves("condition.false_branch", *s.Condition.FalseBranch); err != nil {
				return err
			}
		}
	case model.StepTagAdd, model.StepTagRemove:
		if s.TagMutate == nil || len(s.TagMutate.Tags) == 0 {
			return fieldErr(fmt.Sprintf("step[%s].tags", s.ID), fmt.Errorf("at least one tag required"))
		}
	case model.StepListAdd, model.StepListRemove:
		if s.ListMutate == nil || s.ListMutate.ListID == "" {
			return fieldErr(fmt.Sprintf("step[%s].list_id", s.ID), fmt.Errorf("list id required"))
		}
	case model.StepWebhook:
		if s.Webhook == nil || s.Webhook.URL == "" {
			return fieldErr(fmt.Sprintf("step[%s].webhook.url", s.ID), fmt.Errorf("required"))
		}
	case model.StepNotification:
		if s.Notification == nil || s.Notification.Channel == "" {
			return fieldErr(fmt.Sprintf("step[%s].notification.channel", s.ID), fmt.Errorf("required"))
		}
	case model.StepContactUpdate:
		if s.ContactUpdate == nil || len(s.ContactUpdate.Fields) == 0 {
			return fieldErr(fmt.Sprintf("step[%s].contact_update.fields", s.ID), fmt.Errorf("at least one field required"))
		}
	case model.StepGoalCheck:
		if s.GoalCheck == nil || s.GoalCheck.GoalTag == "" {
			return fieldErr(fmt.Sprintf("step[%s].goal_check.goal_tag", s.ID), fmt.Errorf("required"))
		}
	case model.StepSplitTest:
		if s.SplitTest == nil || len(s.SplitTest.Variants) < 2 {
			return fieldErr(fmt.Sprintf("step[%s].split_test.variants", s.ID), fmt.Errorf("at least 2 variants required"))
		}
		var pctSum int
		for i, variant := range s.SplitTest.Variants {
			if err := resolves(fmt.Sprintf("split_test.variants[%d].next_step_id", i), variant.NextStepID); err != nil {
				return err
			}
			pctSum += variant.Percentage
		}
		if pctSum != 100 {
			return fieldErr(fmt.Sprintf("step[%s].split_test.variants", s.ID), fmt.Errorf("variant percentages sum to %d, want 100", pctSum))
		}
	default:
		return fieldErr(fmt.Sprintf("step[%s].kind", s.ID), fmt.Errorf("unsupported step kind %q", s.Kind))
	}
	return nil
}
