package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendloop/automation-engine/pkg/model"
)

func strPtr(s string) *string { return &s }

func validWorkflow() model.Workflow {
	return model.Workflow{
		ID:       "wf-1",
		TenantID: "tenant-1",
		Name:     "welcome",
		Status:   model.WorkflowDraft,
		Trigger:  model.TriggerSpec{Kind: model.TriggerListSubscribe, ListID: "list-1"},
		Steps: []model.Step{
			{ID: "s1", Order: 0, Kind: model.StepSendEmail, IsEntry: true, SendEmail: &model.SendEmailConfig{TemplateID: "tpl-1"}},
			{ID: "s2", Order: 1, Kind: model.StepWait, Wait: &model.WaitConfig{Value: 2, Unit: "days"}},
		},
	}
}

func TestValidateAllAcceptsValidWorkflow(t *testing.T) {
	require.NoError(t, NewValidator().ValidateAll(validWorkflow()))
}

func TestValidateTriggerFields(t *testing.T) {
	v := NewValidator()

	wf := validWorkflow()
	wf.Trigger = model.TriggerSpec{Kind: model.TriggerListSubscribe}
	require.Error(t, v.ValidateAll(wf), "list_subscribe requires list_id")

	wf.Trigger = model.TriggerSpec{Kind: model.TriggerTagAdded}
	require.Error(t, v.ValidateAll(wf), "tag_added requires tag")

	wf.Trigger = model.TriggerSpec{Kind: model.TriggerNoActivity}
	require.Error(t, v.ValidateAll(wf), "no_activity requires inactivity_days")

	wf.Trigger = model.TriggerSpec{Kind: model.TriggerManual}
	require.NoError(t, v.ValidateAll(wf))
}

func TestValidateStepsEmpty(t *testing.T) {
	wf := validWorkflow()
	wf.Steps = nil
	require.Error(t, NewValidator().ValidateAll(wf))
}

func TestValidateStepsDuplicateID(t *testing.T) {
	wf := validWorkflow()
	wf.Steps = append(wf.Steps, model.Step{ID: "s1", Order: 2, Kind: model.StepWait, Wait: &model.WaitConfig{Value: 1, Unit: "hours"}})
	err := NewValidator().ValidateAll(wf)
	require.Error(t, err)

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "steps", vErr.Field)
}

func TestValidateStepsNoEntry(t *testing.T) {
	wf := validWorkflow()
	wf.Steps[0].IsEntry = false
	wf.Steps[0].Order = 3
	require.Error(t, NewValidator().ValidateAll(wf), "no is_entry step and no step at order 0")
}

func TestValidateConditionBranchTargets(t *testing.T) {
	wf := validWorkflow()
	wf.Steps = append(wf.Steps, model.Step{
		ID:    "s3",
		Order: 2,
		Kind:  model.StepCondition,
		Condition: &model.ConditionConfig{
			Predicate:  model.PredicateHasTag,
			Tag:        "vip",
			TrueBranch: strPtr("nonexistent"),
		},
	})
	require.Error(t, NewValidator().ValidateAll(wf))

	wf.Steps[2].Condition.TrueBranch = strPtr("s2")
	require.NoError(t, NewValidator().ValidateAll(wf))
}

func TestValidateSplitTestPercentages(t *testing.T) {
	wf := validWorkflow()
	wf.Steps = append(wf.Steps, model.Step{
		ID:    "s3",
		Order: 2,
		Kind:  model.StepSplitTest,
		SplitTest: &model.SplitTestConfig{
			Variants: []model.SplitVariant{
				{Name: "A", Percentage: 60, NextStepID: "s1"},
				{Name: "B", Percentage: 30, NextStepID: "s2"},
			},
		},
	})
	require.Error(t, NewValidator().ValidateAll(wf), "percentages summing to 90 must be rejected")

	wf.Steps[2].SplitTest.Variants[1].Percentage = 40
	require.NoError(t, NewValidator().ValidateAll(wf))
}

func TestValidateThrottleCrossField(t *testing.T) {
	wf := validWorkflow()
	wf.Throttle = model.ThrottleSpec{MaxSendsPerHour: 1, MaxSendsPerDay: 100}
	require.Error(t, NewValidator().ValidateAll(wf), "unreachable day cap must be rejected")

	wf.Throttle = model.ThrottleSpec{MaxSendsPerHour: 10, MaxSendsPerDay: 100}
	require.NoError(t, NewValidator().ValidateAll(wf))
}

func TestValidateSendWindowBounds(t *testing.T) {
	wf := validWorkflow()
	wf.SendWindow = &model.SendWindowSpec{StartHour: 9, EndHour: 25}
	require.Error(t, NewValidator().ValidateAll(wf))

	wf.SendWindow = &model.SendWindowSpec{StartHour: 9, EndHour: 17, DaysOfWeek: []int{1, 2, 3, 4, 5}}
	require.NoError(t, NewValidator().ValidateAll(wf))
}

func TestValidateUnknownStepKind(t *testing.T) {
	wf := validWorkflow()
	wf.Steps[1] = model.Step{ID: "s2", Order: 1, Kind: model.StepKind("hologram")}
	require.Error(t, NewValidator().ValidateAll(wf))
}
