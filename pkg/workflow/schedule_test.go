package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendloop/automation-engine/pkg/model"
)

func TestNextDispatchTimeWaitMaterializesDelay(t *testing.T) {
	wf := validWorkflow()
	step := model.Step{ID: "w", Kind: model.StepWait, Wait: &model.WaitConfig{Value: 2, Unit: "days"}}
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	got, err := NextDispatchTime(wf, step, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC), got)
}

func TestNextDispatchTimeWaitZeroConfig(t *testing.T) {
	wf := validWorkflow()
	step := model.Step{ID: "w", Kind: model.StepWait}
	_, err := NextDispatchTime(wf, step, time.Now().UTC())
	require.Error(t, err)
}

func TestNextDispatchTimeSendEmailNoWindow(t *testing.T) {
	wf := validWorkflow()
	step := model.Step{ID: "e", Kind: model.StepSendEmail, SendEmail: &model.SendEmailConfig{TemplateID: "tpl"}}
	now := time.Date(2024, 1, 5, 23, 0, 0, 0, time.UTC)

	got, err := NextDispatchTime(wf, step, now)
	require.NoError(t, err)
	assert.Equal(t, now, got, "without a send window, send_email dispatches immediately")
}

func TestNextDispatchTimeSendEmailInsideWindow(t *testing.T) {
	wf := validWorkflow()
	wf.Timezone = "UTC"
	wf.SendWindow = &model.SendWindowSpec{StartHour: 9, EndHour: 17, DaysOfWeek: []int{1, 2, 3, 4, 5}}
	step := model.Step{ID: "e", Kind: model.StepSendEmail, SendEmail: &model.SendEmailConfig{TemplateID: "tpl"}}
	// Wednesday 10:00 UTC.
	now := time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)

	got, err := NextDispatchTime(wf, step, now)
	require.NoError(t, err)
	assert.Equal(t, now, got)
}

func TestNextDispatchTimeSendEmailOutsideWindow(t *testing.T) {
	wf := validWorkflow()
	wf.Timezone = "UTC"
	wf.SendWindow = &model.SendWindowSpec{StartHour: 9, EndHour: 17, DaysOfWeek: []int{1, 2, 3, 4, 5}}
	step := model.Step{ID: "e", Kind: model.StepSendEmail, SendEmail: &model.SendEmailConfig{TemplateID: "tpl"}}
	// Friday 17:01 UTC rolls to Monday 09:00.
	now := time.Date(2024, 1, 5, 17, 1, 0, 0, time.UTC)

	got, err := NextDispatchTime(wf, step, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC), got)
}

func TestNextDispatchTimeOtherKindsImmediate(t *testing.T) {
	wf := validWorkflow()
	now := time.Now().UTC()
	for _, kind := range []model.StepKind{model.StepCondition, model.StepTagAdd, model.StepWebhook, model.StepGoalCheck} {
		got, err := NextDispatchTime(wf, model.Step{ID: "x", Kind: kind}, now)
		require.NoError(t, err)
		assert.Equal(t, now, got, "%s", kind)
	}
}
