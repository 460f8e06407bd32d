package workflow

import (
	"fmt"
	"time"

	"github.com/sendloop/automation-engine/pkg/clock"
	"github.com/sendloop/automation-engine/pkg/model"
)

// NextDispatchTime computes when a queue item for step should fire, given
// that the subscriber is entering the step at now. Wait steps materialize
// their delay here, at enqueue time: the item sits in the queue until the
// delay elapses and its execution is then a no-op advance. Send_email steps
// are pushed into the workflow's send window when one is configured; all
// other kinds dispatch immediately.
func NextDispatchTime(wf model.Workflow, step model.Step, now time.Time) (time.Time, error) {
	switch step.Kind {
	case model.StepWait:
		if step.Wait == nil {
			return now, fmt.Errorf("wait step %s has no config", step.ID)
		}
		at, err := clock.AddDelay(now, step.Wait.Value, clock.Unit(step.Wait.Unit))
		if err != nil {
			return now, fmt.Errorf("wait step %s: %w", step.ID, err)
		}
		return at, nil
	case model.StepSendEmail:
		if wf.SendWindow == nil {
			return now, nil
		}
		at, err := clock.NextSendWindow(windowZone(wf), sendWindow(*wf.SendWindow), now)
		if err != nil {
			return now, fmt.Errorf("send window for step %s: %w", step.ID, err)
		}
		return at, nil
	default:
		return now, nil
	}
}

func windowZone(wf model.Workflow) string {
	if wf.Timezone == "" {
		return "UTC"
	}
	return wf.Timezone
}

func sendWindow(spec model.SendWindowSpec) clock.SendWindow {
	days := make([]time.Weekday, len(spec.DaysOfWeek))
	for i, d := range spec.DaysOfWeek {
		days[i] = time.Weekday(d)
	}
	return clock.SendWindow{StartHour: spec.StartHour, EndHour: spec.EndHour, DaysOfWeek: days}
}
