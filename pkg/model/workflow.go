// Package model holds the engine's storage-independent domain types:
// workflows, steps, subscribers, queue items, and events. Step configs are
// modeled as a tagged variant (a StepKind discriminator plus one config
// struct per kind) rather than an open-ended map, so unknown variants route
// to the unsupported_step edge case instead of silently misbehaving.
package model

import "time"

// WorkflowStatus is the lifecycle status of a Workflow.
type WorkflowStatus string

const (
	WorkflowDraft     WorkflowStatus = "draft"
	WorkflowActive    WorkflowStatus = "active"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowArchived  WorkflowStatus = "archived"
)

// TriggerKind enumerates the supported inbound trigger kinds.
type TriggerKind string

const (
	TriggerManual        TriggerKind = "manual"
	TriggerListSubscribe TriggerKind = "list_subscribe"
	TriggerTagAdded      TriggerKind = "tag_added"
	TriggerEmailReceived TriggerKind = "email_received"
	TriggerFormSubmit    TriggerKind = "form_submit"
	TriggerDateBased     TriggerKind = "date_based"
	TriggerAPI           TriggerKind = "api"
	TriggerSegmentEnter  TriggerKind = "segment_enter"
	TriggerLinkClicked   TriggerKind = "link_clicked"
	TriggerEmailOpened   TriggerKind = "email_opened"
	TriggerNoActivity    TriggerKind = "no_activity"
)

// TriggerSpec describes what inbound event activates enrollment into a
// workflow.
type TriggerSpec struct {
	Kind TriggerKind `json:"kind" validate:"required,oneof=manual list_subscribe tag_added email_received form_submit date_based api segment_enter link_clicked email_opened no_activity"`

	ListID          string `json:"list_id,omitempty"`
	Tag             string `json:"tag,omitempty"`
	SegmentID       string `json:"segment_id,omitempty"`
	FormID          string `json:"form_id,omitempty"`
	DateField       string `json:"date_field,omitempty"` // e.g. "birthday", "signup_date"
	OffsetDays      int    `json:"offset_days,omitempty"`
	InactivityDays  int    `json:"inactivity_days,omitempty"`
	LinkURLOrStepID string `json:"link_url_or_step_id,omitempty"`
}

// EntryConditionSpec gates enrollment after a trigger match.
type EntryConditionSpec struct {
	MaxEntriesPerContact int      `json:"max_entries_per_contact"` // 0 = unlimited
	AllowReentry         bool     `json:"allow_reentry"`
	ReentryWaitDays      int      `json:"reentry_wait_days"`
	ExcludeTags          []string `json:"exclude_tags,omitempty"`
	FilterTags           []string `json:"filter_tags,omitempty"`
	FilterSegment        string   `json:"filter_segment,omitempty"`
}

// ExitConditionSpec is stored and loaded with the workflow; the engine does
// not evaluate it. goal_check steps test the goal tag in their own step
// config instead.
type ExitConditionSpec struct {
	GoalTag string `json:"goal_tag,omitempty"`
}

// ThrottleSpec caps send_email dispatch rate for the whole workflow.
type ThrottleSpec struct {
	MaxSendsPerHour int `json:"max_sends_per_hour"` // 0 = unlimited
	MaxSendsPerDay  int `json:"max_sends_per_day"`  // 0 = unlimited
}

// WorkflowStats holds the workflow-level counter snapshot emitted to
// downstream analytics.
type WorkflowStats struct {
	TotalEntered    int `json:"total_entered"`
	CurrentlyActive int `json:"currently_active"`
	Completed       int `json:"completed"`
	GoalReached     int `json:"goal_reached"`
	Exited          int `json:"exited"`
	EmailsSent      int `json:"emails_sent"`
	EmailsOpened    int `json:"emails_opened"`
	EmailsClicked   int `json:"emails_clicked"`
	Unsubscribed    int `json:"unsubscribed"`
}

// Workflow is an immutable-by-version definition owned by a tenant.
type Workflow struct {
	ID          string
	TenantID    string
	Name        string
	Status      WorkflowStatus
	Trigger     TriggerSpec
	EntryCond   EntryConditionSpec
	ExitCond    ExitConditionSpec
	Throttle    ThrottleSpec
	SendWindow  *SendWindowSpec
	Timezone    string
	Steps       []Step
	Stats       WorkflowStats
	ActivatedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SendWindowSpec is the persisted, JSON-serializable form of a send window.
type SendWindowSpec struct {
	StartHour  int   `json:"start_hour"`
	EndHour    int   `json:"end_hour"`
	DaysOfWeek []int `json:"days_of_week"` // 0=Sunday .. 6=Saturday
}

// EntryStepID returns the explicitly marked entry step, falling back to the
// step with Order == 0.
func (w Workflow) EntryStepID() (string, bool) {
	var fallback string
	haveFallback := false
	for _, s := range w.Steps {
		if s.IsEntry {
			return s.ID, true
		}
		if s.Order == 0 {
			fallback = s.ID
			haveFallback = true
		}
	}
	return fallback, haveFallback
}

// StepByID looks up a step by its stable identifier.
func (w Workflow) StepByID(id string) (Step, bool) {
	for _, s := range w.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// NextStepByOrder returns the step whose Order is the least value greater
// than current's — the default linear successor for step kinds that do not
// carry an explicit branch target.
func (w Workflow) NextStepByOrder(current Step) (Step, bool) {
	var best Step
	found := false
	for _, s := range w.Steps {
		if s.Order <= current.Order {
			continue
		}
		if !found || s.Order < best.Order {
			best = s
			found = true
		}
	}
	return best, found
}
