package model

import "time"

// EventKind enumerates the append-only event log's event kinds.
type EventKind string

const (
	EventWorkflowActivated  EventKind = "workflow_activated"
	EventWorkflowPaused     EventKind = "workflow_paused"
	EventWorkflowCompleted  EventKind = "workflow_completed"
	EventSubscriberEntered  EventKind = "subscriber_entered"
	EventSubscriberExited   EventKind = "subscriber_exited"
	EventStepStarted        EventKind = "step_started"
	EventStepCompleted      EventKind = "step_completed"
	EventStepFailed         EventKind = "step_failed"
	EventEmailSent          EventKind = "email_sent"
	EventEmailOpened        EventKind = "email_opened"
	EventEmailClicked       EventKind = "email_clicked"
	EventConditionEvaluated EventKind = "condition_evaluated"
	EventTagAdded           EventKind = "tag_added"
	EventTagRemoved         EventKind = "tag_removed"
	EventWebhookCalled      EventKind = "webhook_called"
	EventGoalReached        EventKind = "goal_reached"
	EventError              EventKind = "error"
)

// Event is an append-only audit record.
type Event struct {
	ID           string
	WorkflowID   string
	SubscriberID string // optional, empty if not subscriber-scoped
	Kind         EventKind
	StepID       string // optional
	StepKind     StepKind
	Email        string // optional
	Data         map[string]any
	Error        string
	// DedupeKey, when set, makes the event write idempotent: a second
	// Publish with the same key is silently dropped. Used for email_sent so
	// a crash-recovery re-send under the same idempotency key records one
	// event, not two.
	DedupeKey string
	CreatedAt time.Time
}
