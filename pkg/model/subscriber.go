package model

import "time"

// SubscriberStatus is the runtime status of a Subscriber.
type SubscriberStatus string

const (
	SubscriberActive    SubscriberStatus = "active"
	SubscriberCompleted SubscriberStatus = "completed"
	SubscriberExited    SubscriberStatus = "exited"
	SubscriberFailed    SubscriberStatus = "failed"
	SubscriberPaused    SubscriberStatus = "paused"
)

// StepOutcome is the terminal outcome recorded in a HistoryEntry.
type StepOutcome string

const (
	OutcomeCompleted StepOutcome = "completed"
	OutcomeSkipped   StepOutcome = "skipped"
	OutcomeFailed    StepOutcome = "failed"
)

// CurrentStep is the pointer to a Subscriber's in-flight step.
type CurrentStep struct {
	StepID    string
	EnteredAt time.Time
}

// NextAction is the pointer to a Subscriber's next scheduled dispatch.
type NextAction struct {
	StepID       string
	ScheduledFor time.Time
	Kind         StepKind
}

// HistoryEntry is one append-only record of a completed/skipped/failed step.
type HistoryEntry struct {
	StepID      string
	Kind        StepKind
	Outcome     StepOutcome
	EnteredAt   time.Time
	CompletedAt time.Time
	// Payload carries outcome-specific data: provider message id for
	// send_email, chosen variant name for split_test, branch taken for
	// condition, error detail for failed.
	Payload map[string]any
}

// Subscriber is the runtime instance of one contact flowing through one
// workflow.
type Subscriber struct {
	ID             string
	WorkflowID     string
	ContactID      string
	Email          string
	Status         SubscriberStatus
	CurrentStep    *CurrentStep
	NextAction     *NextAction
	History        []HistoryEntry
	EntryCount     int
	FirstEnteredAt time.Time
	LastEnteredAt  time.Time
	ExitReason     string
	ExitedAt       *time.Time
}

// HasVisitedStep reports whether stepID already appears in history — a
// step id may not execute twice within one enrollment, so a revisit means
// the journey has cycled.
func (s Subscriber) HasVisitedStep(stepID string) bool {
	for _, h := range s.History {
		if h.StepID == stepID {
			return true
		}
	}
	return false
}
