package model

import "time"

// QueueStatus is the lifecycle status of a QueueItem.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueDeadLetter QueueStatus = "dead_letter" // failed with retries exhausted, surfaced for operator triage
	QueueCancelled  QueueStatus = "cancelled"
)

// QueueItem is a due-time-indexed execution record for one (subscriber,
// step) pair.
type QueueItem struct {
	ID             string
	WorkflowID     string
	SubscriberID   string
	StepID         string
	StepKind       StepKind
	ScheduledFor   time.Time
	Status         QueueStatus
	Attempts       int
	LastAttemptAt  *time.Time
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	Error          string
	Result         map[string]any
	CreatedAt      time.Time
}

// IsOpen reports whether the item is still pending or processing.
func (q QueueItem) IsOpen() bool {
	return q.Status == QueuePending || q.Status == QueueProcessing
}
