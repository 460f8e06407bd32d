// Package queue implements the Action Queue: a durable, time-ordered store
// of (workflow, subscriber, step, due_time) records with lease-based
// dispatch, exponential backoff, dead-lettering, and per-workflow
// send-email throttling.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/sendloop/automation-engine/pkg/model"
)

// Sentinel errors returned by Lease and the worker poll loop.
var (
	ErrNoItemsAvailable = errors.New("queue: no items available")
	ErrAtCapacity       = errors.New("queue: worker pool at capacity")
)

// RetryPolicy governs the backoff applied by Fail for transient errors.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterFrac  float64 // e.g. 0.2 for ±20%
}

// DefaultRetryPolicy is 5 attempts with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   30 * time.Second,
		MaxDelay:    1 * time.Hour,
		JitterFrac:  0.2,
	}
}

// FailOutcome reports what Fail did with a failed queue item.
type FailOutcome struct {
	RetryAt *time.Time
	Dead    bool
}

// Executor is the interface the worker uses to interpret one step. It owns
// nothing about the queue's lease lifecycle — it just turns a QueueItem
// into a Transition.
type Executor interface {
	Execute(ctx context.Context, workflow model.Workflow, subscriber model.Subscriber, item model.QueueItem) model.Transition
}

// PoolHealth is the aggregate health snapshot of a worker Pool.
type PoolHealth struct {
	Workers    []WorkerHealth            `json:"workers"`
	DepthByKey map[model.QueueStatus]int `json:"depth_by_status"`
}

// WorkerHealth is one worker's health snapshot.
type WorkerHealth struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	CurrentItemID  string    `json:"current_item_id,omitempty"`
	ItemsProcessed int       `json:"items_processed"`
	LastActivity   time.Time `json:"last_activity"`
}
