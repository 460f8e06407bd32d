// Package metrics exposes the engine's Prometheus instrumentation: queue
// depth, step outcomes, throttle deferrals, and lease-to-completion
// latency.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sendloop/automation-engine/pkg/model"
)

var (
	// QueueDepth is the current number of queue items per status, refreshed
	// by RefreshQueueDepth.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "automation_engine",
		Name:      "queue_depth",
		Help:      "Number of queue items by status.",
	}, []string{"status"})

	// StepsProcessed counts executed steps by kind and outcome.
	StepsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "automation_engine",
		Name:      "steps_processed_total",
		Help:      "Steps executed, by step kind and transition outcome.",
	}, []string{"step_kind", "outcome"})

	// ThrottleDeferrals counts send_email items pushed to the next throttle
	// window boundary.
	ThrottleDeferrals = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "automation_engine",
		Name:      "throttle_deferrals_total",
		Help:      "send_email queue items deferred by per-workflow throttles.",
	})

	// LeasesReclaimed counts expired leases returned to pending by the
	// orphan sweeper.
	LeasesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "automation_engine",
		Name:      "leases_reclaimed_total",
		Help:      "Expired processing leases reclaimed back to pending.",
	})

	// ProcessDuration observes wall-clock time from lease to terminal queue
	// transition for one item.
	ProcessDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "automation_engine",
		Name:      "process_duration_seconds",
		Help:      "Time spent processing one leased queue item.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"step_kind"})

	// SubscribersTerminated counts subscriber terminal transitions by status.
	SubscribersTerminated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "automation_engine",
		Name:      "subscribers_terminated_total",
		Help:      "Subscribers reaching a terminal status.",
	}, []string{"status"})
)

// DepthSource is anything that can report queue depth by status; satisfied
// by the queue repository.
type DepthSource interface {
	DepthByStatus(ctx context.Context) (map[model.QueueStatus]int, error)
}

// RefreshQueueDepth polls src every interval and updates QueueDepth until
// ctx is cancelled. Run it as a background goroutine from the daemon.
func RefreshQueueDepth(ctx context.Context, src DepthSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := src.DepthByStatus(ctx)
			if err != nil {
				continue
			}
			for _, status := range []model.QueueStatus{
				model.QueuePending, model.QueueProcessing, model.QueueCompleted,
				model.QueueFailed, model.QueueDeadLetter, model.QueueCancelled,
			} {
				QueueDepth.WithLabelValues(string(status)).Set(float64(depth[status]))
			}
		}
	}
}
