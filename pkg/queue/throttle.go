package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sendloop/automation-engine/pkg/model"
)

// Throttle enforces per-workflow max_sends_per_hour / max_sends_per_day
// caps on send_email queue items. Counters live in Redis and reset on
// window rollover; they must survive across worker pods, which rules out
// in-process buckets.
type Throttle struct {
	rdb *redis.Client
}

// NewThrottle constructs a Throttle backed by rdb.
func NewThrottle(rdb *redis.Client) *Throttle {
	return &Throttle{rdb: rdb}
}

// Allow increments the hour and day counters for workflowID and reports
// whether the send is within both caps. A zero cap means unlimited. Only
// send_email items are ever checked; callers must not invoke Allow for
// other step kinds, which throttling never blocks.
func (t *Throttle) Allow(ctx context.Context, workflowID string, throttle model.ThrottleSpec, now time.Time) (bool, error) {
	if throttle.MaxSendsPerHour <= 0 && throttle.MaxSendsPerDay <= 0 {
		return true, nil
	}

	hourKey := fmt.Sprintf("throttle:%s:hour:%s", workflowID, now.Format("2006010215"))
	dayKey := fmt.Sprintf("throttle:%s:day:%s", workflowID, now.Format("20060102"))

	hourCount, err := t.rdb.Incr(ctx, hourKey).Result()
	if err != nil {
		return false, fmt.Errorf("incr hour throttle counter: %w", err)
	}
	if hourCount == 1 {
		t.rdb.Expire(ctx, hourKey, 2*time.Hour)
	}

	dayCount, err := t.rdb.Incr(ctx, dayKey).Result()
	if err != nil {
		return false, fmt.Errorf("incr day throttle counter: %w", err)
	}
	if dayCount == 1 {
		t.rdb.Expire(ctx, dayKey, 48*time.Hour)
	}

	if throttle.MaxSendsPerHour > 0 && int(hourCount) > throttle.MaxSendsPerHour {
		return false, nil
	}
	if throttle.MaxSendsPerDay > 0 && int(dayCount) > throttle.MaxSendsPerDay {
		return false, nil
	}
	return true, nil
}

// NextWindowBoundary returns the instant the hourly window next rolls
// over, used to defer a throttled item's scheduled_for.
func NextWindowBoundary(now time.Time) time.Time {
	return now.Truncate(time.Hour).Add(time.Hour)
}
