package steps

import (
	"time"

	"github.com/sony/gobreaker"
)

// NewBreaker constructs a named circuit breaker guarding one outbound
// collaborator (email transport, webhook caller, or notifier): trip after
// 3 consecutive failures, half-open after 30s, allow 2 trial requests
// before closing.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 2,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
}
