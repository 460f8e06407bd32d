// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sendloop/automation-engine/pkg/config"
	"github.com/sendloop/automation-engine/pkg/db"
)

// Service periodically enforces retention policies:
//   - Deletes event log rows past the event retention window
//   - Deletes terminal queue items past the queue retention window
//   - Deletes sweep idempotency marks past their TTL
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	config *config.RetentionConfig
	pool   *db.Pool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg *config.RetentionConfig, pool *db.Pool) *Service {
	return &Service{config: cfg, pool: pool}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("cleanup service started",
		"event_retention_days", s.config.EventRetentionDays,
		"queue_retention_days", s.config.QueueRetentionDays,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunAll(ctx)
		}
	}
}

// RunAll executes every retention pass once, outside the background loop.
func (s *Service) RunAll(ctx context.Context) {
	s.deleteOldEvents(ctx)
	s.deleteOldQueueItems(ctx)
	s.deleteOldSweepMarks(ctx)
}

func (s *Service) deleteOldEvents(ctx context.Context) {
	count, err := s.deleteBefore(ctx,
		`DELETE FROM events WHERE created_at < $1`,
		time.Now().UTC().AddDate(0, 0, -s.config.EventRetentionDays))
	if err != nil {
		slog.Error("retention: event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("retention: deleted old events", "count", count)
	}
}

func (s *Service) deleteOldQueueItems(ctx context.Context) {
	count, err := s.deleteBefore(ctx,
		`DELETE FROM queue_items
		 WHERE status IN ('completed', 'failed', 'dead_letter', 'cancelled')
		   AND created_at < $1`,
		time.Now().UTC().AddDate(0, 0, -s.config.QueueRetentionDays))
	if err != nil {
		slog.Error("retention: queue item cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("retention: deleted terminal queue items", "count", count)
	}
}

func (s *Service) deleteOldSweepMarks(ctx context.Context) {
	count, err := s.deleteBefore(ctx,
		`DELETE FROM sweep_marks WHERE created_at < $1`,
		time.Now().UTC().Add(-s.config.SweepMarkTTL))
	if err != nil {
		slog.Error("retention: sweep mark cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("retention: deleted expired sweep marks", "count", count)
	}
}

func (s *Service) deleteBefore(ctx context.Context, sql string, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, sql, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention delete: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
