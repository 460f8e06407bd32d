package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sendloop/automation-engine/pkg/clock"
	"github.com/sendloop/automation-engine/pkg/metrics"
)

// OrphanSweeper periodically runs Repository.ReclaimExpired, returning
// processing items whose lease expired back to pending — the crash
// recovery path for workers that died mid-item.
type OrphanSweeper struct {
	repo     *Repository
	clock    clock.Clock
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu        sync.Mutex
	lastScan  time.Time
	reclaimed int
}

// NewOrphanSweeper constructs a sweeper that ticks every interval.
func NewOrphanSweeper(repo *Repository, c clock.Clock, interval time.Duration) *OrphanSweeper {
	return &OrphanSweeper{repo: repo, clock: c, interval: interval, stopCh: make(chan struct{})}
}

// Start begins the sweep loop in a goroutine. All pods run this
// independently; ReclaimExpired is idempotent (a WHERE clause on
// lease_expires_at), so concurrent sweeps from multiple pods are safe.
func (s *OrphanSweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop signals the sweep loop to stop and waits for it to finish.
func (s *OrphanSweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *OrphanSweeper) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			n, err := s.repo.ReclaimExpired(ctx, s.clock.Now())
			if err != nil {
				slog.Error("reclaim expired leases failed", "error", err)
				continue
			}
			s.mu.Lock()
			s.lastScan = s.clock.Now()
			s.reclaimed += n
			s.mu.Unlock()
			if n > 0 {
				metrics.LeasesReclaimed.Add(float64(n))
				slog.Warn("reclaimed expired queue leases", "count", n)
			}
		}
	}
}

// Stats reports the sweeper's last scan time and cumulative reclaim count.
func (s *OrphanSweeper) Stats() (lastScan time.Time, reclaimed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastScan, s.reclaimed
}

// RunOnce runs a single reclaim pass synchronously, used by the operator
// CLI's reclaim-expired command.
func (s *OrphanSweeper) RunOnce(ctx context.Context) (int, error) {
	n, err := s.repo.ReclaimExpired(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.lastScan = s.clock.Now()
	s.reclaimed += n
	s.mu.Unlock()
	return n, nil
}
