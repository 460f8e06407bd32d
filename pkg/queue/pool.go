package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sendloop/automation-engine/pkg/clock"
	"golang.org/x/sync/errgroup"
)

// Pool manages a set of Workers sharing one Repository and one Processor,
// plus the background orphan-reclaim sweep. Step timeouts are bounded by
// queue leases, so shutdown only waits for in-flight items rather than
// cancelling them.
type Pool struct {
	repo      *Repository
	clock     clock.Clock
	cfg       WorkerConfig
	workerN   int
	processor Processor

	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once

	orphan *OrphanSweeper
}

// NewPool constructs a worker Pool with workerCount workers.
func NewPool(repo *Repository, c clock.Clock, cfg WorkerConfig, workerCount int, processor Processor, orphan *OrphanSweeper) *Pool {
	return &Pool{
		repo:      repo,
		clock:     c,
		cfg:       cfg,
		workerN:   workerCount,
		processor: processor,
		workers:   make([]*Worker, 0, workerCount),
		stopCh:    make(chan struct{}),
		orphan:    orphan,
	}
}

// Start spawns worker goroutines and the orphan-sweep background task.
func (p *Pool) Start(ctx context.Context) {
	slog.Info("starting worker pool", "worker_count", p.workerN)
	for i := 0; i < p.workerN; i++ {
		w := NewWorker(fmt.Sprintf("worker-%d", i), p.repo, p.clock, p.cfg, p.processor)
		p.workers = append(p.workers, w)
		w.Start(ctx)
	}
	if p.orphan != nil {
		p.orphan.Start(ctx)
	}
}

// Stop gracefully stops every worker (each finishes its in-flight item)
// and the orphan sweeper, fanning in via errgroup.
func (p *Pool) Stop() {
	slog.Info("stopping worker pool")
	var g errgroup.Group
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			w.Stop()
			return nil
		})
	}
	_ = g.Wait()
	if p.orphan != nil {
		p.orphan.Stop()
	}
	slog.Info("worker pool stopped")
}

// Health returns the current health snapshot of the pool.
func (p *Pool) Health(ctx context.Context) (PoolHealth, error) {
	depth, err := p.repo.DepthByStatus(ctx)
	if err != nil {
		return PoolHealth{}, fmt.Errorf("query queue depth: %w", err)
	}

	stats := make([]WorkerHealth, len(p.workers))
	for i, w := range p.workers {
		stats[i] = w.Health()
	}
	return PoolHealth{Workers: stats, DepthByKey: depth}, nil
}
