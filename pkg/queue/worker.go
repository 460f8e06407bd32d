package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sendloop/automation-engine/pkg/clock"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Processor interprets one leased queue item end to end: it loads the
// owning workflow and subscriber, invokes the step executor, and persists
// the resulting transition (subscriber advance/terminate, queue completion
// or retry scheduling, and the event log write). It is implemented by
// pkg/engine; Worker itself knows nothing about step semantics.
type Processor interface {
	Process(ctx context.Context, item QueueItemRef) error
}

// QueueItemRef is the minimal identity a Processor needs to look up and
// process one leased item; kept separate from model.QueueItem so Worker
// does not need to depend on the full persisted row shape.
type QueueItemRef struct {
	ID           string
	WorkflowID   string
	SubscriberID string
}

// WorkerConfig tunes one worker's poll behavior.
type WorkerConfig struct {
	PollInterval       time.Duration
	PollIntervalJitter time.Duration
	LeaseDuration      time.Duration
}

// Worker polls the action queue for due items and hands each to a
// Processor. The poll interval is jittered so a fleet of workers does not
// thundering-herd the claim query. There is no heartbeat renewal: a step's
// runtime is bounded by the lease duration.
type Worker struct {
	id        string
	repo      *Repository
	clock     clock.Clock
	cfg       WorkerConfig
	processor Processor
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	mu             sync.RWMutex
	status         WorkerStatus
	currentItemID  string
	itemsProcessed int
	lastActivity   time.Time
}

// NewWorker constructs a Worker.
func NewWorker(id string, repo *Repository, c clock.Clock, cfg WorkerConfig, processor Processor) *Worker {
	return &Worker{
		id:           id,
		repo:         repo,
		clock:        c,
		cfg:          cfg,
		processor:    processor,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: c.Now(),
	}
}

// Start begins the worker's polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for the in-flight item, if
// any, to finish. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health reports the worker's current health snapshot.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:             w.id,
		Status:         string(w.status),
		CurrentItemID:  w.currentItemID,
		ItemsProcessed: w.itemsProcessed,
		LastActivity:   w.lastActivity,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("worker shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoItemsAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("error processing queue item", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

func (w *Worker) pollAndProcess(ctx context.Context) error {
	items, err := w.repo.Lease(ctx, w.id, 1, w.cfg.LeaseDuration, w.clock.Now())
	if err != nil {
		return err
	}
	item := items[0]

	log := slog.With("queue_item_id", item.ID, "worker_id", w.id, "step_kind", item.StepKind)
	log.Info("queue item leased")

	w.setStatus(WorkerStatusWorking, item.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	ref := QueueItemRef{ID: item.ID, WorkflowID: item.WorkflowID, SubscriberID: item.SubscriberID}
	if err := w.processor.Process(ctx, ref); err != nil {
		return fmt.Errorf("process queue item %s: %w", item.ID, err)
	}

	w.mu.Lock()
	w.itemsProcessed++
	w.mu.Unlock()

	log.Info("queue item processed")
	return nil
}

func (w *Worker) pollInterval() time.Duration {
	base := w.cfg.PollInterval
	jitter := w.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

func (w *Worker) setStatus(status WorkerStatus, itemID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentItemID = itemID
	w.lastActivity = w.clock.Now()
}
