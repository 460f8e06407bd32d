package trigger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sendloop/automation-engine/pkg/model"
	"golang.org/x/sync/singleflight"
)

// DateMatch is one contact whose tracked date field lands on a date-based
// trigger's anchor date (the date field plus the trigger's offset_days).
type DateMatch struct {
	TenantID  string
	Email     string
	ContactID string
	// AnchorDate is the date_field value itself (pre-offset), used to key
	// the sweeper's idempotency hash.
	AnchorDate time.Time
}

// InactiveContact is one contact with no recorded activity for at least
// InactivityDays, per a no_activity trigger.
type InactiveContact struct {
	TenantID  string
	Email     string
	ContactID string
}

// SweepSource is the read surface the sweeper needs over the contact
// directory — kept separate from ContactLookup since these are bulk scans,
// not single-contact lookups.
type SweepSource interface {
	// ContactsMatchingDate returns contacts whose dateField equals today
	// (already offset-adjusted by the caller).
	ContactsMatchingDate(ctx context.Context, tenantID, dateField string, today time.Time) ([]DateMatch, error)
	// ContactsInactiveSince returns contacts with no activity at or after
	// cutoff.
	ContactsInactiveSince(ctx context.Context, tenantID string, cutoff time.Time) ([]InactiveContact, error)
}

// SeenTracker records which (workflow, contact, anchor_date) idempotency
// keys a sweep tick has already enrolled, so a restarted or duplicated
// tick never double-enrolls.
type SeenTracker interface {
	MarkSeen(ctx context.Context, key string) (alreadySeen bool, err error)
}

// Sweeper periodically scans date-based and no-activity triggers and
// enrolls every match not already seen. These triggers are not event
// driven; the sweep synthesizes the enrollment instead.
type Sweeper struct {
	router   *Router
	source   SweepSource
	seen     SeenTracker
	redis    *redis.Client
	workerID string
	interval time.Duration
	lockTTL  time.Duration

	sf     singleflight.Group
	logger *slog.Logger
}

// NewSweeper constructs a Sweeper. redisClient may be nil, in which case
// ticks run unlocked — acceptable for a single-node deployment.
func NewSweeper(router *Router, source SweepSource, seen SeenTracker, redisClient *redis.Client, workerID string, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		router:   router,
		source:   source,
		seen:     seen,
		redis:    redisClient,
		workerID: workerID,
		interval: interval,
		lockTTL:  interval * 2,
		logger:   logger,
	}
}

// Run blocks, ticking every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("sweep tick failed", "error", err)
			}
		}
	}
}

// Tick runs one sweep pass, deduping concurrent calls within this process
// via singleflight and across processes via a Redis lock (falling back to
// running unlocked when redis is nil).
func (s *Sweeper) Tick(ctx context.Context) error {
	_, err, _ := s.sf.Do("sweep", func() (any, error) {
		return nil, s.tickLocked(ctx)
	})
	return err
}

func (s *Sweeper) tickLocked(ctx context.Context) error {
	if s.redis != nil {
		locked, release, err := s.acquireLock(ctx, "trigger-sweep:tick")
		if err != nil {
			return fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !locked {
			return nil
		}
		defer release(ctx)
	}

	var errs []error
	if err := s.sweepDateBased(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.sweepInactivity(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// acquireLock is a minimal SETNX-with-TTL Redis lock. The TTL bounds how
// long a crashed holder can block other pods' sweeps.
func (s *Sweeper) acquireLock(ctx context.Context, key string) (acquired bool, release func(context.Context), err error) {
	ok, err := s.redis.SetNX(ctx, key, s.workerID, s.lockTTL).Result()
	if err != nil {
		return false, nil, err
	}
	if !ok {
		return false, nil, nil
	}
	return true, func(ctx context.Context) {
		if err := s.redis.Del(ctx, key).Err(); err != nil {
			s.logger.Warn("release sweep lock failed", "key", key, "error", err)
		}
	}, nil
}

// sweepDateBased evaluates every workflow with a date_based trigger against
// today's matching contacts.
func (s *Sweeper) sweepDateBased(ctx context.Context) error {
	workflows, err := s.router.workflows.ListActiveByTrigger(ctx, model.TriggerDateBased)
	if err != nil {
		return fmt.Errorf("list date_based workflows: %w", err)
	}

	now := s.router.clock.Now()
	var errs []error
	for _, wf := range workflows {
		anchorDay := now.AddDate(0, 0, -wf.Trigger.OffsetDays)
		matches, err := s.source.ContactsMatchingDate(ctx, wf.TenantID, wf.Trigger.DateField, anchorDay)
		if err != nil {
			errs = append(errs, fmt.Errorf("match date field for workflow %s: %w", wf.ID, err))
			continue
		}
		for _, m := range matches {
			if err := s.enrollIfUnseen(ctx, wf, m.TenantID, m.Email, m.ContactID, anchorKey(wf.ID, m.ContactID, m.AnchorDate)); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// sweepInactivity evaluates every workflow with a no_activity trigger
// against contacts that have gone quiet for at least inactivity_days.
func (s *Sweeper) sweepInactivity(ctx context.Context) error {
	workflows, err := s.router.workflows.ListActiveByTrigger(ctx, model.TriggerNoActivity)
	if err != nil {
		return fmt.Errorf("list no_activity workflows: %w", err)
	}

	now := s.router.clock.Now()
	var errs []error
	for _, wf := range workflows {
		cutoff := now.AddDate(0, 0, -wf.Trigger.InactivityDays)
		contacts, err := s.source.ContactsInactiveSince(ctx, wf.TenantID, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("scan inactive contacts for workflow %s: %w", wf.ID, err))
			continue
		}
		for _, c := range contacts {
			// Inactivity re-evaluates daily, so the anchor is the current
			// day rather than a contact-carried date field.
			if err := s.enrollIfUnseen(ctx, wf, c.TenantID, c.Email, c.ContactID, anchorKey(wf.ID, c.ContactID, now)); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Sweeper) enrollIfUnseen(ctx context.Context, wf model.Workflow, tenantID, email, contactID, key string) error {
	seen, err := s.seen.MarkSeen(ctx, key)
	if err != nil {
		return fmt.Errorf("mark sweep key seen for workflow %s: %w", wf.ID, err)
	}
	if seen {
		return nil
	}

	evt := model.InboundEvent{
		Kind:       wf.Trigger.Kind,
		TenantID:   tenantID,
		Email:      email,
		Payload:    map[string]any{"contact_id": contactID},
		OccurredAt: s.router.clock.Now(),
	}
	decision, err := s.router.CheckEntryConditions(ctx, wf, tenantID, email)
	if err != nil {
		return fmt.Errorf("check entry conditions for workflow %s: %w", wf.ID, err)
	}
	if !decision.Allowed {
		return nil
	}
	if _, err := s.router.Enroll(ctx, wf, evt); err != nil {
		return fmt.Errorf("enroll sweep match into workflow %s: %w", wf.ID, err)
	}
	return nil
}

// anchorKey computes the sweeper's idempotency key,
// hash(workflow_id, contact_id, anchor_date), as a hex string.
func anchorKey(workflowID, contactID string, anchor time.Time) string {
	h := sha256.New()
	h.Write([]byte(workflowID))
	h.Write([]byte{0})
	h.Write([]byte(contactID))
	h.Write([]byte{0})
	h.Write([]byte(anchor.UTC().Format("2006-01-02")))
	return hex.EncodeToString(h.Sum(nil))
}
