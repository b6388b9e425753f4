package grant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// Scheduler runs the eviction sweep on a fixed cadence. A sweep scans for
// admitted grants whose subscription has lapsed, expires them, and drives the
// open revocation attempts that are due. Sweeps never overlap: a tick that
// lands while the previous sweep is still running is skipped.
type Scheduler struct {
	repo        Repository
	revoker     *Revoker
	notifier    Notifier
	clock       Clock
	interval    time.Duration
	concurrency int
	batchLimit  int
	retention   time.Duration

	mu   sync.Mutex
	cron *cron.Cron
}

// NewScheduler creates an eviction scheduler.
func NewScheduler(repo Repository, revoker *Revoker, notifier Notifier, clock Clock, cfg Config) *Scheduler {
	return &Scheduler{
		repo:        repo,
		revoker:     revoker,
		notifier:    notifier,
		clock:       clock,
		interval:    cfg.SweepInterval,
		concurrency: cfg.SweepConcurrency,
		batchLimit:  cfg.SweepBatchLimit,
		retention:   cfg.InvitationRetention,
	}
}

// Start begins the periodic sweep. Idempotent.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
		cron.Recover(cron.DefaultLogger),
	))
	_, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		if err := s.Sweep(context.Background()); err != nil {
			log.Errorf("[Sweep] %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule eviction sweep: %w", err)
	}
	c.Start()
	s.cron = c
	log.Infof("[Sweep] Eviction sweep running every %s", s.interval)
	return nil
}

// Stop halts the cadence and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	log.Info("[Sweep] Eviction sweep stopped")
}

// Sweep runs one eviction pass. Expiry comparisons use store time, not the
// scheduler's local clock. Items are processed independently: one grant's
// failure never blocks the rest of the batch.
func (s *Scheduler) Sweep(ctx context.Context) error {
	now, err := s.repo.Now(ctx)
	if err != nil {
		return fmt.Errorf("read store time: %w", err)
	}

	expired, err := s.repo.ListExpiredAdmitted(ctx, now, s.batchLimit)
	if err != nil {
		return fmt.Errorf("scan expired grants: %w", err)
	}
	if len(expired) > 0 {
		log.Infof("[Sweep] Evicting %d lapsed grant(s)", len(expired))
	}

	g := &errgroup.Group{}
	g.SetLimit(s.concurrency)
	for _, sub := range expired {
		sub := sub
		g.Go(func() error {
			if err := s.evict(ctx, sub.SubscriberID, sub.ChannelIdentity, now); err != nil {
				log.Errorf("[Sweep] Evict %s: %v", sub.SubscriberID, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	due, err := s.repo.ListDueRevocationAttempts(ctx, now, s.batchLimit)
	if err != nil {
		return fmt.Errorf("scan due revocation attempts: %w", err)
	}
	g = &errgroup.Group{}
	g.SetLimit(s.concurrency)
	for i := range due {
		att := due[i]
		g.Go(func() error {
			if err := s.revoker.ProcessAttempt(ctx, &att); err != nil {
				log.Warnf("[Sweep] %v", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if n, err := s.repo.DeleteExpiredInvitations(ctx, now.Add(-s.retention)); err != nil {
		log.Errorf("[Sweep] Invitation cleanup: %v", err)
	} else if n > 0 {
		log.Infof("[Sweep] Cleaned up %d spent invitation(s)", n)
	}
	return nil
}

// evict transitions one lapsed grant admitted -> expired and opens its
// revocation attempt. Re-running over the same store state is a no-op: the
// conditional transition loses and no second attempt is opened.
func (s *Scheduler) evict(ctx context.Context, subscriberID string, channelIdentity *string, now time.Time) error {
	won, err := s.repo.ExpireGrant(ctx, subscriberID)
	if err != nil {
		return fmt.Errorf("expire grant: %w", err)
	}
	if !won {
		// Raced with another sweep or a manual revocation.
		return nil
	}

	s.notifier.Publish(Event{
		Type:         EventExpired,
		SubscriberID: subscriberID,
		Detail:       "subscription lapsed",
		OccurredAt:   now,
	})

	if channelIdentity == nil {
		// Admitted grants always carry the joiner's identity; reaching this
		// would be an invariant violation worth surfacing loudly.
		return fmt.Errorf("admitted grant for %s has no channel identity", subscriberID)
	}
	if _, _, err := s.repo.OpenRevocationAttempt(ctx, subscriberID, *channelIdentity, uuid.New().String()); err != nil {
		return fmt.Errorf("open revocation attempt: %w", err)
	}
	return nil
}
