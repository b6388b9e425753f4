package grant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/televault/televault/app/models"
)

// ChannelAPI is the narrow slice of the channel-management bot API the
// executor needs.
type ChannelAPI interface {
	RemoveMember(ctx context.Context, channelIdentity string) error
}

// Revoker drives member removal with durable, bounded retries. Attempt state
// lives in the store, so retries survive restarts and are shared between the
// scheduled sweep and the operator's manual re-trigger.
type Revoker struct {
	repo        Repository
	api         ChannelAPI
	notifier    Notifier
	clock       Clock
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	callTimeout time.Duration
}

// NewRevoker creates a revocation executor.
func NewRevoker(repo Repository, api ChannelAPI, notifier Notifier, clock Clock, cfg Config) *Revoker {
	return &Revoker{
		repo:        repo,
		api:         api,
		notifier:    notifier,
		clock:       clock,
		maxAttempts: cfg.MaxRevokeAttempts,
		baseBackoff: cfg.RevokeBaseBackoff,
		maxBackoff:  cfg.RevokeMaxBackoff,
		callTimeout: cfg.RevokeCallTimeout,
	}
}

// Revoke performs one remove-member call and classifies the result. A member
// already absent from the channel counts as success: they may have left on
// their own or been removed by a prior partially-failed attempt.
func (r *Revoker) Revoke(ctx context.Context, subscriberID, channelIdentity string) (RevokeOutcome, error) {
	cctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	err := r.api.RemoveMember(cctx, channelIdentity)
	outcome := classifyRemoveError(err)
	if outcome == RevokeSucceeded {
		return RevokeSucceeded, nil
	}
	log.Warnf("[Revoker] Remove member %s (subscriber %s) %s: %v", channelIdentity, subscriberID, outcome, err)
	return outcome, err
}

// ProcessAttempt runs one retry-aware revocation step for an open attempt,
// updating the audit record and the grant state.
func (r *Revoker) ProcessAttempt(ctx context.Context, att *models.RevocationAttempt) error {
	outcome, cause := r.Revoke(ctx, att.SubscriberID, att.ChannelIdentity)
	att.AttemptCount++

	switch outcome {
	case RevokeSucceeded:
		return r.finishSuccess(ctx, att)
	case RevokePermanent:
		r.finishPermanent(ctx, att, cause)
		return fmt.Errorf("revocation of %s permanently failed: %w", att.SubscriberID, cause)
	default:
		if att.AttemptCount >= r.maxAttempts {
			r.finishPermanent(ctx, att, cause)
			return fmt.Errorf("revocation of %s failed after %d attempts: %w", att.SubscriberID, att.AttemptCount, cause)
		}
		next := r.clock.Now().Add(r.backoff(att.AttemptCount))
		att.LastError = cause.Error()
		att.NextRetryAt = &next
		if err := r.repo.UpdateRevocationAttempt(ctx, att); err != nil {
			return fmt.Errorf("record retry for %s: %w", att.SubscriberID, err)
		}
		return fmt.Errorf("revocation of %s attempt %d/%d: %w", att.SubscriberID, att.AttemptCount, r.maxAttempts, cause)
	}
}

// RevokeNow is the manual path, shared by the admin "kick now" action and
// refund handling. It evicts an admitted grant immediately, re-opens a
// permanently-failed attempt, and runs one revocation step right away.
func (r *Revoker) RevokeNow(ctx context.Context, subscriberID string) error {
	sub, err := r.repo.GetSubscription(ctx, subscriberID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSubscriptionNotFound
		}
		return fmt.Errorf("load subscription %s: %w", subscriberID, err)
	}
	if sub.GrantState != models.GrantStateAdmitted && sub.GrantState != models.GrantStateExpired {
		return ErrNothingToRevoke
	}
	if sub.ChannelIdentity == nil {
		return ErrNothingToRevoke
	}

	won, err := r.repo.ExpireGrant(ctx, subscriberID)
	if err != nil {
		return fmt.Errorf("expire grant for %s: %w", subscriberID, err)
	}
	if won {
		r.notifier.Publish(Event{
			Type:         EventExpired,
			SubscriberID: subscriberID,
			Detail:       "evicted by operator",
			OccurredAt:   r.clock.Now(),
		})
	}

	att, _, err := r.repo.OpenRevocationAttempt(ctx, subscriberID, *sub.ChannelIdentity, uuid.New().String())
	if err != nil {
		return fmt.Errorf("open revocation attempt for %s: %w", subscriberID, err)
	}
	if att.Outcome == models.RevocationOutcomePermanentlyFailed {
		att.Outcome = models.RevocationOutcomePending
		att.AttemptCount = 0
		att.NextRetryAt = nil
		if err := r.repo.UpdateRevocationAttempt(ctx, att); err != nil {
			return fmt.Errorf("reopen revocation attempt for %s: %w", subscriberID, err)
		}
		log.Infof("[Revoker] Re-opened permanently failed revocation for %s", subscriberID)
	}

	return r.ProcessAttempt(ctx, att)
}

func (r *Revoker) finishSuccess(ctx context.Context, att *models.RevocationAttempt) error {
	won, err := r.repo.CompleteRevocation(ctx, att.SubscriberID)
	if err != nil {
		return fmt.Errorf("complete revocation for %s: %w", att.SubscriberID, err)
	}

	att.Outcome = models.RevocationOutcomeSucceeded
	att.LastError = ""
	att.NextRetryAt = nil
	if err := r.repo.UpdateRevocationAttempt(ctx, att); err != nil {
		return fmt.Errorf("close revocation attempt for %s: %w", att.SubscriberID, err)
	}

	if won {
		r.notifier.Publish(Event{
			Type:         EventRevoked,
			SubscriberID: att.SubscriberID,
			Detail:       fmt.Sprintf("removed %s after %d attempt(s)", att.ChannelIdentity, att.AttemptCount),
			OccurredAt:   r.clock.Now(),
		})
	}
	log.Infof("[Revoker] Revoked %s (subscriber %s) after %d attempt(s)", att.ChannelIdentity, att.SubscriberID, att.AttemptCount)
	return nil
}

// finishPermanent leaves the grant in expired, not revoked: the failure must
// stay visible until an operator re-triggers it.
func (r *Revoker) finishPermanent(ctx context.Context, att *models.RevocationAttempt, cause error) {
	att.Outcome = models.RevocationOutcomePermanentlyFailed
	att.LastError = cause.Error()
	att.NextRetryAt = nil
	if err := r.repo.UpdateRevocationAttempt(ctx, att); err != nil {
		log.Errorf("[Revoker] Failed to record permanent failure for %s: %v", att.SubscriberID, err)
	}

	r.notifier.Publish(Event{
		Type:         EventRevocationFailed,
		SubscriberID: att.SubscriberID,
		Detail:       cause.Error(),
		OccurredAt:   r.clock.Now(),
	})
	log.Errorf("[Revoker] Revocation of %s permanently failed after %d attempt(s): %v", att.SubscriberID, att.AttemptCount, cause)
}

func (r *Revoker) backoff(attempt int) time.Duration {
	d := r.baseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.maxBackoff {
			return r.maxBackoff
		}
	}
	if d > r.maxBackoff {
		return r.maxBackoff
	}
	return d
}

// classifyRemoveError maps a channel API error to a revocation outcome.
// Unknown errors (network, timeouts) are assumed transient.
func classifyRemoveError(err error) RevokeOutcome {
	if err == nil {
		return RevokeSucceeded
	}
	var nf interface{ NotFound() bool }
	if errors.As(err, &nf) && nf.NotFound() {
		return RevokeSucceeded
	}
	var tmp interface{ Temporary() bool }
	if errors.As(err, &tmp) {
		if tmp.Temporary() {
			return RevokeRetryable
		}
		return RevokePermanent
	}
	return RevokeRetryable
}
