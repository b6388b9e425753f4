package grant

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/televault/televault/app/models"
)

// Validator decides join attempts. It sits in the synchronous path of the
// channel bot's webhook, so every answer must come back within the decision
// budget; when the store cannot answer in time the default is deny, never
// admit.
type Validator struct {
	repo     Repository
	notifier Notifier
	budget   time.Duration
}

// NewValidator creates a join validator with the given response budget.
func NewValidator(repo Repository, notifier Notifier, budget time.Duration) *Validator {
	return &Validator{repo: repo, notifier: notifier, budget: budget}
}

// ValidateJoin admits or denies a join attempt presenting token from
// channelIdentity at requestTime. At most one attempt per token is ever
// admitted; the losing side of a race sees "already consumed".
func (v *Validator) ValidateJoin(ctx context.Context, token, channelIdentity string, requestTime time.Time) Decision {
	ctx, cancel := context.WithTimeout(ctx, v.budget)
	defer cancel()

	type outcome struct {
		decision     Decision
		subscriberID string
	}
	ch := make(chan outcome, 1)
	go func() {
		d, subscriberID := v.decide(ctx, token, channelIdentity, requestTime)
		ch <- outcome{decision: d, subscriberID: subscriberID}
	}()

	select {
	case out := <-ch:
		v.report(out.decision, out.subscriberID, channelIdentity, requestTime)
		return out.decision
	case <-ctx.Done():
		log.Warnf("[Validator] Join decision for %s timed out after %s, denying", channelIdentity, v.budget)
		d := Decision{Admit: false, Reason: DenyTimeout}
		v.report(d, "", channelIdentity, requestTime)
		return d
	}
}

func (v *Validator) decide(ctx context.Context, token, channelIdentity string, requestTime time.Time) (Decision, string) {
	inv, err := v.repo.GetInvitationByToken(ctx, token)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Decision{Admit: false, Reason: DenyNotFound}, ""
		}
		log.Errorf("[Validator] Invitation lookup failed: %v", err)
		return Decision{Admit: false, Reason: DenyInternal}, ""
	}
	subscriberID := inv.SubscriberID

	if inv.Consumed {
		return Decision{Admit: false, Reason: DenyAlreadyConsumed}, subscriberID
	}
	if !inv.IsClaimableAt(requestTime) {
		v.closeGrant(ctx, subscriberID)
		return Decision{Admit: false, Reason: DenyExpired}, subscriberID
	}

	sub, err := v.repo.GetSubscription(ctx, subscriberID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Subscription deleted out from under its invitation.
			return Decision{Admit: false, Reason: DenySubscriptionInactive}, subscriberID
		}
		log.Errorf("[Validator] Subscription lookup for %s failed: %v", subscriberID, err)
		return Decision{Admit: false, Reason: DenyInternal}, subscriberID
	}
	if !sub.IsActiveAt(requestTime) {
		v.closeGrant(ctx, subscriberID)
		return Decision{Admit: false, Reason: DenySubscriptionInactive}, subscriberID
	}

	admitted, err := v.repo.AdmitJoin(ctx, token, subscriberID, channelIdentity, requestTime)
	if err != nil {
		log.Errorf("[Validator] Admit for %s failed: %v", subscriberID, err)
		return Decision{Admit: false, Reason: DenyInternal}, subscriberID
	}
	if !admitted {
		return Decision{Admit: false, Reason: DenyAlreadyConsumed}, subscriberID
	}
	return Decision{Admit: true}, subscriberID
}

// closeGrant parks a still-issued grant in denied once its invitation can no
// longer be claimed. A lost transition means the grant had already moved on.
func (v *Validator) closeGrant(ctx context.Context, subscriberID string) {
	if _, err := v.repo.TransitionGrant(ctx, subscriberID, models.GrantStateIssued, models.GrantStateDenied); err != nil {
		log.Errorf("[Validator] Failed to mark grant denied for %s: %v", subscriberID, err)
	}
}

func (v *Validator) report(d Decision, subscriberID, channelIdentity string, requestTime time.Time) {
	if d.Admit {
		v.notifier.Publish(Event{
			Type:         EventAdmitted,
			SubscriberID: subscriberID,
			Detail:       "joined as " + channelIdentity,
			OccurredAt:   requestTime,
		})
		return
	}
	v.notifier.Publish(Event{
		Type:         EventDenied,
		SubscriberID: subscriberID,
		Detail:       string(d.Reason),
		OccurredAt:   requestTime,
	})
}
