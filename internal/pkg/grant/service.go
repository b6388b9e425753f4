package grant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/televault/televault/app/models"
)

// Service is the payment-facing façade: it turns gateway webhooks into
// subscription transitions and invitation issuance.
type Service struct {
	repo     Repository
	issuer   *Issuer
	revoker  *Revoker
	notifier Notifier
}

// NewService creates the subscription service.
func NewService(repo Repository, issuer *Issuer, revoker *Revoker, notifier Notifier) *Service {
	return &Service{repo: repo, issuer: issuer, revoker: revoker, notifier: notifier}
}

// PaymentConfirmation is the normalized payment-confirmed webhook payload.
type PaymentConfirmation struct {
	SubscriberID string
	PlanName     string
	AmountCents  int64
	Currency     string
	ExpiresAt    time.Time
}

// CreatePendingSubscription records a subscription at payment-link creation
// time. ExpiresAt stays unset until the gateway confirms.
func (s *Service) CreatePendingSubscription(ctx context.Context, subscriberID, planName string, amountCents int64, currency string) (*models.Subscription, error) {
	now, err := s.repo.Now(ctx)
	if err != nil {
		return nil, fmt.Errorf("read store time: %w", err)
	}
	sub := &models.Subscription{
		SubscriberID: subscriberID,
		PlanName:     planName,
		AmountCents:  amountCents,
		Currency:     currency,
		Status:       models.SubscriptionStatusPending,
		GrantState:   models.GrantStateNone,
		PurchasedAt:  now,
	}
	if err := s.repo.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("create subscription %s: %w", subscriberID, err)
	}
	return sub, nil
}

// ConfirmPayment activates the subscription and issues its invitation. The
// whole step is safe to retry: activation is a conditional transition and
// issuance is idempotent, so webhook replays return the existing invitation.
func (s *Service) ConfirmPayment(ctx context.Context, in PaymentConfirmation) (*models.Invitation, error) {
	sub, err := s.repo.GetSubscription(ctx, in.SubscriberID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("load subscription %s: %w", in.SubscriberID, err)
		}
		// Gateway confirmed a payment we never saw a link for; create the
		// pending record so activation has something to transition.
		if sub, err = s.CreatePendingSubscription(ctx, in.SubscriberID, in.PlanName, in.AmountCents, in.Currency); err != nil {
			return nil, err
		}
	}

	switch sub.Status {
	case models.SubscriptionStatusPending:
		if _, err := s.repo.ActivateSubscription(ctx, in.SubscriberID, in.ExpiresAt); err != nil {
			return nil, fmt.Errorf("activate subscription %s: %w", in.SubscriberID, err)
		}
	case models.SubscriptionStatusActive:
		// Early renewal: push the expiry forward. A replay of an
		// already-applied confirmation carries a non-later expiry and loses
		// the conditional write.
		extended, err := s.repo.ExtendSubscription(ctx, in.SubscriberID, in.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("extend subscription %s: %w", in.SubscriberID, err)
		}
		if extended {
			log.Infof("[Service] Extended subscription %s until %s", in.SubscriberID, in.ExpiresAt.UTC().Format(time.RFC3339))
		}
	case models.SubscriptionStatusExpired, models.SubscriptionStatusRevoked:
		renewed, err := s.repo.RenewSubscription(ctx, in.SubscriberID, in.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("renew subscription %s: %w", in.SubscriberID, err)
		}
		if renewed {
			log.Infof("[Service] Renewed subscription %s until %s", in.SubscriberID, in.ExpiresAt.UTC().Format(time.RFC3339))
		}
	}

	return s.issuer.IssueInvitation(ctx, in.SubscriberID)
}

// HandleRefund evicts a subscriber whose payment was refunded or disputed,
// without waiting for the expiry sweep. Grants that never reached admitted
// are simply closed.
func (s *Service) HandleRefund(ctx context.Context, subscriberID string) error {
	err := s.revoker.RevokeNow(ctx, subscriberID)
	if errors.Is(err, ErrNothingToRevoke) {
		// Not in the channel; shut the door on the subscription and its
		// invitation instead.
		if _, cerr := s.repo.CancelSubscription(ctx, subscriberID); cerr != nil {
			return fmt.Errorf("cancel refunded subscription %s: %w", subscriberID, cerr)
		}
		if _, terr := s.repo.TransitionGrant(ctx, subscriberID, models.GrantStateIssued, models.GrantStateDenied); terr != nil {
			return fmt.Errorf("close refunded grant for %s: %w", subscriberID, terr)
		}
		return nil
	}
	return err
}

// Stats returns grant counts by state for the dashboard.
func (s *Service) Stats(ctx context.Context) (map[string]int64, error) {
	return s.repo.CountByGrantState(ctx)
}
