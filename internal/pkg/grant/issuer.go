package grant

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/televault/televault/app/models"
)

const (
	tokenBytes       = 32
	maxTokenAttempts = 3
)

// Issuer creates the single-use, expiring invitation that ties a paid
// subscription to one channel entry.
type Issuer struct {
	repo     Repository
	notifier Notifier
	maxTTL   time.Duration
}

// NewIssuer creates an invitation issuer.
func NewIssuer(repo Repository, notifier Notifier, maxTTL time.Duration) *Issuer {
	return &Issuer{repo: repo, notifier: notifier, maxTTL: maxTTL}
}

// IssueInvitation creates an invitation for an active subscription. It is
// idempotent: the store-side conditional insert returns the outstanding
// unconsumed, unexpired invitation instead of minting a second one, so
// webhook replays and concurrent confirmations converge on one token. Safe
// to retry on store errors.
func (i *Issuer) IssueInvitation(ctx context.Context, subscriberID string) (*models.Invitation, error) {
	sub, err := i.repo.GetSubscription(ctx, subscriberID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("load subscription %s: %w", subscriberID, err)
	}

	now, err := i.repo.Now(ctx)
	if err != nil {
		return nil, fmt.Errorf("read store time: %w", err)
	}
	if !sub.IsActiveAt(now) {
		return nil, ErrSubscriptionNotActive
	}

	expiresAt := now.Add(i.maxTTL)
	if sub.ExpiresAt.Before(expiresAt) {
		expiresAt = *sub.ExpiresAt
	}

	inv, created, err := i.createWithFreshToken(ctx, subscriberID, expiresAt, now)
	if err != nil {
		return nil, err
	}
	if !created {
		// Replay: the grant is already issued for this invitation.
		return inv, nil
	}

	// A lost transition means the grant moved past none concurrently; the
	// conditional insert has already settled which invitation stands.
	if _, err := i.repo.TransitionGrant(ctx, subscriberID, models.GrantStateNone, models.GrantStateIssued); err != nil {
		return nil, fmt.Errorf("mark grant issued for %s: %w", subscriberID, err)
	}

	i.notifier.Publish(Event{
		Type:         EventIssued,
		SubscriberID: subscriberID,
		Detail:       fmt.Sprintf("invitation valid until %s", expiresAt.UTC().Format(time.RFC3339)),
		OccurredAt:   now,
	})
	return inv, nil
}

func (i *Issuer) createWithFreshToken(ctx context.Context, subscriberID string, expiresAt, now time.Time) (*models.Invitation, bool, error) {
	for attempt := 1; attempt <= maxTokenAttempts; attempt++ {
		token, err := generateToken()
		if err != nil {
			return nil, false, fmt.Errorf("generate invitation token: %w", err)
		}

		inv := &models.Invitation{
			Token:        token,
			SubscriberID: subscriberID,
			ExpiresAt:    expiresAt,
		}
		created, existing, err := i.repo.CreateInvitationIfNone(ctx, inv, now)
		if err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				log.Errorf("[Issuer] Token collision for subscriber %s (attempt %d/%d)", subscriberID, attempt, maxTokenAttempts)
				continue
			}
			return nil, false, fmt.Errorf("persist invitation for %s: %w", subscriberID, err)
		}
		if !created {
			return existing, false, nil
		}
		return inv, true, nil
	}

	log.Errorf("[Issuer] Giving up after %d token collisions for subscriber %s", maxTokenAttempts, subscriberID)
	return nil, false, ErrTokenCollision
}

func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
