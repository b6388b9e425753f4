package controllers

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/televault/televault/app/models"
	"github.com/televault/televault/internal/pkg/grant"
)

// memRepo is a single-threaded in-memory grant store for handler tests.
// Methods the tested flows never reach come from the embedded nil interface
// and panic loudly if hit.
type memRepo struct {
	grant.Repository

	now      time.Time
	nextID   uint
	subs     map[string]*models.Subscription
	invs     map[string]*models.Invitation
	attempts []*models.RevocationAttempt
	webhooks map[string]*models.WebhookEvent

	// invCreateErr fails the next invitation insert once, to simulate a
	// transient store error mid-processing.
	invCreateErr error
}

func newMemRepo(now time.Time) *memRepo {
	return &memRepo{
		now:      now,
		subs:     make(map[string]*models.Subscription),
		invs:     make(map[string]*models.Invitation),
		webhooks: make(map[string]*models.WebhookEvent),
	}
}

func (r *memRepo) Now(_ context.Context) (time.Time, error) { return r.now, nil }

func (r *memRepo) CreateSubscription(_ context.Context, sub *models.Subscription) error {
	if _, ok := r.subs[sub.SubscriberID]; ok {
		return gorm.ErrDuplicatedKey
	}
	r.nextID++
	sub.ID = r.nextID
	r.subs[sub.SubscriberID] = sub
	return nil
}

func (r *memRepo) GetSubscription(_ context.Context, subscriberID string) (*models.Subscription, error) {
	sub, ok := r.subs[subscriberID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return sub, nil
}

func (r *memRepo) ActivateSubscription(_ context.Context, subscriberID string, expiresAt time.Time) (bool, error) {
	sub, ok := r.subs[subscriberID]
	if !ok || sub.Status != models.SubscriptionStatusPending {
		return false, nil
	}
	sub.Status = models.SubscriptionStatusActive
	sub.ExpiresAt = &expiresAt
	return true, nil
}

func (r *memRepo) CountByGrantState(_ context.Context) (map[string]int64, error) {
	counts := make(map[string]int64)
	for _, sub := range r.subs {
		counts[sub.GrantState]++
	}
	return counts, nil
}

func (r *memRepo) ExtendSubscription(_ context.Context, subscriberID string, expiresAt time.Time) (bool, error) {
	sub, ok := r.subs[subscriberID]
	if !ok || sub.Status != models.SubscriptionStatusActive {
		return false, nil
	}
	if sub.ExpiresAt != nil && !sub.ExpiresAt.Before(expiresAt) {
		return false, nil
	}
	sub.ExpiresAt = &expiresAt
	return true, nil
}

func (r *memRepo) CreateInvitationIfNone(_ context.Context, inv *models.Invitation, now time.Time) (bool, *models.Invitation, error) {
	if r.invCreateErr != nil {
		err := r.invCreateErr
		r.invCreateErr = nil
		return false, nil, err
	}
	for _, stored := range r.invs {
		if stored.SubscriberID == inv.SubscriberID && !stored.Consumed && stored.ExpiresAt.After(now) {
			return false, stored, nil
		}
	}
	if _, ok := r.invs[inv.Token]; ok {
		return false, nil, gorm.ErrDuplicatedKey
	}
	r.nextID++
	inv.ID = r.nextID
	inv.CreatedAt = r.now
	r.invs[inv.Token] = inv
	return true, inv, nil
}

func (r *memRepo) GetInvitationByToken(_ context.Context, token string) (*models.Invitation, error) {
	inv, ok := r.invs[token]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return inv, nil
}

func (r *memRepo) TransitionGrant(_ context.Context, subscriberID, from, to string) (bool, error) {
	sub, ok := r.subs[subscriberID]
	if !ok || sub.GrantState != from {
		return false, nil
	}
	sub.GrantState = to
	return true, nil
}

func (r *memRepo) AdmitJoin(_ context.Context, token, subscriberID, channelIdentity string, at time.Time) (bool, error) {
	inv, ok := r.invs[token]
	if !ok || inv.Consumed {
		return false, nil
	}
	sub, ok := r.subs[subscriberID]
	if !ok || sub.GrantState != models.GrantStateIssued {
		return false, nil
	}
	inv.Consumed = true
	inv.ConsumedBy = &channelIdentity
	inv.ConsumedAt = &at
	sub.GrantState = models.GrantStateAdmitted
	sub.ChannelIdentity = &channelIdentity
	return true, nil
}

func (r *memRepo) ExpireGrant(_ context.Context, subscriberID string) (bool, error) {
	sub, ok := r.subs[subscriberID]
	if !ok || sub.GrantState != models.GrantStateAdmitted {
		return false, nil
	}
	sub.GrantState = models.GrantStateExpired
	if sub.Status == models.SubscriptionStatusActive {
		sub.Status = models.SubscriptionStatusExpired
	}
	return true, nil
}

func (r *memRepo) CompleteRevocation(_ context.Context, subscriberID string) (bool, error) {
	sub, ok := r.subs[subscriberID]
	if !ok || sub.GrantState != models.GrantStateExpired {
		return false, nil
	}
	sub.GrantState = models.GrantStateRevoked
	if sub.Status == models.SubscriptionStatusExpired {
		sub.Status = models.SubscriptionStatusRevoked
	}
	return true, nil
}

func (r *memRepo) OpenRevocationAttempt(_ context.Context, subscriberID, channelIdentity, correlationID string) (*models.RevocationAttempt, bool, error) {
	for _, att := range r.attempts {
		if att.SubscriberID == subscriberID && att.Outcome != models.RevocationOutcomeSucceeded {
			return att, false, nil
		}
	}
	r.nextID++
	att := &models.RevocationAttempt{
		ID:              r.nextID,
		CorrelationID:   correlationID,
		SubscriberID:    subscriberID,
		ChannelIdentity: channelIdentity,
		Outcome:         models.RevocationOutcomePending,
		CreatedAt:       r.now,
	}
	r.attempts = append(r.attempts, att)
	return att, true, nil
}

func (r *memRepo) UpdateRevocationAttempt(_ context.Context, att *models.RevocationAttempt) error {
	for _, stored := range r.attempts {
		if stored.ID == att.ID {
			*stored = *att
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (r *memRepo) ListRevocationAttemptsByOutcome(_ context.Context, outcome string) ([]models.RevocationAttempt, error) {
	var out []models.RevocationAttempt
	for _, att := range r.attempts {
		if att.Outcome == outcome {
			out = append(out, *att)
		}
	}
	return out, nil
}

func (r *memRepo) CreateWebhookEventIfNotExists(_ context.Context, event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	key := event.Provider + "/" + event.ProviderEventID
	if stored, ok := r.webhooks[key]; ok {
		return false, stored, nil
	}
	r.nextID++
	event.ID = r.nextID
	r.webhooks[key] = event
	return true, event, nil
}

func (r *memRepo) MarkWebhookProcessed(_ context.Context, id uint, processingError string) error {
	for _, stored := range r.webhooks {
		if stored.ID == id {
			now := r.now
			stored.ProcessedAt = &now
			stored.ProcessingError = processingError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

// dropNotifier discards events; handler tests assert over HTTP responses and
// store state instead.
type dropNotifier struct{}

func (dropNotifier) Publish(grant.Event) {}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// noopChannelAPI always succeeds.
type noopChannelAPI struct{}

func (noopChannelAPI) RemoveMember(context.Context, string) error { return nil }

type transientAPIError struct{}

func (transientAPIError) Error() string   { return "channel api unreachable" }
func (transientAPIError) Temporary() bool { return true }

// failingChannelAPI always fails with a retryable error.
type failingChannelAPI struct{}

func (failingChannelAPI) RemoveMember(context.Context, string) error { return transientAPIError{} }
