package grant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/televault/televault/app/models"
)

// manualClock is an injectable clock tests advance by hand.
type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func newManualClock(t time.Time) *manualClock {
	return &manualClock{t: t}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// captureNotifier records published events for assertions.
type captureNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *captureNotifier) Publish(event Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *captureNotifier) byType(t EventType) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Event
	for _, e := range n.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// fakeAPIError mimics the channel API's typed errors.
type fakeAPIError struct {
	msg      string
	temp     bool
	notFound bool
}

func (e *fakeAPIError) Error() string   { return e.msg }
func (e *fakeAPIError) Temporary() bool { return e.temp }
func (e *fakeAPIError) NotFound() bool  { return e.notFound }

// fakeChannelAPI scripts remove-member outcomes.
type fakeChannelAPI struct {
	mu sync.Mutex
	// failures is the number of leading calls answered with a transient error.
	failures int
	// err, when set, is returned for every call (or per identity via errFor).
	err    error
	errFor map[string]error
	calls  int
}

func (f *fakeChannelAPI) RemoveMember(_ context.Context, channelIdentity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.errFor != nil {
		if err, ok := f.errFor[channelIdentity]; ok {
			return err
		}
	}
	if f.err != nil {
		return f.err
	}
	if f.failures > 0 {
		f.failures--
		return &fakeAPIError{msg: "gateway timeout", temp: true}
	}
	return nil
}

func (f *fakeChannelAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeRepo is an in-memory grant store with the same conditional-write
// semantics as the SQL implementation. Store time is the injected clock, so
// tests drive time manually.
type fakeRepo struct {
	mu     sync.Mutex
	clock  Clock
	nextID uint

	subs     map[string]*models.Subscription
	invs     map[string]*models.Invitation
	attempts []*models.RevocationAttempt
	webhooks map[string]*models.WebhookEvent

	// lookupDelay stalls invitation lookups to exercise the decision budget.
	lookupDelay time.Duration
}

func newFakeRepo(clock Clock) *fakeRepo {
	return &fakeRepo{
		clock:    clock,
		subs:     make(map[string]*models.Subscription),
		invs:     make(map[string]*models.Invitation),
		webhooks: make(map[string]*models.WebhookEvent),
	}
}

// seedActive installs an active subscription expiring at the given time.
func (r *fakeRepo) seedActive(subscriberID string, expiresAt time.Time) *models.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sub := &models.Subscription{
		ID:           r.nextID,
		SubscriberID: subscriberID,
		PlanName:     "monthly",
		Status:       models.SubscriptionStatusActive,
		GrantState:   models.GrantStateNone,
		PurchasedAt:  r.clock.Now(),
		ExpiresAt:    &expiresAt,
	}
	r.subs[subscriberID] = sub
	return sub
}

// seedAdmitted installs a subscription already admitted to the channel.
func (r *fakeRepo) seedAdmitted(subscriberID, channelIdentity string, expiresAt time.Time) *models.Subscription {
	sub := r.seedActive(subscriberID, expiresAt)
	r.mu.Lock()
	defer r.mu.Unlock()
	sub.GrantState = models.GrantStateAdmitted
	sub.ChannelIdentity = &channelIdentity
	return sub
}

func (r *fakeRepo) grantState(subscriberID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[subscriberID]; ok {
		return sub.GrantState
	}
	return ""
}

func (r *fakeRepo) attemptsFor(subscriberID string) []models.RevocationAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.RevocationAttempt
	for _, att := range r.attempts {
		if att.SubscriberID == subscriberID {
			out = append(out, *att)
		}
	}
	return out
}

func (r *fakeRepo) Now(_ context.Context) (time.Time, error) {
	return r.clock.Now(), nil
}

func (r *fakeRepo) CreateSubscription(_ context.Context, sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[sub.SubscriberID]; ok {
		return gorm.ErrDuplicatedKey
	}
	r.nextID++
	sub.ID = r.nextID
	cp := *sub
	r.subs[sub.SubscriberID] = &cp
	return nil
}

func (r *fakeRepo) GetSubscription(_ context.Context, subscriberID string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[subscriberID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *sub
	return &cp, nil
}

func (r *fakeRepo) ActivateSubscription(_ context.Context, subscriberID string, expiresAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[subscriberID]
	if !ok || sub.Status != models.SubscriptionStatusPending {
		return false, nil
	}
	sub.Status = models.SubscriptionStatusActive
	sub.ExpiresAt = &expiresAt
	return true, nil
}

func (r *fakeRepo) RenewSubscription(_ context.Context, subscriberID string, expiresAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[subscriberID]
	if !ok || (sub.Status != models.SubscriptionStatusExpired && sub.Status != models.SubscriptionStatusRevoked) {
		return false, nil
	}
	sub.Status = models.SubscriptionStatusActive
	sub.ExpiresAt = &expiresAt
	sub.GrantState = models.GrantStateNone
	sub.ChannelIdentity = nil
	return true, nil
}

func (r *fakeRepo) CancelSubscription(_ context.Context, subscriberID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[subscriberID]
	if !ok || sub.Status != models.SubscriptionStatusActive {
		return false, nil
	}
	sub.Status = models.SubscriptionStatusExpired
	return true, nil
}

func (r *fakeRepo) CountByGrantState(_ context.Context) (map[string]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[string]int64)
	for _, sub := range r.subs {
		counts[sub.GrantState]++
	}
	return counts, nil
}

func (r *fakeRepo) ExtendSubscription(_ context.Context, subscriberID string, expiresAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
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

func (r *fakeRepo) CreateInvitationIfNone(_ context.Context, inv *models.Invitation, now time.Time) (bool, *models.Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *models.Invitation
	for _, stored := range r.invs {
		if stored.SubscriberID != inv.SubscriberID || stored.Consumed || !stored.ExpiresAt.After(now) {
			continue
		}
		if best == nil || stored.CreatedAt.After(best.CreatedAt) {
			best = stored
		}
	}
	if best != nil {
		cp := *best
		return false, &cp, nil
	}
	if _, ok := r.invs[inv.Token]; ok {
		return false, nil, gorm.ErrDuplicatedKey
	}
	r.nextID++
	inv.ID = r.nextID
	inv.CreatedAt = r.clock.Now()
	cp := *inv
	r.invs[inv.Token] = &cp
	return true, inv, nil
}

func (r *fakeRepo) GetInvitationByToken(_ context.Context, token string) (*models.Invitation, error) {
	if r.lookupDelay > 0 {
		time.Sleep(r.lookupDelay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invs[token]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *inv
	return &cp, nil
}

func (r *fakeRepo) DeleteExpiredInvitations(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for token, inv := range r.invs {
		if !inv.ExpiresAt.After(before) {
			delete(r.invs, token)
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) TransitionGrant(_ context.Context, subscriberID, from, to string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[subscriberID]
	if !ok || sub.GrantState != from {
		return false, nil
	}
	sub.GrantState = to
	return true, nil
}

func (r *fakeRepo) AdmitJoin(_ context.Context, token, subscriberID, channelIdentity string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
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

func (r *fakeRepo) ExpireGrant(_ context.Context, subscriberID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
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

func (r *fakeRepo) CompleteRevocation(_ context.Context, subscriberID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
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

func (r *fakeRepo) ListExpiredAdmitted(_ context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Subscription
	for _, sub := range r.subs {
		if len(out) >= limit {
			break
		}
		if sub.GrantState == models.GrantStateAdmitted && sub.ExpiresAt != nil && !sub.ExpiresAt.After(now) {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (r *fakeRepo) OpenRevocationAttempt(_ context.Context, subscriberID, channelIdentity, correlationID string) (*models.RevocationAttempt, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.attempts) - 1; i >= 0; i-- {
		att := r.attempts[i]
		if att.SubscriberID != subscriberID {
			continue
		}
		if att.Outcome == models.RevocationOutcomePending || att.Outcome == models.RevocationOutcomePermanentlyFailed {
			cp := *att
			return &cp, false, nil
		}
	}
	r.nextID++
	att := &models.RevocationAttempt{
		ID:              r.nextID,
		CorrelationID:   correlationID,
		SubscriberID:    subscriberID,
		ChannelIdentity: channelIdentity,
		Outcome:         models.RevocationOutcomePending,
		CreatedAt:       r.clock.Now(),
	}
	r.attempts = append(r.attempts, att)
	cp := *att
	return &cp, true, nil
}

func (r *fakeRepo) UpdateRevocationAttempt(_ context.Context, att *models.RevocationAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, stored := range r.attempts {
		if stored.ID == att.ID {
			stored.AttemptCount = att.AttemptCount
			stored.LastError = att.LastError
			stored.NextRetryAt = att.NextRetryAt
			stored.Outcome = att.Outcome
			return nil
		}
	}
	return fmt.Errorf("revocation attempt %d not found", att.ID)
}

func (r *fakeRepo) ListDueRevocationAttempts(_ context.Context, now time.Time, limit int) ([]models.RevocationAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.RevocationAttempt
	for _, att := range r.attempts {
		if len(out) >= limit {
			break
		}
		if att.Outcome != models.RevocationOutcomePending {
			continue
		}
		if att.NextRetryAt == nil || !att.NextRetryAt.After(now) {
			out = append(out, *att)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListRevocationAttemptsByOutcome(_ context.Context, outcome string) ([]models.RevocationAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.RevocationAttempt
	for _, att := range r.attempts {
		if att.Outcome == outcome {
			out = append(out, *att)
		}
	}
	return out, nil
}

func (r *fakeRepo) CreateWebhookEventIfNotExists(_ context.Context, event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := event.Provider + "/" + event.ProviderEventID
	if stored, ok := r.webhooks[key]; ok {
		cp := *stored
		return false, &cp, nil
	}
	r.nextID++
	event.ID = r.nextID
	cp := *event
	r.webhooks[key] = &cp
	out := cp
	return true, &out, nil
}

func (r *fakeRepo) MarkWebhookProcessed(_ context.Context, id uint, processingError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	for _, stored := range r.webhooks {
		if stored.ID == id {
			stored.ProcessedAt = &now
			stored.ProcessingError = processingError
			return nil
		}
	}
	return fmt.Errorf("webhook event %d not found", id)
}
