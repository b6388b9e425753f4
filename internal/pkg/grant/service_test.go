package grant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/televault/televault/app/models"
)

func newTestService(clock *manualClock, api ChannelAPI) (*Service, *fakeRepo, *captureNotifier) {
	repo := newFakeRepo(clock)
	notifier := &captureNotifier{}
	cfg := testRevokeConfig()
	issuer := NewIssuer(repo, notifier, cfg.MaxInvitationTTL)
	revoker := NewRevoker(repo, api, notifier, clock, cfg)
	return NewService(repo, issuer, revoker, notifier), repo, notifier
}

func confirmation(subscriberID string, expiresAt time.Time) PaymentConfirmation {
	return PaymentConfirmation{
		SubscriberID: subscriberID,
		PlanName:     "monthly",
		AmountCents:  999,
		Currency:     "EUR",
		ExpiresAt:    expiresAt,
	}
}

func TestConfirmPayment(t *testing.T) {
	ctx := context.Background()

	t.Run("activates a pending subscription and issues", func(t *testing.T) {
		clock := newManualClock(testBase)
		svc, repo, _ := newTestService(clock, &fakeChannelAPI{})
		_, err := svc.CreatePendingSubscription(ctx, "S1", "monthly", 999, "EUR")
		require.NoError(t, err)

		inv, err := svc.ConfirmPayment(ctx, confirmation("S1", testBase.Add(30*24*time.Hour)))
		require.NoError(t, err)
		assert.NotEmpty(t, inv.Token)

		sub, err := repo.GetSubscription(ctx, "S1")
		require.NoError(t, err)
		assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
		assert.Equal(t, models.GrantStateIssued, sub.GrantState)
		require.NotNil(t, sub.ExpiresAt)
		assert.True(t, sub.ExpiresAt.Equal(testBase.Add(30*24*time.Hour)))
	})

	t.Run("confirmation for an unseen subscriber creates the record", func(t *testing.T) {
		clock := newManualClock(testBase)
		svc, repo, _ := newTestService(clock, &fakeChannelAPI{})

		inv, err := svc.ConfirmPayment(ctx, confirmation("S1", testBase.Add(30*24*time.Hour)))
		require.NoError(t, err)
		assert.NotEmpty(t, inv.Token)

		sub, err := repo.GetSubscription(ctx, "S1")
		require.NoError(t, err)
		assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
		assert.Equal(t, "monthly", sub.PlanName)
	})

	t.Run("replayed confirmation returns the same invitation", func(t *testing.T) {
		clock := newManualClock(testBase)
		svc, repo, _ := newTestService(clock, &fakeChannelAPI{})

		in := confirmation("S1", testBase.Add(30*24*time.Hour))
		first, err := svc.ConfirmPayment(ctx, in)
		require.NoError(t, err)
		second, err := svc.ConfirmPayment(ctx, in)
		require.NoError(t, err)

		assert.Equal(t, first.Token, second.Token)
		repo.mu.Lock()
		assert.Len(t, repo.invs, 1)
		repo.mu.Unlock()
	})

	t.Run("early renewal extends an active subscription", func(t *testing.T) {
		clock := newManualClock(testBase)
		svc, repo, _ := newTestService(clock, &fakeChannelAPI{})

		firstExpiry := testBase.Add(24 * time.Hour)
		inv, err := svc.ConfirmPayment(ctx, confirmation("S1", firstExpiry))
		require.NoError(t, err)

		// A fresh payment lands while the subscription is still running.
		renewedExpiry := testBase.Add(31 * 24 * time.Hour)
		again, err := svc.ConfirmPayment(ctx, confirmation("S1", renewedExpiry))
		require.NoError(t, err)
		assert.Equal(t, inv.Token, again.Token)

		sub, err := repo.GetSubscription(ctx, "S1")
		require.NoError(t, err)
		require.NotNil(t, sub.ExpiresAt)
		assert.True(t, sub.ExpiresAt.Equal(renewedExpiry))

		// A replay of the first confirmation must not pull the expiry back.
		_, err = svc.ConfirmPayment(ctx, confirmation("S1", firstExpiry))
		require.NoError(t, err)
		sub, err = repo.GetSubscription(ctx, "S1")
		require.NoError(t, err)
		assert.True(t, sub.ExpiresAt.Equal(renewedExpiry))
	})

	t.Run("renewal after revocation resets the grant", func(t *testing.T) {
		clock := newManualClock(testBase)
		api := &fakeChannelAPI{}
		svc, repo, _ := newTestService(clock, api)

		first, err := svc.ConfirmPayment(ctx, confirmation("S1", testBase.Add(time.Hour)))
		require.NoError(t, err)

		v := NewValidator(repo, &captureNotifier{}, time.Second)
		require.True(t, v.ValidateJoin(ctx, first.Token, "chat123", testBase.Add(time.Minute)).Admit)

		// Lapse and get evicted.
		clock.Advance(2 * time.Hour)
		cfg := testRevokeConfig()
		sched := NewScheduler(repo, NewRevoker(repo, api, &captureNotifier{}, clock, cfg), &captureNotifier{}, clock, cfg)
		require.NoError(t, sched.Sweep(ctx))
		require.Equal(t, models.GrantStateRevoked, repo.grantState("S1"))

		// Pay again.
		renewedUntil := clock.Now().Add(30 * 24 * time.Hour)
		second, err := svc.ConfirmPayment(ctx, confirmation("S1", renewedUntil))
		require.NoError(t, err)
		assert.NotEqual(t, first.Token, second.Token)

		sub, err := repo.GetSubscription(ctx, "S1")
		require.NoError(t, err)
		assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
		assert.Equal(t, models.GrantStateIssued, sub.GrantState)
		assert.Nil(t, sub.ChannelIdentity)

		// The new invitation admits again.
		d := NewValidator(repo, &captureNotifier{}, time.Second).
			ValidateJoin(ctx, second.Token, "chat123", clock.Now())
		assert.True(t, d.Admit)
	})
}

func TestHandleRefund(t *testing.T) {
	ctx := context.Background()

	t.Run("admitted subscriber is removed immediately", func(t *testing.T) {
		clock := newManualClock(testBase)
		svc, repo, notifier := newTestService(clock, &fakeChannelAPI{})
		repo.seedAdmitted("S1", "chat123", testBase.Add(24*time.Hour))

		require.NoError(t, svc.HandleRefund(ctx, "S1"))
		assert.Equal(t, models.GrantStateRevoked, repo.grantState("S1"))
		require.Len(t, notifier.byType(EventRevoked), 1)
	})

	t.Run("refund before joining closes the invitation", func(t *testing.T) {
		clock := newManualClock(testBase)
		svc, repo, _ := newTestService(clock, &fakeChannelAPI{})
		inv, err := svc.ConfirmPayment(ctx, confirmation("S1", testBase.Add(30*24*time.Hour)))
		require.NoError(t, err)

		require.NoError(t, svc.HandleRefund(ctx, "S1"))

		sub, err := repo.GetSubscription(ctx, "S1")
		require.NoError(t, err)
		assert.Equal(t, models.SubscriptionStatusExpired, sub.Status)
		assert.Equal(t, models.GrantStateDenied, sub.GrantState)

		// The invitation must no longer admit.
		d := NewValidator(repo, &captureNotifier{}, time.Second).
			ValidateJoin(ctx, inv.Token, "chat123", testBase.Add(time.Minute))
		assert.False(t, d.Admit)
		assert.Equal(t, DenySubscriptionInactive, d.Reason)
	})

	t.Run("refund for an unknown subscriber", func(t *testing.T) {
		clock := newManualClock(testBase)
		svc, _, _ := newTestService(clock, &fakeChannelAPI{})
		assert.ErrorIs(t, svc.HandleRefund(ctx, "ghost"), ErrSubscriptionNotFound)
	})
}

func TestStats(t *testing.T) {
	clock := newManualClock(testBase)
	svc, repo, _ := newTestService(clock, &fakeChannelAPI{})
	repo.seedActive("S1", testBase.Add(time.Hour))
	repo.seedAdmitted("S2", "chat2", testBase.Add(time.Hour))
	repo.seedAdmitted("S3", "chat3", testBase.Add(time.Hour))

	counts, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.GrantStateNone])
	assert.Equal(t, int64(2), counts[models.GrantStateAdmitted])
}
