package grant

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/televault/televault/app/models"
)

// issueFor seeds an active subscription and mints its invitation.
func issueFor(t *testing.T, repo *fakeRepo, subscriberID string, subExpiry time.Time) *models.Invitation {
	t.Helper()
	repo.seedActive(subscriberID, subExpiry)
	issuer := NewIssuer(repo, &captureNotifier{}, 48*time.Hour)
	inv, err := issuer.IssueInvitation(context.Background(), subscriberID)
	require.NoError(t, err)
	return inv
}

func TestValidateJoin(t *testing.T) {
	ctx := context.Background()

	t.Run("admits a valid claim", func(t *testing.T) {
		clock := newManualClock(testBase)
		repo := newFakeRepo(clock)
		notifier := &captureNotifier{}
		v := NewValidator(repo, notifier, time.Second)
		inv := issueFor(t, repo, "S1", testBase.Add(time.Hour))

		d := v.ValidateJoin(ctx, inv.Token, "chat123", testBase.Add(time.Minute))
		assert.True(t, d.Admit)
		assert.Equal(t, DenyNone, d.Reason)

		stored, err := repo.GetInvitationByToken(ctx, inv.Token)
		require.NoError(t, err)
		assert.True(t, stored.Consumed)
		require.NotNil(t, stored.ConsumedBy)
		assert.Equal(t, "chat123", *stored.ConsumedBy)

		sub, err := repo.GetSubscription(ctx, "S1")
		require.NoError(t, err)
		assert.Equal(t, models.GrantStateAdmitted, sub.GrantState)
		require.NotNil(t, sub.ChannelIdentity)
		assert.Equal(t, "chat123", *sub.ChannelIdentity)
		require.Len(t, notifier.byType(EventAdmitted), 1)
	})

	t.Run("unknown token", func(t *testing.T) {
		clock := newManualClock(testBase)
		repo := newFakeRepo(clock)
		v := NewValidator(repo, &captureNotifier{}, time.Second)

		d := v.ValidateJoin(ctx, "no-such-token", "chat123", testBase)
		assert.False(t, d.Admit)
		assert.Equal(t, DenyNotFound, d.Reason)
	})

	t.Run("second presentation of a consumed token", func(t *testing.T) {
		clock := newManualClock(testBase)
		repo := newFakeRepo(clock)
		v := NewValidator(repo, &captureNotifier{}, time.Second)
		inv := issueFor(t, repo, "S1", testBase.Add(time.Hour))

		first := v.ValidateJoin(ctx, inv.Token, "chat123", testBase.Add(time.Minute))
		require.True(t, first.Admit)

		second := v.ValidateJoin(ctx, inv.Token, "chat999", testBase.Add(2*time.Minute))
		assert.False(t, second.Admit)
		assert.Equal(t, DenyAlreadyConsumed, second.Reason)

		// The winner's admission is untouched.
		sub, err := repo.GetSubscription(ctx, "S1")
		require.NoError(t, err)
		assert.Equal(t, "chat123", *sub.ChannelIdentity)
	})

	t.Run("expired invitation", func(t *testing.T) {
		clock := newManualClock(testBase)
		repo := newFakeRepo(clock)
		notifier := &captureNotifier{}
		v := NewValidator(repo, notifier, time.Second)
		inv := issueFor(t, repo, "S1", testBase.Add(time.Hour))

		d := v.ValidateJoin(ctx, inv.Token, "chat123", inv.ExpiresAt.Add(time.Second))
		assert.False(t, d.Admit)
		assert.Equal(t, DenyExpired, d.Reason)
		assert.Equal(t, models.GrantStateDenied, repo.grantState("S1"))
		require.Len(t, notifier.byType(EventDenied), 1)
	})

	t.Run("invitation stops being claimable at its exact expiry", func(t *testing.T) {
		clock := newManualClock(testBase)
		repo := newFakeRepo(clock)
		v := NewValidator(repo, &captureNotifier{}, time.Second)
		inv := issueFor(t, repo, "S1", testBase.Add(time.Hour))

		d := v.ValidateJoin(ctx, inv.Token, "chat123", inv.ExpiresAt)
		assert.False(t, d.Admit)
		assert.Equal(t, DenyExpired, d.Reason)
	})

	t.Run("subscription no longer active", func(t *testing.T) {
		clock := newManualClock(testBase)
		repo := newFakeRepo(clock)
		v := NewValidator(repo, &captureNotifier{}, time.Second)
		inv := issueFor(t, repo, "S1", testBase.Add(time.Hour))
		_, err := repo.CancelSubscription(ctx, "S1")
		require.NoError(t, err)

		d := v.ValidateJoin(ctx, inv.Token, "chat123", testBase.Add(time.Minute))
		assert.False(t, d.Admit)
		assert.Equal(t, DenySubscriptionInactive, d.Reason)
		assert.Equal(t, models.GrantStateDenied, repo.grantState("S1"))
	})

	t.Run("slow store denies by default", func(t *testing.T) {
		clock := newManualClock(testBase)
		repo := newFakeRepo(clock)
		repo.lookupDelay = 300 * time.Millisecond
		v := NewValidator(repo, &captureNotifier{}, 20*time.Millisecond)
		inv := issueFor(t, repo, "S1", testBase.Add(time.Hour))

		d := v.ValidateJoin(ctx, inv.Token, "chat123", testBase.Add(time.Minute))
		assert.False(t, d.Admit)
		assert.Equal(t, DenyTimeout, d.Reason)
	})
}

func TestValidateJoinRace(t *testing.T) {
	clock := newManualClock(testBase)
	repo := newFakeRepo(clock)
	notifier := &captureNotifier{}
	v := NewValidator(repo, notifier, 5*time.Second)
	inv := issueFor(t, repo, "S1", testBase.Add(time.Hour))

	const racers = 20
	decisions := make([]Decision, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			decisions[i] = v.ValidateJoin(context.Background(), inv.Token, "chat"+string(rune('a'+i)), testBase.Add(time.Minute))
		}()
	}
	wg.Wait()

	admitted := 0
	for _, d := range decisions {
		if d.Admit {
			admitted++
		} else {
			assert.Equal(t, DenyAlreadyConsumed, d.Reason)
		}
	}
	assert.Equal(t, 1, admitted, "exactly one racer may be admitted")
	assert.Len(t, notifier.byType(EventAdmitted), 1)
}
