package grant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/televault/televault/app/models"
)

func newTestSweep(clock *manualClock, api ChannelAPI) (*Scheduler, *fakeRepo, *captureNotifier) {
	repo := newFakeRepo(clock)
	notifier := &captureNotifier{}
	cfg := testRevokeConfig()
	revoker := NewRevoker(repo, api, notifier, clock, cfg)
	return NewScheduler(repo, revoker, notifier, clock, cfg), repo, notifier
}

func TestSweep(t *testing.T) {
	ctx := context.Background()

	t.Run("evicts lapsed grants end to end", func(t *testing.T) {
		clock := newManualClock(testBase)
		s, repo, notifier := newTestSweep(clock, &fakeChannelAPI{})
		repo.seedAdmitted("S1", "chat123", testBase.Add(-time.Minute))

		require.NoError(t, s.Sweep(ctx))

		assert.Equal(t, models.GrantStateRevoked, repo.grantState("S1"))
		sub, _ := repo.GetSubscription(ctx, "S1")
		assert.Equal(t, models.SubscriptionStatusRevoked, sub.Status)
		require.Len(t, notifier.byType(EventExpired), 1)
		require.Len(t, notifier.byType(EventRevoked), 1)

		stored := repo.attemptsFor("S1")
		require.Len(t, stored, 1)
		assert.Equal(t, models.RevocationOutcomeSucceeded, stored[0].Outcome)
	})

	t.Run("leaves unexpired grants alone", func(t *testing.T) {
		clock := newManualClock(testBase)
		api := &fakeChannelAPI{}
		s, repo, notifier := newTestSweep(clock, api)
		repo.seedAdmitted("S1", "chat123", testBase.Add(time.Hour))

		require.NoError(t, s.Sweep(ctx))

		assert.Equal(t, models.GrantStateAdmitted, repo.grantState("S1"))
		assert.Zero(t, api.callCount())
		assert.Empty(t, notifier.events)
	})

	t.Run("store time decides expiry", func(t *testing.T) {
		clock := newManualClock(testBase)
		s, repo, _ := newTestSweep(clock, &fakeChannelAPI{})
		repo.seedAdmitted("S1", "chat123", testBase.Add(30*time.Second))

		require.NoError(t, s.Sweep(ctx))
		assert.Equal(t, models.GrantStateAdmitted, repo.grantState("S1"))

		clock.Advance(31 * time.Second)
		require.NoError(t, s.Sweep(ctx))
		assert.Equal(t, models.GrantStateRevoked, repo.grantState("S1"))
	})

	t.Run("repeat sweeps over a failing removal open exactly one attempt", func(t *testing.T) {
		clock := newManualClock(testBase)
		api := &fakeChannelAPI{err: &fakeAPIError{msg: "gateway down", temp: true}}
		s, repo, notifier := newTestSweep(clock, api)
		repo.seedAdmitted("S1", "chat123", testBase.Add(-time.Minute))

		require.NoError(t, s.Sweep(ctx))
		require.NoError(t, s.Sweep(ctx))

		stored := repo.attemptsFor("S1")
		require.Len(t, stored, 1)
		assert.Equal(t, 1, stored[0].AttemptCount, "second sweep must respect the retry schedule")
		assert.Len(t, notifier.byType(EventExpired), 1)
	})

	t.Run("due retries run on later sweeps", func(t *testing.T) {
		clock := newManualClock(testBase)
		api := &fakeChannelAPI{failures: 1}
		s, repo, _ := newTestSweep(clock, api)
		repo.seedAdmitted("S1", "chat123", testBase.Add(-time.Minute))

		require.NoError(t, s.Sweep(ctx))
		assert.Equal(t, models.GrantStateExpired, repo.grantState("S1"))

		// Not due yet.
		require.NoError(t, s.Sweep(ctx))
		assert.Equal(t, 1, api.callCount())

		clock.Advance(31 * time.Second)
		require.NoError(t, s.Sweep(ctx))
		assert.Equal(t, 2, api.callCount())
		assert.Equal(t, models.GrantStateRevoked, repo.grantState("S1"))
	})

	t.Run("one failing grant never blocks the rest", func(t *testing.T) {
		clock := newManualClock(testBase)
		api := &fakeChannelAPI{errFor: map[string]error{
			"chatBad": &fakeAPIError{msg: "bot is not an admin"},
		}}
		s, repo, notifier := newTestSweep(clock, api)
		repo.seedAdmitted("S1", "chatGood", testBase.Add(-time.Minute))
		repo.seedAdmitted("S2", "chatBad", testBase.Add(-time.Minute))

		require.NoError(t, s.Sweep(ctx))

		assert.Equal(t, models.GrantStateRevoked, repo.grantState("S1"))
		assert.Equal(t, models.GrantStateExpired, repo.grantState("S2"))
		require.Len(t, notifier.byType(EventRevoked), 1)
		require.Len(t, notifier.byType(EventRevocationFailed), 1)
	})

	t.Run("cleans up invitations past retention", func(t *testing.T) {
		clock := newManualClock(testBase)
		s, repo, _ := newTestSweep(clock, &fakeChannelAPI{})
		inv := issueFor(t, repo, "S1", testBase.Add(time.Hour))

		clock.Advance(10 * 24 * time.Hour)
		require.NoError(t, s.Sweep(context.Background()))

		_, err := repo.GetInvitationByToken(context.Background(), inv.Token)
		assert.Error(t, err)
	})
}

func TestSchedulerStartStop(t *testing.T) {
	clock := newManualClock(testBase)
	s, _, _ := newTestSweep(clock, &fakeChannelAPI{})
	s.interval = time.Hour

	require.NoError(t, s.Start())
	require.NoError(t, s.Start(), "second start is a no-op")
	s.Stop()
	s.Stop()
}
