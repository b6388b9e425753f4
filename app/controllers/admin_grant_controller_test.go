package controllers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/televault/televault/app/models"
	"github.com/televault/televault/internal/pkg/grant"
)

func newAdminApp(t *testing.T, api grant.ChannelAPI) (*fiber.App, *memRepo) {
	t.Helper()
	repo := newMemRepo(ctrlBase)
	cfg := grant.DefaultConfig()
	issuer := grant.NewIssuer(repo, dropNotifier{}, cfg.MaxInvitationTTL)
	revoker := grant.NewRevoker(repo, api, dropNotifier{}, fixedClock{t: ctrlBase}, cfg)
	svc := grant.NewService(repo, issuer, revoker, dropNotifier{})
	ac := NewAdminGrantController(svc, revoker, repo, nil)

	app := fiber.New()
	app.Post("/api/admin/grants/:subscriberID/revoke", ac.HandleManualRevoke)
	app.Get("/api/admin/revocations/failed", ac.HandleFailedRevocations)
	app.Get("/api/admin/stats", ac.HandleStats)
	return app, repo
}

func seedAdmittedSub(repo *memRepo, subscriberID, chat string) {
	expiry := ctrlBase.Add(24 * time.Hour)
	repo.subs[subscriberID] = &models.Subscription{
		ID: 1, SubscriberID: subscriberID,
		Status:          models.SubscriptionStatusActive,
		GrantState:      models.GrantStateAdmitted,
		ChannelIdentity: &chat,
		ExpiresAt:       &expiry,
	}
}

func adminJSON(t *testing.T, app *fiber.App, method, target string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	resp, err := app.Test(req, 5000)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &parsed))
	return resp, parsed
}

func TestHandleManualRevoke(t *testing.T) {
	t.Run("kicks an admitted subscriber", func(t *testing.T) {
		app, repo := newAdminApp(t, noopChannelAPI{})
		seedAdmittedSub(repo, "S1", "chat123")

		resp, parsed := adminJSON(t, app, http.MethodPost, "/api/admin/grants/S1/revoke")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, parsed["ok"])
		assert.Equal(t, models.GrantStateRevoked, repo.subs["S1"].GrantState)
	})

	t.Run("unknown subscriber", func(t *testing.T) {
		app, _ := newAdminApp(t, noopChannelAPI{})
		resp, parsed := adminJSON(t, app, http.MethodPost, "/api/admin/grants/ghost/revoke")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "subscription_not_found", parsed["error"])
	})

	t.Run("nothing to revoke", func(t *testing.T) {
		app, repo := newAdminApp(t, noopChannelAPI{})
		expiry := ctrlBase.Add(24 * time.Hour)
		repo.subs["S1"] = &models.Subscription{
			ID: 1, SubscriberID: "S1",
			Status:     models.SubscriptionStatusActive,
			GrantState: models.GrantStateIssued,
			ExpiresAt:  &expiry,
		}

		resp, parsed := adminJSON(t, app, http.MethodPost, "/api/admin/grants/S1/revoke")
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "nothing_to_revoke", parsed["error"])
	})

	t.Run("removal failure reports bad gateway and keeps the attempt", func(t *testing.T) {
		app, repo := newAdminApp(t, failingChannelAPI{})
		seedAdmittedSub(repo, "S1", "chat123")

		resp, parsed := adminJSON(t, app, http.MethodPost, "/api/admin/grants/S1/revoke")
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Equal(t, "revocation_failed", parsed["error"])
		assert.Equal(t, models.GrantStateExpired, repo.subs["S1"].GrantState)
		require.Len(t, repo.attempts, 1)
	})
}

func TestHandleFailedRevocations(t *testing.T) {
	app, repo := newAdminApp(t, noopChannelAPI{})
	repo.attempts = append(repo.attempts, &models.RevocationAttempt{
		ID: 1, SubscriberID: "S1", ChannelIdentity: "chat123",
		AttemptCount: 5, Outcome: models.RevocationOutcomePermanentlyFailed,
	}, &models.RevocationAttempt{
		ID: 2, SubscriberID: "S2", ChannelIdentity: "chat999",
		AttemptCount: 1, Outcome: models.RevocationOutcomePending,
	})

	resp, parsed := adminJSON(t, app, http.MethodGet, "/api/admin/revocations/failed")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	atts, ok := parsed["attempts"].([]interface{})
	require.True(t, ok)
	require.Len(t, atts, 1)
}

func TestHandleStats(t *testing.T) {
	app, repo := newAdminApp(t, noopChannelAPI{})
	seedAdmittedSub(repo, "S1", "chat1")
	seedAdmittedSub(repo, "S2", "chat2")

	resp, parsed := adminJSON(t, app, http.MethodGet, "/api/admin/stats")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	grants, ok := parsed["grants"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(2), grants[models.GrantStateAdmitted])
}
