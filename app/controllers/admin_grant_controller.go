package controllers

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"

	"github.com/televault/televault/app/models"
	"github.com/televault/televault/internal/pkg/grant"
)

const streamKeepAlive = 25 * time.Second

// AdminGrantController is the dashboard's surface: manual revocation, the
// permanently-failed queue, state counts, and the live event stream.
type AdminGrantController struct {
	svc     *grant.Service
	revoker *grant.Revoker
	repo    grant.Repository
	cache   *redis.Client
}

// NewAdminGrantController creates the admin controller.
func NewAdminGrantController(svc *grant.Service, revoker *grant.Revoker, repo grant.Repository, cache *redis.Client) *AdminGrantController {
	return &AdminGrantController{svc: svc, revoker: revoker, repo: repo, cache: cache}
}

// HandleManualRevoke is the operator's "kick now" action. It shares the
// scheduled eviction's retry-aware path and re-opens permanently-failed
// attempts.
func (ac *AdminGrantController) HandleManualRevoke(c *fiber.Ctx) error {
	subscriberID := c.Params("subscriberID")
	if subscriberID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "subscriber_id_required"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := ac.revoker.RevokeNow(ctx, subscriberID)
	switch {
	case err == nil:
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
	case errors.Is(err, grant.ErrSubscriptionNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "subscription_not_found"})
	case errors.Is(err, grant.ErrNothingToRevoke):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "nothing_to_revoke"})
	default:
		// The attempt record carries the retry state; the call failed but the
		// sweep (or another manual trigger) picks it up from there.
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "revocation_failed", "detail": err.Error()})
	}
}

// HandleFailedRevocations lists attempts that exhausted their retries and
// need operator attention.
func (ac *AdminGrantController) HandleFailedRevocations(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	atts, err := ac.repo.ListRevocationAttemptsByOutcome(ctx, models.RevocationOutcomePermanentlyFailed)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "list_failed"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"attempts": atts})
}

// HandleStats returns grant counts by state.
func (ac *AdminGrantController) HandleStats(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	counts, err := ac.svc.Stats(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats_failed"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"grants": counts})
}

// HandleEventStream pushes grant transitions to the dashboard over SSE. The
// stream is informational only: no acknowledgments, no replay of missed
// events.
func (ac *AdminGrantController) HandleEventStream(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	sub := ac.cache.Subscribe(context.Background(), grant.EventsChannel)

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer func() {
			if err := sub.Close(); err != nil {
				log.Errorf("[Events] Closing stream subscription: %v", err)
			}
		}()

		ch := sub.Channel()
		keepAlive := time.NewTicker(streamKeepAlive)
		defer keepAlive.Stop()

		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fmt.Fprintf(w, "data: %s\n\n", msg.Payload)
			case <-keepAlive.C:
				fmt.Fprint(w, ": keep-alive\n\n")
			}
			if err := w.Flush(); err != nil {
				// Client went away.
				return
			}
		}
	}))
	return nil
}
