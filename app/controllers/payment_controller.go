package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/televault/televault/internal/pkg/env"
	"github.com/televault/televault/internal/pkg/grant"
)

const (
	gatewayProvider       = "gateway"
	eventPaymentConfirmed = "payment.confirmed"
	eventPaymentRefunded  = "payment.refunded"
)

// PaymentController receives the payment gateway's webhooks. Deliveries are
// deduplicated, so gateway replays are acknowledged without re-processing.
type PaymentController struct {
	svc      *grant.Service
	repo     grant.Repository
	validate *validator.Validate
}

// NewPaymentController creates the webhook controller.
func NewPaymentController(svc *grant.Service, repo grant.Repository) *PaymentController {
	return &PaymentController{svc: svc, repo: repo, validate: validator.New()}
}

type gatewayWebhookPayload struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type" validate:"required"`
	SubscriberID string    `json:"subscriber_id" validate:"required,max=64"`
	PlanName     string    `json:"plan_name" validate:"max=100"`
	AmountCents  int64     `json:"amount_cents" validate:"gte=0"`
	Currency     string    `json:"currency" validate:"omitempty,len=3"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// HandleGatewayWebhook processes payment-confirmed and refund events.
func (pc *PaymentController) HandleGatewayWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("X-Gateway-Signature"))
	secret := env.GetEnv("PAYMENT_WEBHOOK_SECRET", "")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var payload gatewayWebhookPayload
	parseErr := json.Unmarshal(rawBody, &payload)

	eventID := strings.TrimSpace(c.Get("X-Gateway-Event-ID"))
	if eventID == "" {
		eventID = payload.EventID
	}

	signatureValid := grant.VerifyGatewaySignature(rawBody, signature, secret)
	created, stored, err := pc.repo.CreateWebhookEventIfNotExists(ctx, newWebhookEvent(gatewayProvider, eventID, payload.EventType, rawBody, signatureValid))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	if !created {
		// Only settled deliveries are replays. A delivery whose first
		// processing errored (or crashed before finishing) is run again: the
		// gateway retries exactly because it saw our failure, and the
		// downstream transitions are conditional writes.
		if webhookSettled(stored) {
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
		}
		log.Infof("[Webhook] Re-processing delivery %s after an unsettled attempt", stored.ProviderEventID)
	}
	if !signatureValid {
		_ = pc.repo.MarkWebhookProcessed(ctx, stored.ID, "invalid webhook signature")
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	}
	if parseErr != nil {
		_ = pc.repo.MarkWebhookProcessed(ctx, stored.ID, parseErr.Error())
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}
	if err := pc.validate.Struct(payload); err != nil {
		_ = pc.repo.MarkWebhookProcessed(ctx, stored.ID, err.Error())
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}

	switch payload.EventType {
	case eventPaymentConfirmed:
		if payload.ExpiresAt.IsZero() {
			_ = pc.repo.MarkWebhookProcessed(ctx, stored.ID, "missing expires_at")
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		}
		inv, confirmErr := pc.svc.ConfirmPayment(ctx, grant.PaymentConfirmation{
			SubscriberID: payload.SubscriberID,
			PlanName:     payload.PlanName,
			AmountCents:  payload.AmountCents,
			Currency:     payload.Currency,
			ExpiresAt:    payload.ExpiresAt,
		})
		markProcessed(ctx, pc.repo, stored.ID, confirmErr)
		if confirmErr != nil {
			if errors.Is(confirmErr, grant.ErrSubscriptionNotActive) {
				return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "subscription_not_active"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "confirmation_failed"})
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"ok":                 true,
			"invitation_token":   inv.Token,
			"invitation_expires": inv.ExpiresAt.UTC().Format(time.RFC3339),
		})

	case eventPaymentRefunded:
		refundErr := pc.svc.HandleRefund(ctx, payload.SubscriberID)
		if errors.Is(refundErr, grant.ErrSubscriptionNotFound) {
			markProcessed(ctx, pc.repo, stored.ID, nil)
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
		}
		markProcessed(ctx, pc.repo, stored.ID, refundErr)
		if refundErr != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "refund_handling_failed"})
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})

	default:
		_ = pc.repo.MarkWebhookProcessed(ctx, stored.ID, "")
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
	}
}
