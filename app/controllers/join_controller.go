package controllers

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/televault/televault/internal/pkg/grant"
)

// JoinController answers the channel bot's synchronous join-request hook.
// The bot is blocked on this response, so the validator's internal budget
// caps the round trip and unanswerable requests come back as denials.
type JoinController struct {
	validator *grant.Validator
	clock     grant.Clock
	validate  *validator.Validate
}

// NewJoinController creates the join decision controller.
func NewJoinController(v *grant.Validator, clock grant.Clock) *JoinController {
	return &JoinController{validator: v, clock: clock, validate: validator.New()}
}

type joinRequestPayload struct {
	Token           string    `json:"token" validate:"required,max=64"`
	ChannelIdentity string    `json:"channel_identity" validate:"required,max=64"`
	RequestTime     time.Time `json:"request_time"`
}

// HandleJoinRequest returns the admit/deny decision for one join attempt.
func (jc *JoinController) HandleJoinRequest(c *fiber.Ctx) error {
	var payload joinRequestPayload
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(grant.Decision{Admit: false, Reason: grant.DenyNotFound})
	}
	if err := jc.validate.Struct(payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(grant.Decision{Admit: false, Reason: grant.DenyNotFound})
	}

	requestTime := payload.RequestTime
	if requestTime.IsZero() {
		requestTime = jc.clock.Now()
	}

	decision := jc.validator.ValidateJoin(context.Background(), payload.Token, payload.ChannelIdentity, requestTime)
	return c.Status(fiber.StatusOK).JSON(decision)
}
