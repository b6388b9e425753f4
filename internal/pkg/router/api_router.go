package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/televault/televault/app/controllers"
	"github.com/televault/televault/internal/pkg/env"
	"github.com/televault/televault/internal/pkg/middleware"
)

// ApiRouter mounts the three surfaces: the payment gateway webhook, the
// channel bot's join hook, and the admin dashboard API.
type ApiRouter struct {
	payment *controllers.PaymentController
	join    *controllers.JoinController
	admin   *controllers.AdminGrantController
}

// NewApiRouter creates the API router from its controllers.
func NewApiRouter(payment *controllers.PaymentController, join *controllers.JoinController, admin *controllers.AdminGrantController) *ApiRouter {
	return &ApiRouter{payment: payment, join: join, admin: admin}
}

func (h *ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())

	internal := api.Group("/internal")
	internal.Post("/payments/webhook", h.payment.HandleGatewayWebhook)
	internal.Post("/joins/validate", middleware.SharedSecretAuth("BOT_API_KEY"), h.join.HandleJoinRequest)

	admin := api.Group("/admin", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("ADMIN_USER", "admin"): env.GetEnv("ADMIN_PASSWORD", ""),
		},
	}))
	admin.Post("/grants/:subscriberID/revoke", h.admin.HandleManualRevoke)
	admin.Get("/revocations/failed", h.admin.HandleFailedRevocations)
	admin.Get("/stats", h.admin.HandleStats)
	admin.Get("/events", h.admin.HandleEventStream)
}
