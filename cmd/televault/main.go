package main

import (
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/televault/televault/app/controllers"
	"github.com/televault/televault/internal/pkg/cache"
	"github.com/televault/televault/internal/pkg/database"
	"github.com/televault/televault/internal/pkg/env"
	"github.com/televault/televault/internal/pkg/grant"
	"github.com/televault/televault/internal/pkg/router"
	"github.com/televault/televault/internal/pkg/telegram"
)

func main() {
	app, scheduler := NewApplication()
	defer scheduler.Stop()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() (*fiber.App, *grant.Scheduler) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	cfg := grant.ConfigFromEnv()
	repo := grant.NewRepository(database.GetDB())
	notifier := grant.NewRedisNotifier(cache.GetClient())
	clock := grant.SystemClock()

	issuer := grant.NewIssuer(repo, notifier, cfg.MaxInvitationTTL)
	channelAPI := telegram.NewClientFromEnv()
	revoker := grant.NewRevoker(repo, channelAPI, notifier, clock, cfg)
	svc := grant.NewService(repo, issuer, revoker, notifier)
	validator := grant.NewValidator(repo, notifier, cfg.JoinDecisionBudget)

	scheduler := grant.NewScheduler(repo, revoker, notifier, clock, cfg)
	if err := scheduler.Start(); err != nil {
		log.Fatal(err)
	}

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName: "televault",
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("ADMIN_USER", "admin"): env.GetEnv("ADMIN_PASSWORD", ""),
		},
	}), monitor.New())

	// ROUTER
	router.InstallRouter(app, router.NewApiRouter(
		controllers.NewPaymentController(svc, repo),
		controllers.NewJoinController(validator, clock),
		controllers.NewAdminGrantController(svc, revoker, repo, cache.GetClient()),
	))

	return app, scheduler
}
