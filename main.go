package main

import (
	"context"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/hookbill/hookbill/app/controllers"
	"github.com/hookbill/hookbill/internal/pkg/billing"
	"github.com/hookbill/hookbill/internal/pkg/cache"
	"github.com/hookbill/hookbill/internal/pkg/database"
	"github.com/hookbill/hookbill/internal/pkg/env"
	"github.com/hookbill/hookbill/internal/pkg/router"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	registry, err := billing.NewRegistryFromEnv()
	if err != nil {
		log.Fatalf("billing provider configuration: %v", err)
	}

	archiver, err := billing.NewPayloadArchiverFromEnv(context.Background())
	if err != nil {
		log.Fatalf("payload archiver configuration: %v", err)
	}

	notifier := billing.MultiNotifier{
		billing.NewRedisNotifier(cache.GetClient(), env.GetEnv("BILLING_EVENTS_CHANNEL", "billing:events")),
	}

	store := billing.NewStore(database.GetDB())
	processor := billing.NewProcessor(registry, store, notifier, archiver)
	controllers.SetWebhookProcessor(processor)

	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20, // webhook payloads are small; 1 MiB is generous
	})
	app.Use(recover.New(), logger.New())

	router.InstallRouter(app)

	return app
}
