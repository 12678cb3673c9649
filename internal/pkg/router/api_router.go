package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/hookbill/hookbill/app/controllers"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max: 120,
	}))

	v1 := api.Group("/v1")
	v1.Get("/health", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	// Webhook endpoints are unauthenticated; the processor's signature
	// verification is the authentication mechanism.
	v1.Post("/webhooks/:provider", controllers.HandleProviderWebhook)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
