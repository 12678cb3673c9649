package controllers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hookbill/hookbill/internal/pkg/billing"
)

// WebhookProcessor is the engine-side contract the controller needs.
type WebhookProcessor interface {
	Process(ctx context.Context, provider string, headers http.Header, payload []byte) (*billing.Result, error)
}

var webhookProcessor WebhookProcessor

// SetWebhookProcessor wires the processor used by the webhook endpoints.
func SetWebhookProcessor(p WebhookProcessor) {
	webhookProcessor = p
}

// HandleProviderWebhook receives one webhook delivery for the provider
// named in the route. The endpoint is unauthenticated; signature
// verification inside the processor is the authentication mechanism.
//
// Status codes drive the provider's retry behavior: 2xx acknowledges
// (including idempotent no-ops), 4xx marks signature/payload failures that
// blind retries cannot fix, 5xx means the transaction rolled back and the
// provider must redeliver.
func HandleProviderWebhook(c *fiber.Ctx) error {
	providerName := c.Params("provider")
	rawBody := append([]byte(nil), c.BodyRaw()...)

	headers := make(http.Header)
	c.Request().Header.VisitAll(func(key, value []byte) {
		headers.Add(string(key), string(value))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	res, err := webhookProcessor.Process(ctx, providerName, headers, rawBody)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrUnknownProvider):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_provider"})
		case billing.IsSignatureError(err):
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
		case billing.IsMalformedPayload(err):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_processing_failed"})
		}
	}

	if res.Duplicate {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}
	if res.Ignored {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}
