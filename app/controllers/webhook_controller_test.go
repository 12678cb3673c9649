package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/hookbill/hookbill/internal/pkg/billing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProcessor struct {
	res *billing.Result
	err error

	gotProvider string
	gotHeaders  http.Header
	gotPayload  []byte
}

func (s *stubProcessor) Process(_ context.Context, provider string, headers http.Header, payload []byte) (*billing.Result, error) {
	s.gotProvider = provider
	s.gotHeaders = headers
	s.gotPayload = payload
	return s.res, s.err
}

func newWebhookTestApp(stub *stubProcessor) *fiber.App {
	SetWebhookProcessor(stub)
	app := fiber.New()
	app.Post("/api/v1/webhooks/:provider", HandleProviderWebhook)
	return app
}

func postWebhook(t *testing.T, app *fiber.App, provider, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/"+provider, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestHandleProviderWebhookSuccess(t *testing.T) {
	stub := &stubProcessor{res: &billing.Result{Processed: true}}
	app := newWebhookTestApp(stub)

	resp, body := postWebhook(t, app, "stripe", `{"id":"evt_1"}`, map[string]string{
		"Stripe-Signature": "t=1,v1=aa",
	})

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.NotContains(t, body, "duplicate")

	// The processor receives the route's provider name and the raw
	// delivery untouched.
	assert.Equal(t, "stripe", stub.gotProvider)
	assert.Equal(t, `{"id":"evt_1"}`, string(stub.gotPayload))
	assert.Equal(t, "t=1,v1=aa", stub.gotHeaders.Get("Stripe-Signature"))
}

func TestHandleProviderWebhookDuplicate(t *testing.T) {
	stub := &stubProcessor{res: &billing.Result{Duplicate: true}}
	app := newWebhookTestApp(stub)

	resp, body := postWebhook(t, app, "stripe", `{}`, nil)

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, true, body["duplicate"])
}

func TestHandleProviderWebhookIgnored(t *testing.T) {
	stub := &stubProcessor{res: &billing.Result{Processed: true, Ignored: true}}
	app := newWebhookTestApp(stub)

	resp, body := postWebhook(t, app, "paddle", `{}`, nil)

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ignored"])
}

func TestHandleProviderWebhookErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"unknown provider", billing.ErrUnknownProvider, fiber.StatusNotFound, "unknown_provider"},
		{"missing signature", billing.ErrMissingSignature, fiber.StatusUnauthorized, "invalid_signature"},
		{"invalid signature", billing.ErrInvalidSignature, fiber.StatusUnauthorized, "invalid_signature"},
		{"expired timestamp", billing.ErrTimestampExpired, fiber.StatusUnauthorized, "invalid_signature"},
		{"malformed payload", &billing.MalformedPayloadError{Provider: "stripe", Reason: "missing checkout data"}, fiber.StatusBadRequest, "invalid_payload"},
		{"storage failure", errors.New("deadlock"), fiber.StatusInternalServerError, "webhook_processing_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newWebhookTestApp(&stubProcessor{err: tt.err})

			resp, body := postWebhook(t, app, "stripe", `{}`, nil)

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantError, body["error"])
		})
	}
}
