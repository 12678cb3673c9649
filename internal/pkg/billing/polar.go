package billing

import (
	"bytes"
	"context"
	"crypto/hmac"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hookbill/hookbill/app/models"
	"github.com/hookbill/hookbill/internal/pkg/env"
)

const defaultPolarAPIBaseURL = "https://api.polar.sh"

// PolarProvider verifies and normalizes Polar webhook deliveries, which
// follow the Standard Webhooks convention: three headers and a base64
// HMAC over "{id}.{timestamp}.{payload}".
type PolarProvider struct {
	webhookSecret []byte
	tolerance     time.Duration

	apiKey     string
	apiBaseURL string
	httpClient *http.Client
}

// NewPolarProviderFromEnv constructs the adapter, failing fast when the
// webhook secret is not configured. Secrets with the "whsec_" prefix are
// base64-decoded; bare secrets are used as-is.
func NewPolarProviderFromEnv() (*PolarProvider, error) {
	raw := strings.TrimSpace(env.GetEnv("POLAR_WEBHOOK_SECRET", ""))
	if raw == "" {
		return nil, &ConfigError{Provider: models.ProviderPolar, Key: "POLAR_WEBHOOK_SECRET"}
	}
	secret := []byte(raw)
	if trimmed, ok := strings.CutPrefix(raw, "whsec_"); ok {
		decoded, err := base64.StdEncoding.DecodeString(trimmed)
		if err != nil {
			return nil, &ConfigError{Provider: models.ProviderPolar, Key: "POLAR_WEBHOOK_SECRET"}
		}
		secret = decoded
	}
	return &PolarProvider{
		webhookSecret: secret,
		tolerance:     signatureTolerance("POLAR"),
		apiKey:        strings.TrimSpace(env.GetEnv("POLAR_API_KEY", "")),
		apiBaseURL:    strings.TrimRight(env.GetEnv("POLAR_API_BASE_URL", defaultPolarAPIBaseURL), "/"),
		httpClient:    &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (p *PolarProvider) Name() string {
	return models.ProviderPolar
}

// Verify checks the webhook-id/webhook-timestamp/webhook-signature header
// triple. The signature header carries a space-delimited list of versioned
// candidates ("v1,<base64>"); any matching v1 accepts.
func (p *PolarProvider) Verify(headers http.Header, payload []byte, now time.Time) error {
	id := strings.TrimSpace(headers.Get("webhook-id"))
	ts := strings.TrimSpace(headers.Get("webhook-timestamp"))
	sigHeader := strings.TrimSpace(headers.Get("webhook-signature"))
	if id == "" || ts == "" || sigHeader == "" {
		return ErrMissingSignature
	}
	if err := timestampFresh(ts, now, p.tolerance); err != nil {
		return err
	}

	expected := hmacSHA256(p.webhookSecret, []byte(id), []byte("."), []byte(ts), []byte("."), payload)
	for _, versioned := range strings.Fields(sigHeader) {
		version, candidate, found := strings.Cut(versioned, ",")
		if !found || version != "v1" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(candidate)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, decoded) {
			return nil
		}
	}
	return ErrInvalidSignature
}

type polarEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type polarEventData struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	CustomerID        string `json:"customer_id"`
	SubscriptionID    string `json:"subscription_id"`
	PriceID           string `json:"price_id"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	RecurringInterval string `json:"recurring_interval"`
	CurrentPeriodEnd  string `json:"current_period_end"`
	Metadata          struct {
		TenantID string `json:"tenant_id"`
	} `json:"metadata"`
}

// Parse translates Polar event types into the internal vocabulary. Polar
// payloads carry no event id, so the Standard Webhooks webhook-id header
// identifies the delivery for the idempotency ledger.
func (p *PolarProvider) Parse(headers http.Header, payload []byte) (*Event, error) {
	var envl polarEnvelope
	if err := json.Unmarshal(payload, &envl); err != nil {
		return nil, &MalformedPayloadError{Provider: p.Name(), Reason: "invalid JSON envelope", Err: err}
	}
	eventID := strings.TrimSpace(headers.Get("webhook-id"))
	if envl.Type == "" || eventID == "" {
		return nil, &MalformedPayloadError{Provider: p.Name(), Reason: "missing event id or type"}
	}

	ev := &Event{Provider: p.Name(), ID: eventID, Type: envl.Type}

	var data polarEventData
	if len(envl.Data) > 0 {
		if err := json.Unmarshal(envl.Data, &data); err != nil {
			return ev, &MalformedPayloadError{Provider: p.Name(), Reason: "invalid event data", Err: err}
		}
	}

	switch envl.Type {
	case "subscription.created":
		tenantID, _ := strconv.ParseUint(data.Metadata.TenantID, 10, 64)
		ev.Kind = EventCheckoutCompleted
		ev.Checkout = &CheckoutData{
			TenantID:               uint(tenantID),
			ProviderCustomerID:     data.CustomerID,
			ProviderSubscriptionID: data.ID,
			ProviderPriceID:        data.PriceID,
			Amount:                 data.Amount,
			Currency:               strings.ToUpper(data.Currency),
			Interval:               normalizeInterval(data.RecurringInterval),
			PeriodEnd:              rfc3339TimePtr(data.CurrentPeriodEnd),
		}
	case "subscription.updated":
		ev.Kind = EventSubscriptionUpdated
		ev.Subscription = &SubscriptionData{
			ProviderSubscriptionID: data.ID,
			ProviderStatus:         data.Status,
			ProviderPriceID:        data.PriceID,
			PeriodEnd:              rfc3339TimePtr(data.CurrentPeriodEnd),
			Interval:               normalizeInterval(data.RecurringInterval),
		}
	case "subscription.canceled", "subscription.revoked":
		ev.Kind = EventSubscriptionCancelled
		ev.Subscription = &SubscriptionData{
			ProviderSubscriptionID: data.ID,
			ProviderStatus:         data.Status,
			PeriodEnd:              rfc3339TimePtr(data.CurrentPeriodEnd),
		}
	case "order.created":
		subID := data.SubscriptionID
		if subID == "" {
			subID = data.ID
		}
		ev.Kind = EventPaymentSucceeded
		ev.Payment = &PaymentData{
			ProviderSubscriptionID: subID,
			ProviderCustomerID:     data.CustomerID,
			Amount:                 data.Amount,
			Currency:               strings.ToUpper(data.Currency),
		}
	default:
		ev.Kind = EventIgnored
	}
	return ev, nil
}

// MapStatus maps Polar subscription statuses onto the internal lifecycle.
// Unrecognized strings stay active.
func (p *PolarProvider) MapStatus(providerStatus string) string {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "canceled", "revoked":
		return models.SubscriptionStatusCancelled
	default:
		return models.SubscriptionStatusActive
	}
}

// CreateCheckoutSession opens a hosted Polar checkout.
func (p *PolarProvider) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (string, error) {
	payload := map[string]any{
		"product_price_id": params.PriceID,
		"success_url":      params.SuccessURL,
		"metadata": map[string]string{
			"tenant_id": strconv.FormatUint(uint64(params.TenantID), 10),
		},
	}
	if params.CustomerEmail != "" {
		payload["customer_email"] = params.CustomerEmail
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := p.callAPI(ctx, http.MethodPost, "/v1/checkouts/", payload, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// CreatePortalSession returns a customer portal URL.
func (p *PolarProvider) CreatePortalSession(ctx context.Context, providerCustomerID, _ string) (string, error) {
	payload := map[string]any{"customer_id": providerCustomerID}

	var out struct {
		CustomerPortalURL string `json:"customer_portal_url"`
	}
	if err := p.callAPI(ctx, http.MethodPost, "/v1/customer-sessions/", payload, &out); err != nil {
		return "", err
	}
	return out.CustomerPortalURL, nil
}

// CancelSubscription revokes the provider subscription immediately.
func (p *PolarProvider) CancelSubscription(ctx context.Context, providerSubscriptionID string) error {
	path := "/v1/subscriptions/" + url.PathEscape(providerSubscriptionID)
	return p.callAPI(ctx, http.MethodPatch, path, map[string]any{"revoke": true}, nil)
}

func (p *PolarProvider) callAPI(ctx context.Context, method, path string, payload any, out any) error {
	if p.apiKey == "" {
		return &ConfigError{Provider: p.Name(), Key: "POLAR_API_KEY"}
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.apiBaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("polar api %s %s failed: status=%d body=%s", method, path, resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

var _ Provider = (*PolarProvider)(nil)
