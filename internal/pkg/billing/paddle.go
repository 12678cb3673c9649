package billing

import (
	"bytes"
	"context"
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

const defaultPaddleAPIBaseURL = "https://api.paddle.com"

// PaddleProvider verifies and normalizes Paddle Billing webhook deliveries.
type PaddleProvider struct {
	webhookSecret string
	tolerance     time.Duration

	apiKey     string
	apiBaseURL string
	httpClient *http.Client
}

// NewPaddleProviderFromEnv constructs the adapter, failing fast when the
// webhook secret is not configured.
func NewPaddleProviderFromEnv() (*PaddleProvider, error) {
	secret := strings.TrimSpace(env.GetEnv("PADDLE_WEBHOOK_SECRET", ""))
	if secret == "" {
		return nil, &ConfigError{Provider: models.ProviderPaddle, Key: "PADDLE_WEBHOOK_SECRET"}
	}
	return &PaddleProvider{
		webhookSecret: secret,
		tolerance:     signatureTolerance("PADDLE"),
		apiKey:        strings.TrimSpace(env.GetEnv("PADDLE_API_KEY", "")),
		apiBaseURL:    strings.TrimRight(env.GetEnv("PADDLE_API_BASE_URL", defaultPaddleAPIBaseURL), "/"),
		httpClient:    &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (p *PaddleProvider) Name() string {
	return models.ProviderPaddle
}

// Verify checks the Paddle-Signature header: "ts=<unix>;h1=<hex>",
// HMAC-SHA256 over "{ts}:{payload}".
func (p *PaddleProvider) Verify(headers http.Header, payload []byte, now time.Time) error {
	header := strings.TrimSpace(headers.Get("Paddle-Signature"))
	if header == "" {
		return ErrMissingSignature
	}

	var ts, h1 string
	for _, part := range strings.Split(header, ";") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "ts":
			ts = kv[1]
		case "h1":
			h1 = kv[1]
		}
	}
	if ts == "" || h1 == "" {
		return ErrMissingSignature
	}
	if err := timestampFresh(ts, now, p.tolerance); err != nil {
		return err
	}

	expected := hmacSHA256([]byte(p.webhookSecret), []byte(ts), []byte(":"), payload)
	if !equalHex(expected, h1) {
		return ErrInvalidSignature
	}
	return nil
}

type paddleEnvelope struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

type paddleEventData struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	CustomerID     string `json:"customer_id"`
	SubscriptionID string `json:"subscription_id"`
	CurrencyCode   string `json:"currency_code"`
	CustomData     struct {
		TenantID string `json:"tenant_id"`
	} `json:"custom_data"`
	Items []struct {
		Price struct {
			ID           string `json:"id"`
			BillingCycle struct {
				Interval string `json:"interval"`
			} `json:"billing_cycle"`
		} `json:"price"`
	} `json:"items"`
	CurrentBillingPeriod struct {
		EndsAt string `json:"ends_at"`
	} `json:"current_billing_period"`
	Details struct {
		Totals struct {
			GrandTotal string `json:"grand_total"`
		} `json:"totals"`
	} `json:"details"`
}

// Parse translates Paddle event types into the internal vocabulary. The
// tenant id travels in custom_data set at checkout-transaction creation.
func (p *PaddleProvider) Parse(_ http.Header, payload []byte) (*Event, error) {
	var envl paddleEnvelope
	if err := json.Unmarshal(payload, &envl); err != nil {
		return nil, &MalformedPayloadError{Provider: p.Name(), Reason: "invalid JSON envelope", Err: err}
	}
	if envl.EventID == "" || envl.EventType == "" {
		return nil, &MalformedPayloadError{Provider: p.Name(), Reason: "missing event id or type"}
	}

	ev := &Event{Provider: p.Name(), ID: envl.EventID, Type: envl.EventType}

	var data paddleEventData
	if len(envl.Data) > 0 {
		if err := json.Unmarshal(envl.Data, &data); err != nil {
			return ev, &MalformedPayloadError{Provider: p.Name(), Reason: "invalid event data", Err: err}
		}
	}

	switch envl.EventType {
	case "transaction.completed":
		tenantID, _ := strconv.ParseUint(data.CustomData.TenantID, 10, 64)
		amount, _ := strconv.ParseInt(data.Details.Totals.GrandTotal, 10, 64)
		checkout := &CheckoutData{
			TenantID:               uint(tenantID),
			ProviderCustomerID:     data.CustomerID,
			ProviderSubscriptionID: data.SubscriptionID,
			Amount:                 amount,
			Currency:               strings.ToUpper(data.CurrencyCode),
		}
		if len(data.Items) > 0 {
			checkout.ProviderPriceID = data.Items[0].Price.ID
			checkout.Interval = normalizeInterval(data.Items[0].Price.BillingCycle.Interval)
		}
		ev.Kind = EventCheckoutCompleted
		ev.Checkout = checkout
	case "subscription.updated", "subscription.canceled":
		sub := &SubscriptionData{
			ProviderSubscriptionID: data.ID,
			ProviderStatus:         data.Status,
			PeriodEnd:              rfc3339TimePtr(data.CurrentBillingPeriod.EndsAt),
		}
		if len(data.Items) > 0 {
			sub.ProviderPriceID = data.Items[0].Price.ID
			sub.Interval = normalizeInterval(data.Items[0].Price.BillingCycle.Interval)
		}
		if envl.EventType == "subscription.canceled" {
			ev.Kind = EventSubscriptionCancelled
		} else {
			ev.Kind = EventSubscriptionUpdated
		}
		ev.Subscription = sub
	case "transaction.payment_failed":
		amount, _ := strconv.ParseInt(data.Details.Totals.GrandTotal, 10, 64)
		ev.Kind = EventPaymentFailed
		ev.Payment = &PaymentData{
			ProviderSubscriptionID: data.SubscriptionID,
			ProviderCustomerID:     data.CustomerID,
			Amount:                 amount,
			Currency:               strings.ToUpper(data.CurrencyCode),
		}
	default:
		ev.Kind = EventIgnored
	}
	return ev, nil
}

// MapStatus maps Paddle subscription statuses onto the internal lifecycle.
// Unrecognized strings stay active.
func (p *PaddleProvider) MapStatus(providerStatus string) string {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "canceled", "paused":
		return models.SubscriptionStatusCancelled
	default:
		return models.SubscriptionStatusActive
	}
}

// CreateCheckoutSession creates a Paddle transaction whose hosted checkout
// URL is returned to the caller.
func (p *PaddleProvider) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (string, error) {
	payload := map[string]any{
		"items": []map[string]any{
			{"price_id": params.PriceID, "quantity": 1},
		},
		"custom_data": map[string]string{
			"tenant_id": strconv.FormatUint(uint64(params.TenantID), 10),
		},
		"checkout": map[string]string{
			"url": params.SuccessURL,
		},
	}

	var out struct {
		Data struct {
			Checkout struct {
				URL string `json:"url"`
			} `json:"checkout"`
		} `json:"data"`
	}
	if err := p.callAPI(ctx, http.MethodPost, "/transactions", payload, &out); err != nil {
		return "", err
	}
	return out.Data.Checkout.URL, nil
}

// CreatePortalSession returns the customer portal overview URL.
func (p *PaddleProvider) CreatePortalSession(ctx context.Context, providerCustomerID, _ string) (string, error) {
	var out struct {
		Data struct {
			URLs struct {
				General struct {
					Overview string `json:"overview"`
				} `json:"general"`
			} `json:"urls"`
		} `json:"data"`
	}
	path := "/customers/" + url.PathEscape(providerCustomerID) + "/portal-sessions"
	if err := p.callAPI(ctx, http.MethodPost, path, map[string]any{}, &out); err != nil {
		return "", err
	}
	return out.Data.URLs.General.Overview, nil
}

// CancelSubscription schedules an immediate cancellation.
func (p *PaddleProvider) CancelSubscription(ctx context.Context, providerSubscriptionID string) error {
	path := "/subscriptions/" + url.PathEscape(providerSubscriptionID) + "/cancel"
	return p.callAPI(ctx, http.MethodPost, path, map[string]any{"effective_from": "immediately"}, nil)
}

func (p *PaddleProvider) callAPI(ctx context.Context, method, path string, payload any, out any) error {
	if p.apiKey == "" {
		return &ConfigError{Provider: p.Name(), Key: "PADDLE_API_KEY"}
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
		return fmt.Errorf("paddle api %s %s failed: status=%d body=%s", method, path, resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// rfc3339TimePtr parses an RFC3339 timestamp, nil for empty or invalid.
func rfc3339TimePtr(value string) *time.Time {
	if value == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

var _ Provider = (*PaddleProvider)(nil)
