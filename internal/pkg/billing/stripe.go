package billing

import (
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

const defaultStripeAPIBaseURL = "https://api.stripe.com"

// StripeProvider verifies and normalizes Stripe webhook deliveries and
// exposes thin checkout/portal clients against the Stripe REST API.
type StripeProvider struct {
	webhookSecret string
	tolerance     time.Duration

	apiKey     string
	apiBaseURL string
	httpClient *http.Client
}

// NewStripeProviderFromEnv constructs the adapter, failing fast when the
// webhook secret is not configured.
func NewStripeProviderFromEnv() (*StripeProvider, error) {
	secret := strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", ""))
	if secret == "" {
		return nil, &ConfigError{Provider: models.ProviderStripe, Key: "STRIPE_WEBHOOK_SECRET"}
	}
	return &StripeProvider{
		webhookSecret: secret,
		tolerance:     signatureTolerance("STRIPE"),
		apiKey:        strings.TrimSpace(env.GetEnv("STRIPE_API_KEY", "")),
		apiBaseURL:    strings.TrimRight(env.GetEnv("STRIPE_API_BASE_URL", defaultStripeAPIBaseURL), "/"),
		httpClient:    &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (s *StripeProvider) Name() string {
	return models.ProviderStripe
}

// Verify checks the Stripe-Signature header: "t=<unix>,v1=<hex>[,v1=...]",
// HMAC-SHA256 over "{t}.{payload}". Any matching v1 candidate accepts.
func (s *StripeProvider) Verify(headers http.Header, payload []byte, now time.Time) error {
	header := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if header == "" {
		return ErrMissingSignature
	}

	var ts string
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			candidates = append(candidates, kv[1])
		}
	}
	if ts == "" || len(candidates) == 0 {
		return ErrMissingSignature
	}
	if err := timestampFresh(ts, now, s.tolerance); err != nil {
		return err
	}

	expected := hmacSHA256([]byte(s.webhookSecret), []byte(ts), []byte("."), payload)
	for _, candidate := range candidates {
		if equalHex(expected, candidate) {
			return nil
		}
	}
	return ErrInvalidSignature
}

type stripeEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeCheckoutSession struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	AmountTotal  int64  `json:"amount_total"`
	Currency     string `json:"currency"`
	Metadata     struct {
		TenantID string `json:"tenant_id"`
		PriceID  string `json:"price_id"`
		Interval string `json:"interval"`
	} `json:"metadata"`
}

type stripeSubscription struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	Items             struct {
		Data []struct {
			Price struct {
				ID        string `json:"id"`
				Recurring struct {
					Interval string `json:"interval"`
				} `json:"recurring"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeInvoice struct {
	Subscription string `json:"subscription"`
	Customer     string `json:"customer"`
	AmountPaid   int64  `json:"amount_paid"`
	AmountDue    int64  `json:"amount_due"`
	Currency     string `json:"currency"`
	PeriodEnd    int64  `json:"period_end"`
}

// Parse translates Stripe event types into the internal vocabulary.
func (s *StripeProvider) Parse(_ http.Header, payload []byte) (*Event, error) {
	var envl stripeEnvelope
	if err := json.Unmarshal(payload, &envl); err != nil {
		return nil, &MalformedPayloadError{Provider: s.Name(), Reason: "invalid JSON envelope", Err: err}
	}
	if envl.ID == "" || envl.Type == "" {
		return nil, &MalformedPayloadError{Provider: s.Name(), Reason: "missing event id or type"}
	}

	ev := &Event{Provider: s.Name(), ID: envl.ID, Type: envl.Type}

	switch envl.Type {
	case "checkout.session.completed":
		var session stripeCheckoutSession
		if err := json.Unmarshal(envl.Data.Object, &session); err != nil {
			return ev, &MalformedPayloadError{Provider: s.Name(), Reason: "invalid checkout session object", Err: err}
		}
		tenantID, _ := strconv.ParseUint(session.Metadata.TenantID, 10, 64)
		ev.Kind = EventCheckoutCompleted
		ev.Checkout = &CheckoutData{
			TenantID:               uint(tenantID),
			ProviderCustomerID:     session.Customer,
			ProviderSubscriptionID: session.Subscription,
			ProviderPriceID:        session.Metadata.PriceID,
			Amount:                 session.AmountTotal,
			Currency:               strings.ToUpper(session.Currency),
			Interval:               normalizeInterval(session.Metadata.Interval),
		}
	case "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripeSubscription
		if err := json.Unmarshal(envl.Data.Object, &sub); err != nil {
			return ev, &MalformedPayloadError{Provider: s.Name(), Reason: "invalid subscription object", Err: err}
		}
		data := &SubscriptionData{
			ProviderSubscriptionID: sub.ID,
			ProviderStatus:         sub.Status,
			PeriodEnd:              unixTimePtr(sub.CurrentPeriodEnd),
		}
		if len(sub.Items.Data) > 0 {
			data.ProviderPriceID = sub.Items.Data[0].Price.ID
			data.Interval = normalizeInterval(sub.Items.Data[0].Price.Recurring.Interval)
		}
		if envl.Type == "customer.subscription.deleted" {
			ev.Kind = EventSubscriptionCancelled
		} else {
			ev.Kind = EventSubscriptionUpdated
		}
		ev.Subscription = data
	case "invoice.payment_failed", "invoice.paid":
		var inv stripeInvoice
		if err := json.Unmarshal(envl.Data.Object, &inv); err != nil {
			return ev, &MalformedPayloadError{Provider: s.Name(), Reason: "invalid invoice object", Err: err}
		}
		amount := inv.AmountPaid
		if envl.Type == "invoice.payment_failed" {
			ev.Kind = EventPaymentFailed
			amount = inv.AmountDue
		} else {
			ev.Kind = EventPaymentSucceeded
		}
		ev.Payment = &PaymentData{
			ProviderSubscriptionID: inv.Subscription,
			ProviderCustomerID:     inv.Customer,
			Amount:                 amount,
			Currency:               strings.ToUpper(inv.Currency),
			PeriodEnd:              unixTimePtr(inv.PeriodEnd),
		}
	default:
		ev.Kind = EventIgnored
	}
	return ev, nil
}

// MapStatus maps Stripe subscription statuses onto the internal lifecycle.
// States that still entitle access (active, trialing, past_due during
// dunning) and anything unrecognized stay active.
func (s *StripeProvider) MapStatus(providerStatus string) string {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "canceled", "unpaid", "incomplete_expired", "paused":
		return models.SubscriptionStatusCancelled
	default:
		return models.SubscriptionStatusActive
	}
}

// CreateCheckoutSession opens a hosted subscription checkout. The tenant id
// and price ref travel in session metadata so the completion webhook can
// resolve them without a session.
func (s *StripeProvider) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (string, error) {
	form := url.Values{}
	form.Set("mode", "subscription")
	form.Set("line_items[0][price]", params.PriceID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)
	form.Set("metadata[tenant_id]", strconv.FormatUint(uint64(params.TenantID), 10))
	form.Set("metadata[price_id]", params.PriceID)
	if params.CustomerEmail != "" {
		form.Set("customer_email", params.CustomerEmail)
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := s.callAPI(ctx, http.MethodPost, "/v1/checkout/sessions", form, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// CreatePortalSession returns a customer portal URL.
func (s *StripeProvider) CreatePortalSession(ctx context.Context, providerCustomerID, returnURL string) (string, error) {
	form := url.Values{}
	form.Set("customer", providerCustomerID)
	form.Set("return_url", returnURL)

	var out struct {
		URL string `json:"url"`
	}
	if err := s.callAPI(ctx, http.MethodPost, "/v1/billing_portal/sessions", form, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// CancelSubscription cancels the provider subscription immediately.
func (s *StripeProvider) CancelSubscription(ctx context.Context, providerSubscriptionID string) error {
	return s.callAPI(ctx, http.MethodDelete, "/v1/subscriptions/"+url.PathEscape(providerSubscriptionID), nil, nil)
}

func (s *StripeProvider) callAPI(ctx context.Context, method, path string, form url.Values, out any) error {
	if s.apiKey == "" {
		return &ConfigError{Provider: s.Name(), Key: "STRIPE_API_KEY"}
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, s.apiBaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("stripe api %s %s failed: status=%d body=%s", method, path, resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return err
	}
	return nil
}

// unixTimePtr converts a unix timestamp to *time.Time, nil for zero.
func unixTimePtr(ts int64) *time.Time {
	if ts <= 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

var _ Provider = (*StripeProvider)(nil)
