package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/hookbill/hookbill/app/models"
)

func newTestStripeProvider(secret string) *StripeProvider {
	return &StripeProvider{
		webhookSecret: secret,
		tolerance:     5 * time.Minute,
	}
}

func stripeSign(secret string, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestStripeVerify(t *testing.T) {
	const secret = "whsec_test_secret"
	payload := []byte(`{"id":"evt_1","type":"invoice.paid"}`)
	now := time.Unix(1700000000, 0)
	prov := newTestStripeProvider(secret)

	sign := func(header string) http.Header {
		h := http.Header{}
		h.Set("Stripe-Signature", header)
		return h
	}

	t.Run("valid signature accepts", func(t *testing.T) {
		h := sign(stripeSign(secret, now.Unix(), payload))
		if err := prov.Verify(h, payload, now); err != nil {
			t.Fatalf("Verify() = %v, want nil", err)
		}
	})

	t.Run("missing header rejected", func(t *testing.T) {
		if err := prov.Verify(http.Header{}, payload, now); !errors.Is(err, ErrMissingSignature) {
			t.Fatalf("Verify() = %v, want ErrMissingSignature", err)
		}
	})

	t.Run("tampered payload rejected", func(t *testing.T) {
		h := sign(stripeSign(secret, now.Unix(), payload))
		mutated := append([]byte(nil), payload...)
		mutated[0] ^= 0x01
		if err := prov.Verify(h, mutated, now); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("Verify() = %v, want ErrInvalidSignature", err)
		}
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		h := sign(stripeSign("whsec_other", now.Unix(), payload))
		if err := prov.Verify(h, payload, now); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("Verify() = %v, want ErrInvalidSignature", err)
		}
	})

	t.Run("altered timestamp rejected", func(t *testing.T) {
		// Re-stamping a captured signature with a fresh t must fail the
		// HMAC because the timestamp is part of the signed material.
		valid := stripeSign(secret, now.Unix(), payload)
		var sig string
		fmt.Sscanf(valid, "t=%d,v1=%s", new(int64), &sig)
		h := sign(fmt.Sprintf("t=%d,v1=%s", now.Unix()+60, sig))
		if err := prov.Verify(h, payload, now); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("Verify() = %v, want ErrInvalidSignature", err)
		}
	})

	t.Run("stale timestamp rejected", func(t *testing.T) {
		old := now.Add(-time.Hour).Unix()
		h := sign(stripeSign(secret, old, payload))
		if err := prov.Verify(h, payload, now); !errors.Is(err, ErrTimestampExpired) {
			t.Fatalf("Verify() = %v, want ErrTimestampExpired", err)
		}
	})

	t.Run("non-numeric timestamp rejected", func(t *testing.T) {
		h := sign("t=notanumber,v1=deadbeef")
		if err := prov.Verify(h, payload, now); !errors.Is(err, ErrInvalidTimestamp) {
			t.Fatalf("Verify() = %v, want ErrInvalidTimestamp", err)
		}
	})

	t.Run("second v1 candidate accepts", func(t *testing.T) {
		valid := stripeSign(secret, now.Unix(), payload)
		var sig string
		fmt.Sscanf(valid, "t=%d,v1=%s", new(int64), &sig)
		h := sign(fmt.Sprintf("t=%d,v1=%s,v1=%s", now.Unix(), "00ff00ff", sig))
		if err := prov.Verify(h, payload, now); err != nil {
			t.Fatalf("Verify() = %v, want nil", err)
		}
	})
}

func TestStripeParse(t *testing.T) {
	prov := newTestStripeProvider("whsec_test")

	t.Run("checkout session completed", func(t *testing.T) {
		payload := []byte(`{
			"id": "evt_checkout",
			"type": "checkout.session.completed",
			"data": {"object": {
				"id": "cs_123",
				"customer": "cus_9",
				"subscription": "sub_42",
				"amount_total": 1999,
				"currency": "eur",
				"metadata": {"tenant_id": "42", "price_id": "price_basic_m", "interval": "month"}
			}}
		}`)
		ev, err := prov.Parse(nil, payload)
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if ev.Kind != EventCheckoutCompleted {
			t.Fatalf("Kind = %q, want %q", ev.Kind, EventCheckoutCompleted)
		}
		if ev.ID != "evt_checkout" {
			t.Errorf("ID = %q, want evt_checkout", ev.ID)
		}
		c := ev.Checkout
		if c == nil {
			t.Fatal("Checkout data is nil")
		}
		if c.TenantID != 42 || c.ProviderPriceID != "price_basic_m" {
			t.Errorf("checkout = %+v, want tenant 42 price price_basic_m", c)
		}
		if c.ProviderSubscriptionID != "sub_42" || c.ProviderCustomerID != "cus_9" {
			t.Errorf("checkout refs = %q/%q", c.ProviderSubscriptionID, c.ProviderCustomerID)
		}
		if c.Amount != 1999 || c.Currency != "EUR" || c.Interval != "month" {
			t.Errorf("amount/currency/interval = %d/%q/%q", c.Amount, c.Currency, c.Interval)
		}
	})

	t.Run("subscription updated", func(t *testing.T) {
		payload := []byte(`{
			"id": "evt_subupd",
			"type": "customer.subscription.updated",
			"data": {"object": {
				"id": "sub_42",
				"status": "past_due",
				"current_period_end": 1700003600,
				"items": {"data": [{"price": {"id": "price_pro_y", "recurring": {"interval": "year"}}}]}
			}}
		}`)
		ev, err := prov.Parse(nil, payload)
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if ev.Kind != EventSubscriptionUpdated {
			t.Fatalf("Kind = %q, want %q", ev.Kind, EventSubscriptionUpdated)
		}
		s := ev.Subscription
		if s.ProviderSubscriptionID != "sub_42" || s.ProviderStatus != "past_due" {
			t.Errorf("subscription = %+v", s)
		}
		if s.ProviderPriceID != "price_pro_y" || s.Interval != "year" {
			t.Errorf("price = %q interval = %q", s.ProviderPriceID, s.Interval)
		}
		if s.PeriodEnd == nil || s.PeriodEnd.Unix() != 1700003600 {
			t.Errorf("PeriodEnd = %v, want unix 1700003600", s.PeriodEnd)
		}
	})

	t.Run("subscription deleted maps to cancelled", func(t *testing.T) {
		payload := []byte(`{"id":"evt_del","type":"customer.subscription.deleted","data":{"object":{"id":"sub_42","status":"canceled"}}}`)
		ev, err := prov.Parse(nil, payload)
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if ev.Kind != EventSubscriptionCancelled {
			t.Fatalf("Kind = %q, want %q", ev.Kind, EventSubscriptionCancelled)
		}
	})

	t.Run("invoice payment failed", func(t *testing.T) {
		payload := []byte(`{"id":"evt_fail","type":"invoice.payment_failed","data":{"object":{"subscription":"sub_42","customer":"cus_9","amount_due":500,"currency":"usd"}}}`)
		ev, err := prov.Parse(nil, payload)
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if ev.Kind != EventPaymentFailed {
			t.Fatalf("Kind = %q, want %q", ev.Kind, EventPaymentFailed)
		}
		if ev.Payment.Amount != 500 || ev.Payment.Currency != "USD" {
			t.Errorf("payment = %+v", ev.Payment)
		}
	})

	t.Run("invoice paid", func(t *testing.T) {
		payload := []byte(`{"id":"evt_paid","type":"invoice.paid","data":{"object":{"subscription":"sub_42","amount_paid":1999,"currency":"eur","period_end":1700003600}}}`)
		ev, err := prov.Parse(nil, payload)
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if ev.Kind != EventPaymentSucceeded {
			t.Fatalf("Kind = %q, want %q", ev.Kind, EventPaymentSucceeded)
		}
		if ev.Payment.Amount != 1999 || ev.Payment.PeriodEnd == nil {
			t.Errorf("payment = %+v", ev.Payment)
		}
	})

	t.Run("unrecognized type is ignored", func(t *testing.T) {
		payload := []byte(`{"id":"evt_x","type":"charge.refunded","data":{"object":{}}}`)
		ev, err := prov.Parse(nil, payload)
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if ev.Kind != EventIgnored {
			t.Fatalf("Kind = %q, want %q", ev.Kind, EventIgnored)
		}
	})

	t.Run("invalid json is malformed", func(t *testing.T) {
		_, err := prov.Parse(nil, []byte(`{not json`))
		if !IsMalformedPayload(err) {
			t.Fatalf("Parse() error = %v, want MalformedPayloadError", err)
		}
	})

	t.Run("missing event id is malformed", func(t *testing.T) {
		_, err := prov.Parse(nil, []byte(`{"type":"invoice.paid"}`))
		if !IsMalformedPayload(err) {
			t.Fatalf("Parse() error = %v, want MalformedPayloadError", err)
		}
	})
}

func TestStripeMapStatus(t *testing.T) {
	prov := newTestStripeProvider("whsec_test")
	tests := []struct {
		in   string
		want string
	}{
		{"active", models.SubscriptionStatusActive},
		{"trialing", models.SubscriptionStatusActive},
		{"past_due", models.SubscriptionStatusActive},
		{"canceled", models.SubscriptionStatusCancelled},
		{"unpaid", models.SubscriptionStatusCancelled},
		{"incomplete_expired", models.SubscriptionStatusCancelled},
		{"paused", models.SubscriptionStatusCancelled},
		{"CANCELED", models.SubscriptionStatusCancelled},
		{"something_new", models.SubscriptionStatusActive},
		{"", models.SubscriptionStatusActive},
	}
	for _, tt := range tests {
		if got := prov.MapStatus(tt.in); got != tt.want {
			t.Errorf("MapStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
