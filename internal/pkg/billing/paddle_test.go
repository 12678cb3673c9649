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

func newTestPaddleProvider(secret string) *PaddleProvider {
	return &PaddleProvider{
		webhookSecret: secret,
		tolerance:     5 * time.Minute,
	}
}

func paddleSign(secret string, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d:", ts)
	mac.Write(payload)
	return fmt.Sprintf("ts=%d;h1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestPaddleVerify(t *testing.T) {
	const secret = "pdl_ntfset_secret"
	payload := []byte(`{"event_id":"ntf_1","event_type":"transaction.completed"}`)
	now := time.Unix(1700000000, 0)
	prov := newTestPaddleProvider(secret)

	sign := func(header string) http.Header {
		h := http.Header{}
		h.Set("Paddle-Signature", header)
		return h
	}

	t.Run("valid signature accepts", func(t *testing.T) {
		h := sign(paddleSign(secret, now.Unix(), payload))
		if err := prov.Verify(h, payload, now); err != nil {
			t.Fatalf("Verify() = %v, want nil", err)
		}
	})

	t.Run("missing header rejected", func(t *testing.T) {
		if err := prov.Verify(http.Header{}, payload, now); !errors.Is(err, ErrMissingSignature) {
			t.Fatalf("Verify() = %v, want ErrMissingSignature", err)
		}
	})

	t.Run("header without h1 rejected", func(t *testing.T) {
		h := sign(fmt.Sprintf("ts=%d", now.Unix()))
		if err := prov.Verify(h, payload, now); !errors.Is(err, ErrMissingSignature) {
			t.Fatalf("Verify() = %v, want ErrMissingSignature", err)
		}
	})

	t.Run("tampered payload rejected", func(t *testing.T) {
		h := sign(paddleSign(secret, now.Unix(), payload))
		mutated := append([]byte(nil), payload...)
		mutated[len(mutated)-1] ^= 0x01
		if err := prov.Verify(h, mutated, now); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("Verify() = %v, want ErrInvalidSignature", err)
		}
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		h := sign(paddleSign("pdl_ntfset_other", now.Unix(), payload))
		if err := prov.Verify(h, payload, now); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("Verify() = %v, want ErrInvalidSignature", err)
		}
	})

	t.Run("stale timestamp rejected", func(t *testing.T) {
		old := now.Add(-3700 * time.Second).Unix()
		h := sign(paddleSign(secret, old, payload))
		if err := prov.Verify(h, payload, now); !errors.Is(err, ErrTimestampExpired) {
			t.Fatalf("Verify() = %v, want ErrTimestampExpired", err)
		}
	})
}

func TestPaddleParse(t *testing.T) {
	prov := newTestPaddleProvider("secret")

	t.Run("transaction completed", func(t *testing.T) {
		payload := []byte(`{
			"event_id": "ntf_checkout",
			"event_type": "transaction.completed",
			"data": {
				"id": "txn_1",
				"customer_id": "ctm_9",
				"subscription_id": "sub_42",
				"currency_code": "eur",
				"custom_data": {"tenant_id": "42"},
				"items": [{"price": {"id": "pri_basic_m", "billing_cycle": {"interval": "month"}}}],
				"details": {"totals": {"grand_total": "1999"}}
			}
		}`)
		ev, err := prov.Parse(nil, payload)
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if ev.Kind != EventCheckoutCompleted {
			t.Fatalf("Kind = %q, want %q", ev.Kind, EventCheckoutCompleted)
		}
		c := ev.Checkout
		if c.TenantID != 42 || c.ProviderPriceID != "pri_basic_m" || c.ProviderSubscriptionID != "sub_42" {
			t.Errorf("checkout = %+v", c)
		}
		if c.Amount != 1999 || c.Currency != "EUR" || c.Interval != "month" {
			t.Errorf("amount/currency/interval = %d/%q/%q", c.Amount, c.Currency, c.Interval)
		}
	})

	t.Run("subscription canceled", func(t *testing.T) {
		payload := []byte(`{
			"event_id": "ntf_cancel",
			"event_type": "subscription.canceled",
			"data": {
				"id": "sub_42",
				"status": "canceled",
				"current_billing_period": {"ends_at": "2026-09-01T00:00:00Z"}
			}
		}`)
		ev, err := prov.Parse(nil, payload)
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if ev.Kind != EventSubscriptionCancelled {
			t.Fatalf("Kind = %q, want %q", ev.Kind, EventSubscriptionCancelled)
		}
		s := ev.Subscription
		if s.ProviderSubscriptionID != "sub_42" || s.ProviderStatus != "canceled" {
			t.Errorf("subscription = %+v", s)
		}
		if s.PeriodEnd == nil || !s.PeriodEnd.Equal(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("PeriodEnd = %v", s.PeriodEnd)
		}
	})

	t.Run("payment failed", func(t *testing.T) {
		payload := []byte(`{
			"event_id": "ntf_fail",
			"event_type": "transaction.payment_failed",
			"data": {
				"subscription_id": "sub_42",
				"customer_id": "ctm_9",
				"currency_code": "usd",
				"details": {"totals": {"grand_total": "500"}}
			}
		}`)
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

	t.Run("unrecognized type is ignored", func(t *testing.T) {
		payload := []byte(`{"event_id":"ntf_x","event_type":"address.created","data":{}}`)
		ev, err := prov.Parse(nil, payload)
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if ev.Kind != EventIgnored {
			t.Fatalf("Kind = %q, want %q", ev.Kind, EventIgnored)
		}
	})

	t.Run("missing event id is malformed", func(t *testing.T) {
		_, err := prov.Parse(nil, []byte(`{"event_type":"transaction.completed","data":{}}`))
		if !IsMalformedPayload(err) {
			t.Fatalf("Parse() error = %v, want MalformedPayloadError", err)
		}
	})
}

func TestPaddleMapStatus(t *testing.T) {
	prov := newTestPaddleProvider("secret")
	tests := []struct {
		in   string
		want string
	}{
		{"active", models.SubscriptionStatusActive},
		{"trialing", models.SubscriptionStatusActive},
		{"past_due", models.SubscriptionStatusActive},
		{"canceled", models.SubscriptionStatusCancelled},
		{"paused", models.SubscriptionStatusCancelled},
		{"brand_new_state", models.SubscriptionStatusActive},
	}
	for _, tt := range tests {
		if got := prov.MapStatus(tt.in); got != tt.want {
			t.Errorf("MapStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
