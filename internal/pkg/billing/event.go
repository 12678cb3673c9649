package billing

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hookbill/hookbill/app/models"
)

// EventKind is the internal event vocabulary. Provider-specific event-type
// strings are translated to these by the adapters; anything unmapped becomes
// EventIgnored and is acknowledged without side effects.
type EventKind string

const (
	EventCheckoutCompleted     EventKind = "checkout_completed"
	EventSubscriptionUpdated   EventKind = "subscription_updated"
	EventSubscriptionCancelled EventKind = "subscription_cancelled"
	EventPaymentFailed         EventKind = "payment_failed"
	EventPaymentSucceeded      EventKind = "payment_succeeded"
	EventIgnored               EventKind = "ignored"
)

// Event is the provider-neutral shape a webhook delivery is normalized
// into. Exactly one variant pointer is set for the kind it belongs to;
// EventIgnored carries none.
type Event struct {
	Provider string
	ID       string
	Type     string
	Kind     EventKind

	Checkout     *CheckoutData
	Subscription *SubscriptionData
	Payment      *PaymentData
}

// CheckoutData is carried by checkout_completed events. The tenant id is
// round-tripped through provider metadata set at checkout-session creation.
type CheckoutData struct {
	TenantID               uint   `validate:"required"`
	ProviderCustomerID     string
	ProviderSubscriptionID string
	ProviderPriceID        string `validate:"required"`
	Amount                 int64
	Currency               string
	Interval               string
	PeriodEnd              *time.Time
}

// SubscriptionData is carried by subscription_updated and
// subscription_cancelled events.
type SubscriptionData struct {
	ProviderSubscriptionID string `validate:"required"`
	ProviderStatus         string
	ProviderPriceID        string
	PeriodEnd              *time.Time
	Interval               string
}

// PaymentData is carried by payment_failed and payment_succeeded events.
type PaymentData struct {
	ProviderSubscriptionID string `validate:"required"`
	ProviderCustomerID     string
	Amount                 int64
	Currency               string
	PeriodEnd              *time.Time
}

// normalizeInterval maps provider billing-interval strings onto the
// internal vocabulary. Anything unrecognized, including absent values,
// becomes unknown.
func normalizeInterval(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "month", "monthly":
		return models.IntervalMonth
	case "year", "yearly", "annual":
		return models.IntervalYear
	default:
		return models.IntervalUnknown
	}
}

var validate = validator.New()

// validateEvent checks the variant required for the event's kind before any
// handler runs, so a missing field surfaces as a MalformedPayloadError at
// the boundary instead of a nil dereference deep in a handler.
func validateEvent(ev *Event) error {
	var (
		variant any
		reason  string
	)
	switch ev.Kind {
	case EventCheckoutCompleted:
		if ev.Checkout == nil {
			return &MalformedPayloadError{Provider: ev.Provider, Reason: "missing checkout data"}
		}
		variant, reason = ev.Checkout, "checkout data"
	case EventSubscriptionUpdated, EventSubscriptionCancelled:
		if ev.Subscription == nil {
			return &MalformedPayloadError{Provider: ev.Provider, Reason: "missing subscription data"}
		}
		variant, reason = ev.Subscription, "subscription data"
	case EventPaymentFailed, EventPaymentSucceeded:
		if ev.Payment == nil {
			return &MalformedPayloadError{Provider: ev.Provider, Reason: "missing payment data"}
		}
		variant, reason = ev.Payment, "payment data"
	default:
		return nil
	}

	if err := validate.Struct(variant); err != nil {
		return &MalformedPayloadError{Provider: ev.Provider, Reason: "invalid " + reason, Err: err}
	}
	return nil
}
