package billing

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/hookbill/hookbill/internal/pkg/env"
)

// Provider is the capability set every billing backend implements. The
// webhook engine consumes only Name/Verify/Parse/MapStatus; the session
// methods are thin outbound API clients used by checkout and dashboard
// flows.
type Provider interface {
	// Name returns the provider key ("stripe", "paddle", "polar").
	Name() string

	// Verify authenticates a raw delivery against its signature header(s).
	// It returns one of the signature sentinel errors on failure and never
	// panics on malformed header input.
	Verify(headers http.Header, payload []byte, now time.Time) error

	// Parse normalizes a verified payload into the internal Event shape.
	// Unrecognized event types yield Kind EventIgnored, not an error.
	Parse(headers http.Header, payload []byte) (*Event, error)

	// MapStatus maps a provider status string onto the internal lifecycle.
	// Unmapped strings default to active so an unrecognized transient state
	// never silently revokes paid access.
	MapStatus(providerStatus string) string

	// CreateCheckoutSession starts a hosted checkout and returns its URL.
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (string, error)

	// CreatePortalSession returns a customer-portal URL for the given
	// provider customer.
	CreatePortalSession(ctx context.Context, providerCustomerID, returnURL string) (string, error)

	// CancelSubscription cancels a provider subscription out-of-band.
	CancelSubscription(ctx context.Context, providerSubscriptionID string) error
}

// CheckoutParams carries everything a provider needs to open a hosted
// checkout. TenantID is round-tripped through provider metadata so the
// checkout_completed webhook can resolve the tenant without a session.
type CheckoutParams struct {
	TenantID      uint
	PriceID       string
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
}

// Registry is the keyed factory adapters are selected from at request time.
type Registry struct {
	providers map[string]Provider
	def       string
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its own name.
func (r *Registry) Register(p Provider) {
	r.providers[strings.ToLower(p.Name())] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Default returns the configured default provider.
func (r *Registry) Default() (Provider, bool) {
	return r.Get(r.def)
}

// Names lists the registered provider keys.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// NewRegistryFromEnv builds adapters for every provider whose webhook
// secret is configured. At least one provider must be configured, and the
// default provider selection must point at a registered one.
func NewRegistryFromEnv() (*Registry, error) {
	r := NewRegistry()

	if env.GetEnv("STRIPE_WEBHOOK_SECRET", "") != "" {
		p, err := NewStripeProviderFromEnv()
		if err != nil {
			return nil, err
		}
		r.Register(p)
	}
	if env.GetEnv("PADDLE_WEBHOOK_SECRET", "") != "" {
		p, err := NewPaddleProviderFromEnv()
		if err != nil {
			return nil, err
		}
		r.Register(p)
	}
	if env.GetEnv("POLAR_WEBHOOK_SECRET", "") != "" {
		p, err := NewPolarProviderFromEnv()
		if err != nil {
			return nil, err
		}
		r.Register(p)
	}

	if len(r.providers) == 0 {
		return nil, &ConfigError{Provider: "any", Key: "<PROVIDER>_WEBHOOK_SECRET"}
	}

	r.def = strings.ToLower(env.GetEnv("BILLING_DEFAULT_PROVIDER", r.Names()[0]))
	if _, ok := r.Get(r.def); !ok {
		return nil, &ConfigError{Provider: r.def, Key: "BILLING_DEFAULT_PROVIDER"}
	}
	return r, nil
}

// signatureTolerance reads the per-provider freshness window, e.g.
// STRIPE_SIGNATURE_TOLERANCE in seconds, defaulting to 300.
func signatureTolerance(providerEnvPrefix string) time.Duration {
	seconds := env.GetEnvInt(providerEnvPrefix+"_SIGNATURE_TOLERANCE", 300)
	if seconds <= 0 {
		seconds = 300
	}
	return time.Duration(seconds) * time.Second
}
