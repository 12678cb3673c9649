package billing

import (
	"context"
	"errors"

	"github.com/hookbill/hookbill/internal/pkg/scope"
)

// ErrMissingCheckoutParams is returned when a checkout is requested without
// the tenant or price reference the completion webhook needs to resolve it.
var ErrMissingCheckoutParams = errors.New("checkout requires a tenant id and a price reference")

// Checkout drives the outbound provider sessions: hosted checkout, customer
// portal, and out-of-band cancellation. It is consumed by dashboard and CLI
// surfaces; webhook deliveries never call it.
type Checkout struct {
	registry *Registry
	store    Store
}

func NewCheckout(registry *Registry, store Store) *Checkout {
	return &Checkout{registry: registry, store: store}
}

// provider resolves the adapter for name, falling back to the configured
// default when name is empty.
func (c *Checkout) provider(name string) (Provider, error) {
	if name == "" {
		if prov, ok := c.registry.Default(); ok {
			return prov, nil
		}
		return nil, ErrUnknownProvider
	}
	prov, ok := c.registry.Get(name)
	if !ok {
		return nil, ErrUnknownProvider
	}
	return prov, nil
}

// Start opens a hosted checkout for the tenant and returns the URL to send
// the buyer to. The tenant id rides in provider metadata so the completion
// webhook can attribute the purchase without a session.
func (c *Checkout) Start(ctx context.Context, providerName string, params CheckoutParams) (string, error) {
	prov, err := c.provider(providerName)
	if err != nil {
		return "", err
	}
	if params.TenantID == 0 || params.PriceID == "" {
		return "", ErrMissingCheckoutParams
	}
	return prov.CreateCheckoutSession(ctx, params)
}

// PortalURL returns a customer-portal URL for the tenant's provider
// customer. ErrNotFound means the tenant never completed a checkout with
// this provider.
func (c *Checkout) PortalURL(ctx context.Context, tenantID uint, providerName, returnURL string) (string, error) {
	prov, err := c.provider(providerName)
	if err != nil {
		return "", err
	}

	var customerID string
	err = scope.WithTenant(tenantID, func(sc scope.Scope) error {
		pc, err := c.store.PaymentCustomerByTenant(sc, tenantID, prov.Name())
		if err != nil {
			return err
		}
		customerID = pc.ProviderCustomerID
		return nil
	})
	if err != nil {
		return "", err
	}
	return prov.CreatePortalSession(ctx, customerID, returnURL)
}

// CancelActive cancels the tenant's active provider subscription at the
// provider. The local row is not touched here; the provider's cancellation
// webhook drives the state transition so both sides stay consistent.
func (c *Checkout) CancelActive(ctx context.Context, tenantID uint, providerName string) error {
	prov, err := c.provider(providerName)
	if err != nil {
		return err
	}

	var providerSubID string
	err = scope.WithTenant(tenantID, func(sc scope.Scope) error {
		sub, err := c.store.ActiveSubscription(sc, tenantID)
		if err != nil {
			return err
		}
		if sub.ProviderName == nil || *sub.ProviderName != prov.Name() || sub.ProviderSubscriptionID == nil {
			return ErrNotFound
		}
		providerSubID = *sub.ProviderSubscriptionID
		return nil
	})
	if err != nil {
		return err
	}
	return prov.CancelSubscription(ctx, providerSubID)
}
