package billing

import (
	"context"
	"time"

	"github.com/hookbill/hookbill/app/models"
	"github.com/hookbill/hookbill/internal/pkg/scope"
)

// supersedeActive cancels every currently-active subscription for the
// tenant and inserts the replacement row, all behind row-level locks taken
// by ActiveSubscriptionsForUpdate. This is the only code path that creates
// active rows, which keeps the at-most-one-active invariant in one place.
func supersedeActive(tx Store, sc scope.Scope, replacement *models.Subscription) error {
	active, err := tx.ActiveSubscriptionsForUpdate(sc, replacement.TenantID)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		ids := make([]uint, 0, len(active))
		for _, sub := range active {
			ids = append(ids, sub.ID)
		}
		if err := tx.CancelSubscriptions(sc, replacement.TenantID, ids); err != nil {
			return err
		}
	}
	replacement.Status = models.SubscriptionStatusActive
	return tx.CreateSubscription(sc, replacement)
}

// activateSubscription creates the active row for a completed checkout,
// superseding whatever was active before.
func activateSubscription(tx Store, sc scope.Scope, tenantID uint, tier *models.Tier, provider string, data *CheckoutData, now time.Time) (*models.Subscription, error) {
	sub := &models.Subscription{
		TenantID: tenantID,
		TierID:   tier.ID,
		StartsAt: now,
	}
	if data.PeriodEnd != nil {
		end := *data.PeriodEnd
		sub.ExpiresAt = &end
	}
	if data.ProviderSubscriptionID != "" {
		p := provider
		id := data.ProviderSubscriptionID
		sub.ProviderName = &p
		sub.ProviderSubscriptionID = &id
	}
	if err := supersedeActive(tx, sc, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// downgradeToFree cancels the tenant's active subscriptions and creates a
// fresh active row on the free tier in the same transaction, so a cancelled
// tenant is never left without a subscription row.
func downgradeToFree(tx Store, sc scope.Scope, tenantID uint, now time.Time) (*models.Subscription, error) {
	free, err := tx.FreeTier(sc)
	if err != nil {
		return nil, err
	}
	sub := &models.Subscription{
		TenantID: tenantID,
		TierID:   free.ID,
		StartsAt: now,
	}
	if err := supersedeActive(tx, sc, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// ExpireDueSubscriptions transitions active rows whose expires_at has
// passed the given instant to expired. Called by the scheduled sweep,
// not by webhook deliveries.
func ExpireDueSubscriptions(ctx context.Context, store Store, now time.Time) (int64, error) {
	var expired int64
	err := store.Transaction(ctx, func(tx Store) error {
		return scope.WithSystem(func(sc scope.Scope) error {
			n, err := tx.ExpireDueSubscriptions(sc, now)
			expired = n
			return err
		})
	})
	return expired, err
}
