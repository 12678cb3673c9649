package models

import "time"

// Subscription lifecycle states. Provider-specific status strings are mapped
// onto these by the provider adapters.
const (
	SubscriptionStatusActive    = "active"
	SubscriptionStatusExpired   = "expired"
	SubscriptionStatusCancelled = "cancelled"
)

// Subscription represents one billing period/state for one tenant. For a
// given tenant at most one row is active at any committed point in time.
type Subscription struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	TenantID               uint       `gorm:"not null;index:idx_subscriptions_tenant_status,priority:1" json:"tenant_id"`
	TierID                 uint       `gorm:"not null;index" json:"tier_id"`
	Status                 string     `gorm:"type:varchar(16);not null;default:'active';index:idx_subscriptions_tenant_status,priority:2" json:"status"`
	StartsAt               time.Time  `gorm:"type:timestamp;not null" json:"starts_at"`
	ExpiresAt              *time.Time `gorm:"type:timestamp;default:null;index" json:"expires_at,omitempty"`
	ProviderName           *string    `gorm:"type:varchar(20);default:null;index:ux_subscriptions_provider_subid,unique,priority:1" json:"provider_name,omitempty"`
	ProviderSubscriptionID *string    `gorm:"type:varchar(191);default:null;index:ux_subscriptions_provider_subid,unique,priority:2" json:"provider_subscription_id,omitempty"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsActive reports whether the row is in the active state.
func (s *Subscription) IsActive() bool {
	return s.Status == SubscriptionStatusActive
}
