package models

import (
	"time"

	"gorm.io/gorm"
)

// Billing provider constants used across billing-related models.
const (
	ProviderStripe = "stripe"
	ProviderPaddle = "paddle"
	ProviderPolar  = "polar"
)

// Billing interval constants.
const (
	IntervalMonth   = "month"
	IntervalYear    = "year"
	IntervalUnknown = "unknown"
)

// Tier is an internal subscription plan that entitlements are derived from.
// Exactly one tier is flagged as the free tier; cancelled tenants are
// downgraded onto it.
type Tier struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(100);not null;uniqueIndex" json:"name"`
	IsFree    bool      `gorm:"default:false;index" json:"is_free"`
	Rank      int       `gorm:"not null;default:0" json:"rank"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Price maps a provider-specific price/plan reference to an internal tier.
// Read-mostly catalog, consumed read-only by webhook handlers.
type Price struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Provider        string    `gorm:"type:varchar(20);not null;index:ux_prices_provider_ref,unique,priority:1" json:"provider"`
	ProviderPriceID string    `gorm:"type:varchar(191);not null;index:ux_prices_provider_ref,unique,priority:2" json:"provider_price_id"`
	TierID          uint      `gorm:"not null;index" json:"tier_id"`
	Amount          int64     `gorm:"not null;default:0" json:"amount"`
	Currency        string    `gorm:"type:varchar(3);not null;default:'EUR'" json:"currency"`
	Interval        string    `gorm:"type:varchar(16);not null;default:'unknown'" json:"interval"`
	IsActive        bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetFreeTier returns the tier flagged as free.
func GetFreeTier(db *gorm.DB) (*Tier, error) {
	var t Tier
	if err := db.Where("is_free = ?", true).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}
