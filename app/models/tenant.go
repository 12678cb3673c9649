package models

import "time"

// Tenant is the billing unit (an organization/workspace), distinct from an
// individual user. Balance fields are prepaid credit, unrelated to
// subscriptions.
type Tenant struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Name            string    `gorm:"type:varchar(200);not null" json:"name"`
	Slug            string    `gorm:"type:varchar(100);not null;uniqueIndex" json:"slug"`
	Balance         int64     `gorm:"not null;default:0" json:"balance"`
	BalanceCurrency string    `gorm:"type:varchar(3);not null;default:'EUR'" json:"balance_currency"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
