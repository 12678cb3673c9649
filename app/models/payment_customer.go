package models

import "time"

// PaymentCustomer maps a tenant to its provider-side customer identifier.
// Upserted on checkout completion, never duplicated per (tenant, provider).
type PaymentCustomer struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	TenantID           uint      `gorm:"not null;index:ux_payment_customers_tenant_provider,unique,priority:1" json:"tenant_id"`
	Provider           string    `gorm:"type:varchar(20);not null;index:ux_payment_customers_tenant_provider,unique,priority:2;index:ux_payment_customers_provider_customer,unique,priority:1" json:"provider"`
	ProviderCustomerID string    `gorm:"type:varchar(191);not null;index:ux_payment_customers_provider_customer,unique,priority:2" json:"provider_customer_id"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
