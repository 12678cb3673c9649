package models

import "time"

// ProcessedWebhookEvent is the idempotency ledger. The existence of a row is
// proof that side effects for (provider, event_id) have already committed;
// the row is written inside the same transaction as those side effects.
type ProcessedWebhookEvent struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Provider    string    `gorm:"type:varchar(20);not null;index:ux_processed_webhook_events_provider_event,unique,priority:1" json:"provider"`
	EventID     string    `gorm:"type:varchar(191);not null;index:ux_processed_webhook_events_provider_event,unique,priority:2" json:"event_id"`
	EventType   string    `gorm:"type:varchar(100);not null;index" json:"event_type"`
	Note        string    `gorm:"type:text" json:"note"`
	ProcessedAt time.Time `gorm:"autoCreateTime;index" json:"processed_at"`
}
