package models

import "time"

// WebhookDelivery remembers an inbound delivery id for the dedup window.
type WebhookDelivery struct {
	DeliveryID string    `gorm:"type:varchar(128);primaryKey" json:"deliveryId"`
	EventType  string    `gorm:"type:varchar(64);not null" json:"eventType"`
	CreatedAt  time.Time `gorm:"not null" json:"createdAt"`
	ExpiresAt  time.Time `gorm:"not null;index" json:"ttl"`
}

func (WebhookDelivery) TableName() string { return "webhook_deliveries" }
