package model

import (
	"time"
)

// WebhookEvent 已处理的渠道回调事件，event_id 唯一，用于防止重复投递导致重复入账
type WebhookEvent struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID   string    `gorm:"type:varchar(128);uniqueIndex;not null" json:"event_id"`
	EventType string    `gorm:"type:varchar(64);not null" json:"event_type"`
	AccountID string    `gorm:"type:varchar(36);index" json:"account_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (WebhookEvent) TableName() string {
	return "webhook_event"
}
