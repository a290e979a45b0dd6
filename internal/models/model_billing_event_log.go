package models

import (
	"time"

	"gorm.io/datatypes"
)

type BillingEventLogStatus string

const (
	BillingEventLogStatusReceived     BillingEventLogStatus = "received"
	BillingEventLogStatusHandled      BillingEventLogStatus = "handled"
	BillingEventLogStatusHandleFailed BillingEventLogStatus = "handle_failed"
)

// BillingEventLog keeps one row per webhook delivery attempt. The provider
// redelivers at least once, so the same ProviderEventID may appear multiple
// times with different statuses.
type BillingEventLog struct {
	ID              string                `gorm:"column:id;type:uuid;primary_key" json:"id"`
	ProviderEventID string                `gorm:"column:provider_event_id;type:varchar(128);index" json:"provider_event_id"`
	Kind            string                `gorm:"column:kind;type:varchar(64);not null" json:"kind"`
	AccountID       *string               `gorm:"column:account_id;type:varchar(64)" json:"account_id"`
	TraceID         string                `gorm:"column:trace_id;type:varchar(128)" json:"trace_id"`
	EventTime       time.Time             `gorm:"column:event_time" json:"event_time"`
	Data            datatypes.JSON        `gorm:"column:data;type:jsonb" json:"data"`
	Result          *datatypes.JSON       `gorm:"column:result;type:jsonb" json:"result"`
	Status          BillingEventLogStatus `gorm:"column:status;type:varchar(64);not null" json:"status"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

func (BillingEventLog) TableName() string { return "billing_event_log" }
