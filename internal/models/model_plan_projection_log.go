package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/composerkit/billing-api/pkg/types"
)

// PlanProjectionLog records projection changes.
// Use case: troubleshooting.
type PlanProjectionLog struct {
	ID        string `gorm:"column:id;type:uuid;primary_key" json:"id"`
	AccountID string `gorm:"column:account_id;type:varchar(64);index:idx_account_id_id,priority:1;not null"`
	// Reason is the change reason.
	Reason types.PlanChangeReason `gorm:"column:reason;type:varchar(64);not null"`
	// Before stores projection data before the change in JSON format.
	Before datatypes.JSONType[*PlanProjection] `gorm:"column:before;type:jsonb;default:'null'"`
	// After stores projection data after the change in JSON format.
	After datatypes.JSONType[*PlanProjection] `gorm:"column:after;type:jsonb;default:'null'"`
	// Extra stores additional context such as the triggering event id.
	Extra     datatypes.JSONMap `gorm:"column:extra;type:jsonb;default:'{}'"`
	CreatedAt time.Time
}

func (PlanProjectionLog) TableName() string {
	return "plan_projection_log"
}
