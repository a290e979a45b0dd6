package models

import (
	"time"

	"github.com/composerkit/billing-api/pkg/types"
)

// PlanProjection is the derived, account-facing entitlement state. It is
// created implicitly (free) the first time an account is observed, mutated
// only by the reconciler and never deleted.
type PlanProjection struct {
	ID        string         `gorm:"column:id;type:uuid;primary_key" json:"id"`
	AccountID string         `gorm:"column:account_id;type:varchar(64);not null;uniqueIndex" json:"account_id"`
	Plan      types.PlanTier `gorm:"column:plan;type:varchar(16);not null" json:"plan"`
	// IsPremium is a redundant encoding of Plan kept for consumers that
	// only read a boolean. The reconciler writes both together.
	IsPremium bool      `gorm:"column:is_premium;not null;default:false" json:"is_premium"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (PlanProjection) TableName() string {
	return "plan_projection"
}

func (p *PlanProjection) Premium() bool {
	return p != nil && p.Plan == types.PlanTierPremium && p.IsPremium
}
