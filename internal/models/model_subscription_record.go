package models

import (
	"time"

	"github.com/composerkit/billing-api/pkg/types"
)

// SubscriptionRecord is the latest known snapshot of one billing-provider
// subscription tied to an account. The canonical key is SubscriptionID;
// AccountID is denormalized so projections can be recomputed per account.
// Legacy rows created before per-subscription keys carry an empty
// SubscriptionID and are migrated in place on the next upsert.
type SubscriptionRecord struct {
	ID             string                   `gorm:"column:id;type:uuid;primary_key" json:"id"`
	SubscriptionID string                   `gorm:"column:subscription_id;type:varchar(64);uniqueIndex:udx_subscription_id,where:subscription_id <> ''" json:"subscription_id"`
	AccountID      string                   `gorm:"column:account_id;type:varchar(64);not null;index" json:"account_id"`
	CustomerID     *string                  `gorm:"column:customer_id;type:varchar(64)" json:"customer_id"`
	Status         types.SubscriptionStatus `gorm:"column:status;type:varchar(64);not null" json:"status"`
	PriceID        string                   `gorm:"column:price_id;type:varchar(64)" json:"price_id"`
	Quantity       int64                    `gorm:"column:quantity;type:bigint;not null;default:1" json:"quantity"`
	// CancelAtPeriodEnd is true when the account keeps entitlement until the
	// period ends and then lapses without a renewal.
	CancelAtPeriodEnd  bool       `gorm:"column:cancel_at_period_end;not null;default:false" json:"cancel_at_period_end"`
	CurrentPeriodStart *time.Time `gorm:"column:current_period_start;default:null" json:"current_period_start"`
	CurrentPeriodEnd   *time.Time `gorm:"column:current_period_end;default:null" json:"current_period_end"`
	// ProviderCreatedAt is the creation timestamp embedded in provider
	// snapshots. Last-writer-wins ordering uses it, never arrival order.
	ProviderCreatedAt *time.Time `gorm:"column:provider_created_at;default:null" json:"provider_created_at"`
	EndedAt           *time.Time `gorm:"column:ended_at;default:null" json:"ended_at"`
	CancelAt          *time.Time `gorm:"column:cancel_at;default:null" json:"cancel_at"`
	CanceledAt        *time.Time `gorm:"column:canceled_at;default:null" json:"canceled_at"`
	TrialStart        *time.Time `gorm:"column:trial_start;default:null" json:"trial_start"`
	TrialEnd          *time.Time `gorm:"column:trial_end;default:null" json:"trial_end"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (SubscriptionRecord) TableName() string {
	return "subscription_record"
}

func (r *SubscriptionRecord) Active() bool {
	return r != nil && r.Status == types.SubscriptionStatusActive
}

// OrderingTime returns the event-embedded timestamp used for
// last-writer-wins comparison.
func (r *SubscriptionRecord) OrderingTime() time.Time {
	if r == nil {
		return time.Time{}
	}
	if r.ProviderCreatedAt != nil {
		return *r.ProviderCreatedAt
	}
	if r.CurrentPeriodStart != nil {
		return *r.CurrentPeriodStart
	}
	return time.Time{}
}
