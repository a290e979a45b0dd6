package types

type PlanTier string

const (
	PlanTierFree    PlanTier = "free"
	PlanTierPremium PlanTier = "premium"
)

// SubscriptionStatus mirrors the billing provider's subscription status values.
type SubscriptionStatus string

const (
	SubscriptionStatusActive            SubscriptionStatus = "active"
	SubscriptionStatusTrialing          SubscriptionStatus = "trialing"
	SubscriptionStatusPastDue           SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled          SubscriptionStatus = "canceled"
	SubscriptionStatusIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionStatusUnpaid            SubscriptionStatus = "unpaid"
)

type PlanChangeReason string

const (
	PlanChangeReasonSubscriptionEvent PlanChangeReason = "subscriptionEvent"
	PlanChangeReasonDeletion          PlanChangeReason = "deletion"
	PlanChangeReasonCheckoutVerify    PlanChangeReason = "checkoutVerify"
	PlanChangeReasonManualRefresh     PlanChangeReason = "manualRefresh"
	PlanChangeReasonInit              PlanChangeReason = "init"
)
