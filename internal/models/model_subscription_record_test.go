package models

import (
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/composerkit/billing-api/pkg/types"
)

func TestSubscriptionRecord_TableName(t *testing.T) {
	var m SubscriptionRecord
	require.Equal(t, "subscription_record", m.TableName())
}

func TestSubscriptionRecord_Active(t *testing.T) {
	require.False(t, (*SubscriptionRecord)(nil).Active())
	require.True(t, (&SubscriptionRecord{Status: types.SubscriptionStatusActive}).Active())
	require.False(t, (&SubscriptionRecord{Status: types.SubscriptionStatusCanceled}).Active())
}

func TestSubscriptionRecord_OrderingTime(t *testing.T) {
	created := time.Unix(100, 0).UTC()
	periodStart := time.Unix(200, 0).UTC()

	rec := &SubscriptionRecord{ProviderCreatedAt: lo.ToPtr(created), CurrentPeriodStart: lo.ToPtr(periodStart)}
	require.Equal(t, created, rec.OrderingTime())

	rec = &SubscriptionRecord{CurrentPeriodStart: lo.ToPtr(periodStart)}
	require.Equal(t, periodStart, rec.OrderingTime())

	require.True(t, (&SubscriptionRecord{}).OrderingTime().IsZero())
}

func TestPlanProjection_Premium(t *testing.T) {
	require.False(t, (*PlanProjection)(nil).Premium())
	require.True(t, (&PlanProjection{Plan: types.PlanTierPremium, IsPremium: true}).Premium())
	require.False(t, (&PlanProjection{Plan: types.PlanTierFree}).Premium())
}
