package reconciler

import (
	"time"

	"github.com/samber/lo"

	models "github.com/composerkit/billing-api/internal/models"
	"github.com/composerkit/billing-api/internal/platform/billing"
)

func epochToTime(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	return lo.ToPtr(time.Unix(sec, 0).UTC())
}

// snapshotToRecord converts a provider snapshot into a record owned by
// accountID. The record carries no primary key; the caller assigns it.
func snapshotToRecord(snap *billing.SubscriptionSnapshot, accountID string) *models.SubscriptionRecord {
	rec := &models.SubscriptionRecord{
		SubscriptionID:     snap.ID,
		AccountID:          accountID,
		Status:             snap.Status,
		PriceID:            snap.PriceID,
		Quantity:           snap.Quantity,
		CancelAtPeriodEnd:  snap.CancelAtPeriodEnd,
		CurrentPeriodStart: epochToTime(snap.CurrentPeriodStart),
		CurrentPeriodEnd:   epochToTime(snap.CurrentPeriodEnd),
		ProviderCreatedAt:  epochToTime(snap.Created),
		EndedAt:            epochToTime(snap.EndedAt),
		CancelAt:           epochToTime(snap.CancelAt),
		CanceledAt:         epochToTime(snap.CanceledAt),
		TrialStart:         epochToTime(snap.TrialStart),
		TrialEnd:           epochToTime(snap.TrialEnd),
	}
	if snap.CustomerID != "" {
		rec.CustomerID = lo.ToPtr(snap.CustomerID)
	}
	return rec
}

// mergeSnapshot reconciles an incoming snapshot against the stored record
// using last-writer-wins by event-embedded timestamp. The provider delivers
// unordered and at least once: a snapshot whose ordering time is older than
// the stored record's must not regress status or period fields, but may fill
// terminal fields the stored record lacks. Equal or newer snapshots replace
// the mutable fields wholesale, which keeps redelivery idempotent.
func mergeSnapshot(existing *models.SubscriptionRecord, incoming *models.SubscriptionRecord) *models.SubscriptionRecord {
	if existing == nil {
		return incoming
	}

	out := *existing
	// Migrate the canonical key: legacy rows have an empty subscription id.
	out.SubscriptionID = incoming.SubscriptionID
	out.AccountID = incoming.AccountID
	if incoming.CustomerID != nil {
		out.CustomerID = incoming.CustomerID
	}

	if !incoming.OrderingTime().Before(existing.OrderingTime()) {
		out.Status = incoming.Status
		out.PriceID = incoming.PriceID
		out.Quantity = incoming.Quantity
		out.CancelAtPeriodEnd = incoming.CancelAtPeriodEnd
		out.CurrentPeriodStart = incoming.CurrentPeriodStart
		out.CurrentPeriodEnd = incoming.CurrentPeriodEnd
		out.ProviderCreatedAt = incoming.ProviderCreatedAt
		out.EndedAt = incoming.EndedAt
		out.CancelAt = incoming.CancelAt
		out.CanceledAt = incoming.CanceledAt
		out.TrialStart = incoming.TrialStart
		out.TrialEnd = incoming.TrialEnd
		return &out
	}

	// Older snapshot: keep the stored state, only fill missing terminal
	// fields.
	if out.CanceledAt == nil && incoming.CanceledAt != nil {
		out.CanceledAt = incoming.CanceledAt
	}
	if out.EndedAt == nil && incoming.EndedAt != nil {
		out.EndedAt = incoming.EndedAt
	}
	return &out
}
