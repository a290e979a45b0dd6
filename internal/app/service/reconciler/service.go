package reconciler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	models "github.com/composerkit/billing-api/internal/models"
	"github.com/composerkit/billing-api/internal/platform/billing"
	"github.com/composerkit/billing-api/pkg/config"
	"github.com/composerkit/billing-api/pkg/logctx"
	types "github.com/composerkit/billing-api/pkg/types"
)

// Reconciler keeps each account's plan projection consistent with the
// billing provider's subscription objects, despite unordered, duplicate,
// at-least-once event delivery.
type Reconciler interface {
	// ApplyEvent processes one verified webhook event. Unrecognized kinds
	// are logged and dropped without error.
	ApplyEvent(ctx context.Context, ev *billing.Event) error
	// Refresh re-derives the projection from the record store. It never
	// downgrades: absence of an active subscription is not evidence of
	// cancellation.
	Refresh(ctx context.Context, accountID string) error
	// VerifyCheckout handles the post-checkout return redirect.
	VerifyCheckout(ctx context.Context, sessionID string) error
	// EnsureSettings creates the account's projection record on first
	// authenticated access, defaulting to free without clobbering an
	// existing premium projection.
	EnsureSettings(ctx context.Context, accountID string) error
	// AccountPlan returns the current projection and the active
	// subscription record, either of which may be nil-equivalent defaults.
	AccountPlan(ctx context.Context, accountID string) (*models.PlanProjection, *models.SubscriptionRecord, error)
	// ScanSubscriptions lists subscription records (admin pages).
	ScanSubscriptions(ctx context.Context, req *ScanSubscriptionsRequest) (*ScanSubscriptionsResponse, error)
}

type Service struct {
	cfg      *config.Config
	store    Store
	provider billing.Provider
	log      *zap.SugaredLogger
}

func NewService(cfg *config.Config, store Store, provider billing.Provider, log *zap.SugaredLogger) Reconciler {
	return &Service{cfg: cfg, store: store, provider: provider, log: log}
}

func (s *Service) ApplyEvent(ctx context.Context, ev *billing.Event) error {
	switch ev.Kind {
	case billing.EventSubscriptionCreated, billing.EventSubscriptionUpdated:
		return s.applySubscriptionSnapshot(ctx, ev.Subscription, "", types.PlanChangeReasonSubscriptionEvent)
	case billing.EventSubscriptionDeleted:
		return s.applySubscriptionDeleted(ctx, ev.Subscription)
	case billing.EventCheckoutCompleted:
		return s.applyCheckoutCompleted(ctx, ev.Checkout)
	default:
		logctx.FromCtx(ctx, s.log).Infow("event_ignored", "event_id", ev.ID, "kind", ev.Kind)
		return nil
	}
}

// resolveAccount finds the owning account for a snapshot: explicit metadata
// on the subscription wins, then metadata on the associated customer. A
// dangling subscription with no owner must never touch another account's
// projection, so both misses fail the event.
func (s *Service) resolveAccount(ctx context.Context, snap *billing.SubscriptionSnapshot) (string, error) {
	if id := billing.AccountIDFromMetadata(snap.Metadata); id != "" {
		return id, nil
	}
	if snap.CustomerID != "" {
		cus, err := s.provider.RetrieveCustomer(ctx, snap.CustomerID)
		if err != nil {
			return "", fmt.Errorf("failed to retrieve customer %s: %w", snap.CustomerID, err)
		}
		if id := billing.AccountIDFromMetadata(cus.Metadata); id != "" {
			return id, nil
		}
	}
	return "", ErrUnresolvedAccount
}

func (s *Service) applySubscriptionSnapshot(ctx context.Context, snap *billing.SubscriptionSnapshot, accountID string, reason types.PlanChangeReason) error {
	if accountID == "" {
		var err error
		accountID, err = s.resolveAccount(ctx, snap)
		if err != nil {
			return err
		}
	}

	existing, err := s.store.FindSubscription(ctx, snap.ID, accountID)
	if err != nil {
		return fmt.Errorf("failed to load subscription record: %w", err)
	}

	merged := mergeSnapshot(existing, snapshotToRecord(snap, accountID))
	if existing != nil {
		merged.ID = existing.ID
		merged.CreatedAt = existing.CreatedAt
	}
	if err := s.store.SaveSubscription(ctx, merged); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}

	logctx.FromCtx(ctx, s.log).Infow("subscription_record_upserted",
		"account_id", accountID, "subscription_id", merged.SubscriptionID,
		"status", merged.Status, "cancel_at_period_end", merged.CancelAtPeriodEnd)

	return s.projectPlan(ctx, accountID, merged, reason)
}

// projectPlan recomputes the projection after a record change. Premium is
// granted when an active, non-lapsing subscription exists. A record in a
// terminal status drops the projection only when no other active
// subscription remains; everything else (cancel_at_period_end grace, missing
// rows, past_due) leaves the projection alone.
func (s *Service) projectPlan(ctx context.Context, accountID string, changed *models.SubscriptionRecord, reason types.PlanChangeReason) error {
	act, err := s.store.ActiveSubscription(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to query active subscription: %w", err)
	}
	if act != nil {
		if !act.CancelAtPeriodEnd {
			return s.setPlan(ctx, accountID, types.PlanTierPremium, reason)
		}
		return nil
	}
	if changed != nil && isTerminalStatus(changed.Status) {
		return s.setPlan(ctx, accountID, types.PlanTierFree, reason)
	}
	return nil
}

func isTerminalStatus(st types.SubscriptionStatus) bool {
	return st == types.SubscriptionStatusCanceled || st == types.SubscriptionStatusIncompleteExpired
}

func (s *Service) applySubscriptionDeleted(ctx context.Context, snap *billing.SubscriptionSnapshot) error {
	accountID, err := s.resolveAccount(ctx, snap)
	if err != nil {
		return err
	}

	// Deletion always wins: the record is finalized outside the
	// last-writer-wins merge so a stale active snapshot cannot shadow it.
	rec := snapshotToRecord(snap, accountID)
	rec.Status = types.SubscriptionStatusCanceled
	if existing, err := s.store.FindSubscription(ctx, snap.ID, accountID); err == nil && existing != nil {
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
	}
	if err := s.store.SaveSubscription(ctx, rec); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}

	canceledAt := time.Now()
	if rec.CanceledAt != nil {
		canceledAt = *rec.CanceledAt
	}
	if err := s.store.CancelAccountSubscriptions(ctx, accountID, canceledAt, rec.EndedAt); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}

	logctx.FromCtx(ctx, s.log).Infow("subscription_deleted", "account_id", accountID, "subscription_id", snap.ID)

	return s.setPlan(ctx, accountID, types.PlanTierFree, types.PlanChangeReasonDeletion)
}

func (s *Service) applyCheckoutCompleted(ctx context.Context, cs *billing.CheckoutSession) error {
	if cs.ClientReferenceID == "" {
		return ErrUnresolvedAccount
	}
	if cs.SubscriptionID == "" {
		return ErrIncompleteCheckout
	}
	snap, err := s.provider.RetrieveSubscription(ctx, cs.SubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to retrieve subscription %s: %w", cs.SubscriptionID, err)
	}
	return s.applySubscriptionSnapshot(ctx, snap, cs.ClientReferenceID, types.PlanChangeReasonSubscriptionEvent)
}

func (s *Service) Refresh(ctx context.Context, accountID string) error {
	attempts := s.cfg.Reconciler.RefreshAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := s.cfg.Reconciler.RefreshBackoffBase
	if delay <= 0 {
		delay = 2 * time.Second
	}

	var act *models.SubscriptionRecord
	var err error
	for i := 0; i < attempts; i++ {
		act, err = s.store.ActiveSubscription(ctx, accountID)
		if err == nil {
			break
		}
		logctx.FromCtx(ctx, s.log).Warnw("refresh_read_failed", "account_id", accountID, "attempt", i+1, "error", err.Error())
		if i == attempts-1 {
			return fmt.Errorf("%w: %v", ErrTransientRead, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrTransientRead, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}

	if act != nil && !act.CancelAtPeriodEnd {
		return s.setPlan(ctx, accountID, types.PlanTierPremium, types.PlanChangeReasonManualRefresh)
	}
	// Absence of evidence is not evidence of absence: a transient empty
	// read must not demote a paying account. Downgrades arrive only via
	// terminal events.
	return nil
}

func (s *Service) VerifyCheckout(ctx context.Context, sessionID string) error {
	cs, err := s.provider.RetrieveCheckoutSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to retrieve checkout session %s: %w", sessionID, err)
	}
	if !cs.Paid {
		return ErrIncompleteCheckout
	}
	if cs.ClientReferenceID == "" {
		return ErrUnresolvedAccount
	}
	if cs.SubscriptionID == "" {
		return ErrIncompleteCheckout
	}
	snap, err := s.provider.RetrieveSubscription(ctx, cs.SubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to retrieve subscription %s: %w", cs.SubscriptionID, err)
	}
	return s.applySubscriptionSnapshot(ctx, snap, cs.ClientReferenceID, types.PlanChangeReasonCheckoutVerify)
}

func (s *Service) EnsureSettings(ctx context.Context, accountID string) error {
	proj, created, err := s.store.EnsurePlanProjection(ctx, accountID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	if created {
		s.logProjectionChange(ctx, nil, proj, types.PlanChangeReasonInit)
	}
	return nil
}

func (s *Service) AccountPlan(ctx context.Context, accountID string) (*models.PlanProjection, *models.SubscriptionRecord, error) {
	proj, err := s.store.PlanProjection(ctx, accountID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load plan projection: %w", err)
	}
	if proj == nil {
		proj = &models.PlanProjection{AccountID: accountID, Plan: types.PlanTierFree}
	}
	act, err := s.store.ActiveSubscription(ctx, accountID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load active subscription: %w", err)
	}
	return proj, act, nil
}

func (s *Service) ScanSubscriptions(ctx context.Context, req *ScanSubscriptionsRequest) (*ScanSubscriptionsResponse, error) {
	return s.store.ScanSubscriptions(ctx, req)
}

// setPlan writes the projection for accountID, creating the backing row when
// absent. Applying the same target twice is a no-op, which makes redelivered
// events side-effect free.
func (s *Service) setPlan(ctx context.Context, accountID string, tier types.PlanTier, reason types.PlanChangeReason) error {
	cur, _, err := s.store.EnsurePlanProjection(ctx, accountID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	premium := tier == types.PlanTierPremium
	if cur.Plan == tier && cur.IsPremium == premium {
		return nil
	}

	before := *cur
	cur.Plan = tier
	cur.IsPremium = premium
	if err := s.store.SavePlanProjection(ctx, cur); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}

	logctx.FromCtx(ctx, s.log).Infow("plan_projection_changed",
		"account_id", accountID, "plan", tier, "reason", reason)
	s.logProjectionChange(ctx, &before, cur, reason)
	return nil
}

// logProjectionChange writes the change log off the request path; failures
// are logged, not returned.
func (s *Service) logProjectionChange(ctx context.Context, before, after *models.PlanProjection, reason types.PlanChangeReason) {
	go func() {
		log := &models.PlanProjectionLog{
			AccountID: after.AccountID,
			Reason:    reason,
			Before:    datatypes.NewJSONType(before),
			After:     datatypes.NewJSONType(after),
			Extra:     datatypes.JSONMap{},
		}
		if err := s.store.SaveProjectionLog(log); err != nil {
			logctx.FromCtx(ctx, s.log).Errorf("failed to save projection log: %v", err)
		}
	}()
}
