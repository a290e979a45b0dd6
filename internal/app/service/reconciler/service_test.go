package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	models "github.com/composerkit/billing-api/internal/models"
	"github.com/composerkit/billing-api/internal/platform/billing"
	"github.com/composerkit/billing-api/pkg/config"
	"github.com/composerkit/billing-api/pkg/types"
)

type memStore struct {
	mu          sync.Mutex
	subs        map[string]*models.SubscriptionRecord // keyed by row id
	projections map[string]*models.PlanProjection     // keyed by account id
	readErrs    int // ActiveSubscription fails this many times
	nextID      int
}

func newMemStore() *memStore {
	return &memStore{
		subs:        map[string]*models.SubscriptionRecord{},
		projections: map[string]*models.PlanProjection{},
	}
}

func (m *memStore) FindSubscription(_ context.Context, subscriptionID, accountID string) (*models.SubscriptionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subscriptionID != "" {
		for _, r := range m.subs {
			if r.SubscriptionID == subscriptionID {
				cp := *r
				return &cp, nil
			}
		}
	}
	for _, r := range m.subs {
		if r.AccountID == accountID && r.SubscriptionID == "" {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) SaveSubscription(_ context.Context, rec *models.SubscriptionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		m.nextID++
		rec.ID = string(rune('a' + m.nextID))
	}
	cp := *rec
	m.subs[rec.ID] = &cp
	return nil
}

func (m *memStore) CancelAccountSubscriptions(_ context.Context, accountID string, canceledAt time.Time, endedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.subs {
		if r.AccountID == accountID && r.Status == types.SubscriptionStatusActive {
			r.Status = types.SubscriptionStatusCanceled
			r.CanceledAt = &canceledAt
			r.CancelAtPeriodEnd = false
			if endedAt != nil {
				r.EndedAt = endedAt
			}
		}
	}
	return nil
}

func (m *memStore) ActiveSubscription(_ context.Context, accountID string) (*models.SubscriptionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErrs > 0 {
		m.readErrs--
		return nil, errors.New("connection refused")
	}
	var best *models.SubscriptionRecord
	for _, r := range m.subs {
		if r.AccountID != accountID || r.Status != types.SubscriptionStatusActive {
			continue
		}
		if best == nil || r.OrderingTime().After(best.OrderingTime()) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *memStore) PlanProjection(_ context.Context, accountID string) (*models.PlanProjection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.projections[accountID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) SavePlanProjection(_ context.Context, p *models.PlanProjection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.projections[p.AccountID] = &cp
	return nil
}

func (m *memStore) EnsurePlanProjection(_ context.Context, accountID string) (*models.PlanProjection, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.projections[accountID]; ok {
		cp := *p
		return &cp, false, nil
	}
	p := &models.PlanProjection{AccountID: accountID, Plan: types.PlanTierFree}
	m.projections[accountID] = p
	cp := *p
	return &cp, true, nil
}

func (m *memStore) SaveProjectionLog(_ *models.PlanProjectionLog) error { return nil }

func (m *memStore) ScanSubscriptions(_ context.Context, _ *ScanSubscriptionsRequest) (*ScanSubscriptionsResponse, error) {
	return &ScanSubscriptionsResponse{}, nil
}

func (m *memStore) plan(accountID string) types.PlanTier {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.projections[accountID]; ok {
		return p.Plan
	}
	return types.PlanTierFree
}

type stubProvider struct {
	subs      map[string]*billing.SubscriptionSnapshot
	customers map[string]*billing.Customer
	sessions  map[string]*billing.CheckoutSession
}

func (p *stubProvider) VerifyEvent(_ []byte, _ string) (*billing.Event, error) { panic("not used") }

func (p *stubProvider) RetrieveSubscription(_ context.Context, id string) (*billing.SubscriptionSnapshot, error) {
	if s, ok := p.subs[id]; ok {
		return s, nil
	}
	return nil, errors.New("no such subscription")
}

func (p *stubProvider) RetrieveCustomer(_ context.Context, id string) (*billing.Customer, error) {
	if c, ok := p.customers[id]; ok {
		return c, nil
	}
	return nil, errors.New("no such customer")
}

func (p *stubProvider) ListCustomersByEmail(_ context.Context, _ string) ([]*billing.Customer, error) {
	panic("not used")
}

func (p *stubProvider) RetrieveCheckoutSession(_ context.Context, id string) (*billing.CheckoutSession, error) {
	if s, ok := p.sessions[id]; ok {
		return s, nil
	}
	return nil, errors.New("no such session")
}

func (p *stubProvider) CreateCheckoutSession(_ context.Context, _, _, _ string) (*billing.CheckoutSession, error) {
	panic("not used")
}

func (p *stubProvider) CreatePortalSession(_ context.Context, _ string) (string, error) {
	panic("not used")
}

func testConfig() *config.Config {
	return &config.Config{
		Reconciler: config.ReconcilerConfig{
			RefreshAttempts:    3,
			RefreshBackoffBase: time.Millisecond,
		},
	}
}

func newTestService(store Store, provider billing.Provider) Reconciler {
	return NewService(testConfig(), store, provider, zap.NewNop().Sugar())
}

func activeSnapshot(id, account string, created int64) *billing.SubscriptionSnapshot {
	return &billing.SubscriptionSnapshot{
		ID:                 id,
		CustomerID:         "cus_1",
		Status:             types.SubscriptionStatusActive,
		Created:            created,
		CurrentPeriodStart: created,
		CurrentPeriodEnd:   created + 2592000,
		Metadata:           map[string]string{"account_id": account},
	}
}

func subscriptionEvent(kind billing.EventKind, snap *billing.SubscriptionSnapshot) *billing.Event {
	return &billing.Event{ID: "evt_1", Kind: kind, Subscription: snap}
}

func TestApplyEvent_SubscriptionCreated_GrantsPremium(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubProvider{})

	err := svc.ApplyEvent(context.Background(), subscriptionEvent(billing.EventSubscriptionCreated, activeSnapshot("sub_1", "acct_1", 100)))
	require.NoError(t, err)
	require.Equal(t, types.PlanTierPremium, store.plan("acct_1"))
}

func TestApplyEvent_DuplicateDelivery_IsIdempotent(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubProvider{})
	snap := activeSnapshot("sub_1", "acct_1", 100)

	require.NoError(t, svc.ApplyEvent(context.Background(), subscriptionEvent(billing.EventSubscriptionCreated, snap)))
	require.NoError(t, svc.ApplyEvent(context.Background(), subscriptionEvent(billing.EventSubscriptionCreated, snap)))

	require.Equal(t, types.PlanTierPremium, store.plan("acct_1"))
	store.mu.Lock()
	require.Len(t, store.subs, 1)
	store.mu.Unlock()
}

func TestApplyEvent_StaleUpdate_DoesNotRegressCancellation(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubProvider{})

	canceled := activeSnapshot("sub_1", "acct_1", 200)
	canceled.Status = types.SubscriptionStatusCanceled
	canceled.CanceledAt = 200
	require.NoError(t, svc.ApplyEvent(context.Background(), subscriptionEvent(billing.EventSubscriptionUpdated, canceled)))

	// The earlier "active" snapshot arrives late.
	stale := activeSnapshot("sub_1", "acct_1", 100)
	require.NoError(t, svc.ApplyEvent(context.Background(), subscriptionEvent(billing.EventSubscriptionUpdated, stale)))

	rec, err := store.FindSubscription(context.Background(), "sub_1", "acct_1")
	require.NoError(t, err)
	require.Equal(t, types.SubscriptionStatusCanceled, rec.Status)
	require.Equal(t, types.PlanTierFree, store.plan("acct_1"))
}

func TestApplyEvent_CancelAtPeriodEnd_KeepsPremiumUntilPeriodEnds(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubProvider{})

	require.NoError(t, svc.ApplyEvent(context.Background(), subscriptionEvent(billing.EventSubscriptionCreated, activeSnapshot("sub_1", "acct_1", 100))))
	require.Equal(t, types.PlanTierPremium, store.plan("acct_1"))

	lapsing := activeSnapshot("sub_1", "acct_1", 200)
	lapsing.CancelAtPeriodEnd = true
	require.NoError(t, svc.ApplyEvent(context.Background(), subscriptionEvent(billing.EventSubscriptionUpdated, lapsing)))

	// Grace period: still entitled until the deletion event arrives.
	require.Equal(t, types.PlanTierPremium, store.plan("acct_1"))
}

func TestApplyEvent_SubscriptionDeleted_DominatesStaleSnapshots(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubProvider{})

	require.NoError(t, svc.ApplyEvent(context.Background(), subscriptionEvent(billing.EventSubscriptionCreated, activeSnapshot("sub_1", "acct_1", 200))))

	// Deletion carries an older embedded timestamp but must still win.
	deleted := activeSnapshot("sub_1", "acct_1", 100)
	deleted.Status = types.SubscriptionStatusCanceled
	deleted.CanceledAt = 100
	require.NoError(t, svc.ApplyEvent(context.Background(), subscriptionEvent(billing.EventSubscriptionDeleted, deleted)))

	rec, err := store.FindSubscription(context.Background(), "sub_1", "acct_1")
	require.NoError(t, err)
	require.Equal(t, types.SubscriptionStatusCanceled, rec.Status)
	require.Equal(t, types.PlanTierFree, store.plan("acct_1"))
}

func TestApplyEvent_UnresolvedAccount_HasNoSideEffects(t *testing.T) {
	store := newMemStore()
	provider := &stubProvider{customers: map[string]*billing.Customer{
		"cus_1": {ID: "cus_1"}, // no metadata either
	}}
	svc := newTestService(store, provider)

	snap := activeSnapshot("sub_1", "", 100)
	snap.Metadata = nil
	err := svc.ApplyEvent(context.Background(), subscriptionEvent(billing.EventSubscriptionCreated, snap))
	require.ErrorIs(t, err, ErrUnresolvedAccount)

	store.mu.Lock()
	require.Empty(t, store.subs)
	require.Empty(t, store.projections)
	store.mu.Unlock()
}

func TestApplyEvent_ResolvesAccountViaCustomerMetadata(t *testing.T) {
	store := newMemStore()
	provider := &stubProvider{customers: map[string]*billing.Customer{
		"cus_1": {ID: "cus_1", Metadata: map[string]string{"account_id": "acct_9"}},
	}}
	svc := newTestService(store, provider)

	snap := activeSnapshot("sub_1", "", 100)
	snap.Metadata = nil
	require.NoError(t, svc.ApplyEvent(context.Background(), subscriptionEvent(billing.EventSubscriptionCreated, snap)))
	require.Equal(t, types.PlanTierPremium, store.plan("acct_9"))
}

func TestApplyEvent_CheckoutWithoutSubscription_IsIncomplete(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubProvider{})

	ev := &billing.Event{
		ID:       "evt_1",
		Kind:     billing.EventCheckoutCompleted,
		Checkout: &billing.CheckoutSession{ID: "cs_1", ClientReferenceID: "acct_1"},
	}
	err := svc.ApplyEvent(context.Background(), ev)
	require.ErrorIs(t, err, ErrIncompleteCheckout)
	require.Equal(t, types.PlanTierFree, store.plan("acct_1"))
}

func TestApplyEvent_CheckoutCompleted_AppliesRetrievedSubscription(t *testing.T) {
	store := newMemStore()
	provider := &stubProvider{subs: map[string]*billing.SubscriptionSnapshot{
		"sub_1": activeSnapshot("sub_1", "acct_1", 100),
	}}
	svc := newTestService(store, provider)

	ev := &billing.Event{
		ID:       "evt_1",
		Kind:     billing.EventCheckoutCompleted,
		Checkout: &billing.CheckoutSession{ID: "cs_1", ClientReferenceID: "acct_1", SubscriptionID: "sub_1", Paid: true},
	}
	require.NoError(t, svc.ApplyEvent(context.Background(), ev))
	require.Equal(t, types.PlanTierPremium, store.plan("acct_1"))
}

func TestApplyEvent_UnrecognizedKind_IsDropped(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubProvider{})

	err := svc.ApplyEvent(context.Background(), &billing.Event{ID: "evt_1", Kind: "invoice.paid"})
	require.NoError(t, err)
	store.mu.Lock()
	require.Empty(t, store.projections)
	store.mu.Unlock()
}

func TestApplyEvent_LegacyRowMigratedToSubscriptionKey(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubProvider{})

	legacy := &models.SubscriptionRecord{
		ID:        "row_legacy",
		AccountID: "acct_1",
		Status:    types.SubscriptionStatusActive,
	}
	require.NoError(t, store.SaveSubscription(context.Background(), legacy))

	require.NoError(t, svc.ApplyEvent(context.Background(), subscriptionEvent(billing.EventSubscriptionUpdated, activeSnapshot("sub_1", "acct_1", 100))))

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.subs, 1)
	require.Equal(t, "sub_1", store.subs["row_legacy"].SubscriptionID)
}

func TestRefresh_ActiveSubscription_GrantsPremium(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubProvider{})
	require.NoError(t, svc.ApplyEvent(context.Background(), subscriptionEvent(billing.EventSubscriptionCreated, activeSnapshot("sub_1", "acct_1", 100))))
	// Simulate a projection that lagged behind the record.
	require.NoError(t, store.SavePlanProjection(context.Background(), &models.PlanProjection{AccountID: "acct_1", Plan: types.PlanTierFree}))

	require.NoError(t, svc.Refresh(context.Background(), "acct_1"))
	require.Equal(t, types.PlanTierPremium, store.plan("acct_1"))
}

func TestRefresh_NoActiveSubscription_NeverDowngrades(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubProvider{})
	require.NoError(t, store.SavePlanProjection(context.Background(), &models.PlanProjection{AccountID: "acct_1", Plan: types.PlanTierPremium, IsPremium: true}))

	require.NoError(t, svc.Refresh(context.Background(), "acct_1"))
	require.Equal(t, types.PlanTierPremium, store.plan("acct_1"))
}

func TestRefresh_RetriesTransientReadFailures(t *testing.T) {
	store := newMemStore()
	store.readErrs = 2
	svc := newTestService(store, &stubProvider{})
	require.NoError(t, store.SaveSubscription(context.Background(), snapshotToRecord(activeSnapshot("sub_1", "acct_1", 100), "acct_1")))

	require.NoError(t, svc.Refresh(context.Background(), "acct_1"))
	require.Equal(t, types.PlanTierPremium, store.plan("acct_1"))
}

func TestRefresh_ExhaustedRetries_ReturnsTransientRead(t *testing.T) {
	store := newMemStore()
	store.readErrs = 3
	svc := newTestService(store, &stubProvider{})
	require.NoError(t, store.SavePlanProjection(context.Background(), &models.PlanProjection{AccountID: "acct_1", Plan: types.PlanTierPremium, IsPremium: true}))

	err := svc.Refresh(context.Background(), "acct_1")
	require.ErrorIs(t, err, ErrTransientRead)
	// The projection is untouched.
	require.Equal(t, types.PlanTierPremium, store.plan("acct_1"))
}

func TestVerifyCheckout_UnpaidSession_IsIncomplete(t *testing.T) {
	store := newMemStore()
	provider := &stubProvider{sessions: map[string]*billing.CheckoutSession{
		"cs_1": {ID: "cs_1", ClientReferenceID: "acct_1", SubscriptionID: "sub_1"},
	}}
	svc := newTestService(store, provider)

	err := svc.VerifyCheckout(context.Background(), "cs_1")
	require.ErrorIs(t, err, ErrIncompleteCheckout)
}

func TestVerifyCheckout_PaidSession_GrantsPremium(t *testing.T) {
	store := newMemStore()
	provider := &stubProvider{
		sessions: map[string]*billing.CheckoutSession{
			"cs_1": {ID: "cs_1", ClientReferenceID: "acct_1", SubscriptionID: "sub_1", Paid: true},
		},
		subs: map[string]*billing.SubscriptionSnapshot{
			"sub_1": activeSnapshot("sub_1", "acct_1", 100),
		},
	}
	svc := newTestService(store, provider)

	require.NoError(t, svc.VerifyCheckout(context.Background(), "cs_1"))
	require.Equal(t, types.PlanTierPremium, store.plan("acct_1"))
}

func TestEnsureSettings_DoesNotClobberExistingPremium(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubProvider{})
	require.NoError(t, store.SavePlanProjection(context.Background(), &models.PlanProjection{AccountID: "acct_1", Plan: types.PlanTierPremium, IsPremium: true}))

	require.NoError(t, svc.EnsureSettings(context.Background(), "acct_1"))
	require.Equal(t, types.PlanTierPremium, store.plan("acct_1"))
}

func TestEnsureSettings_CreatesFreeProjection(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubProvider{})

	require.NoError(t, svc.EnsureSettings(context.Background(), "acct_1"))
	proj, err := store.PlanProjection(context.Background(), "acct_1")
	require.NoError(t, err)
	require.NotNil(t, proj)
	require.Equal(t, types.PlanTierFree, proj.Plan)
	require.False(t, proj.IsPremium)
}

// TestSubscriptionLifecycle walks one account from free through checkout,
// grace period and deletion.
func TestSubscriptionLifecycle(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubProvider{})
	ctx := context.Background()

	require.NoError(t, svc.EnsureSettings(ctx, "acct_1"))
	require.Equal(t, types.PlanTierFree, store.plan("acct_1"))

	// Checkout completed before the subscription was attached.
	err := svc.ApplyEvent(ctx, &billing.Event{
		Kind:     billing.EventCheckoutCompleted,
		Checkout: &billing.CheckoutSession{ID: "cs_1", ClientReferenceID: "acct_1", Paid: true},
	})
	require.ErrorIs(t, err, ErrIncompleteCheckout)
	require.Equal(t, types.PlanTierFree, store.plan("acct_1"))

	created := activeSnapshot("sub_1", "acct_1", 100)
	require.NoError(t, svc.ApplyEvent(ctx, subscriptionEvent(billing.EventSubscriptionCreated, created)))
	require.Equal(t, types.PlanTierPremium, store.plan("acct_1"))

	// Redelivery.
	require.NoError(t, svc.ApplyEvent(ctx, subscriptionEvent(billing.EventSubscriptionCreated, created)))
	require.Equal(t, types.PlanTierPremium, store.plan("acct_1"))

	// Scheduled to lapse: grace period keeps premium.
	lapsing := activeSnapshot("sub_1", "acct_1", 200)
	lapsing.CancelAtPeriodEnd = true
	require.NoError(t, svc.ApplyEvent(ctx, subscriptionEvent(billing.EventSubscriptionUpdated, lapsing)))
	require.Equal(t, types.PlanTierPremium, store.plan("acct_1"))

	deleted := activeSnapshot("sub_1", "acct_1", 300)
	deleted.Status = types.SubscriptionStatusCanceled
	require.NoError(t, svc.ApplyEvent(ctx, subscriptionEvent(billing.EventSubscriptionDeleted, deleted)))
	require.Equal(t, types.PlanTierFree, store.plan("acct_1"))
}

func TestAccountPlan_DefaultsToFreeWhenUnknown(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &stubProvider{})

	proj, act, err := svc.AccountPlan(context.Background(), "acct_unknown")
	require.NoError(t, err)
	require.Equal(t, types.PlanTierFree, proj.Plan)
	require.Nil(t, act)
}
