package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	models "github.com/composerkit/billing-api/internal/models"
	"github.com/composerkit/billing-api/pkg/tool"
	types "github.com/composerkit/billing-api/pkg/types"
)

// Store is the record-store contract the reconciler coordinates through.
// Per-account serialization happens inside these methods (row-level upsert),
// never in application memory.
type Store interface {
	// FindSubscription resolves the stored record for a snapshot: by the
	// canonical subscription id first, then by account id for legacy rows
	// that predate per-subscription keys. Returns nil when no row exists.
	FindSubscription(ctx context.Context, subscriptionID, accountID string) (*models.SubscriptionRecord, error)
	SaveSubscription(ctx context.Context, rec *models.SubscriptionRecord) error
	// CancelAccountSubscriptions marks every lingering active row for the
	// account as canceled.
	CancelAccountSubscriptions(ctx context.Context, accountID string, canceledAt time.Time, endedAt *time.Time) error
	// ActiveSubscription returns the most recent active subscription for the
	// account by provider creation time, or nil.
	ActiveSubscription(ctx context.Context, accountID string) (*models.SubscriptionRecord, error)
	PlanProjection(ctx context.Context, accountID string) (*models.PlanProjection, error)
	SavePlanProjection(ctx context.Context, p *models.PlanProjection) error
	// EnsurePlanProjection inserts a free projection if none exists and
	// reports whether it created one. An existing projection is never
	// modified.
	EnsurePlanProjection(ctx context.Context, accountID string) (*models.PlanProjection, bool, error)
	SaveProjectionLog(log *models.PlanProjectionLog) error
	ScanSubscriptions(ctx context.Context, req *ScanSubscriptionsRequest) (*ScanSubscriptionsResponse, error)
}

type ScanSubscriptionsRequest struct {
	Filters   []*types.CommonFilter `json:"filters"`
	From      int                   `json:"from"`
	Size      int                   `json:"size"`
	SortBy    string                `json:"sort_by"`
	SortOrder string                `json:"sort_order"`
}

type ScanSubscriptionsResponse struct {
	Items []*models.SubscriptionRecord `json:"items"`
	Total int64                        `json:"total"`
}

type gormStore struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) FindSubscription(ctx context.Context, subscriptionID, accountID string) (*models.SubscriptionRecord, error) {
	var rec models.SubscriptionRecord
	if subscriptionID != "" {
		err := s.db.WithContext(ctx).Where("subscription_id = ?", subscriptionID).First(&rec).Error
		if err == nil {
			return &rec, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	if accountID == "" {
		return nil, nil
	}
	// Legacy rows keyed only by account carry an empty subscription id.
	err := s.db.WithContext(ctx).Where("account_id = ? AND subscription_id = ''", accountID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (s *gormStore) SaveSubscription(ctx context.Context, rec *models.SubscriptionRecord) error {
	if rec.ID == "" {
		rec.ID = tool.GenerateUUIDV7()
	}
	if err := s.db.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("failed to upsert subscription record: %w", err)
	}
	return nil
}

func (s *gormStore) CancelAccountSubscriptions(ctx context.Context, accountID string, canceledAt time.Time, endedAt *time.Time) error {
	updates := map[string]any{
		"status":               types.SubscriptionStatusCanceled,
		"canceled_at":          canceledAt,
		"cancel_at_period_end": false,
	}
	if endedAt != nil {
		updates["ended_at"] = *endedAt
	}
	err := s.db.WithContext(ctx).Model(&models.SubscriptionRecord{}).
		Where("account_id = ? AND status = ?", accountID, types.SubscriptionStatusActive).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to cancel account subscriptions: %w", err)
	}
	return nil
}

func (s *gormStore) ActiveSubscription(ctx context.Context, accountID string) (*models.SubscriptionRecord, error) {
	var rec models.SubscriptionRecord
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountID, types.SubscriptionStatusActive).
		Order("provider_created_at desc").
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (s *gormStore) PlanProjection(ctx context.Context, accountID string) (*models.PlanProjection, error) {
	var p models.PlanProjection
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (s *gormStore) SavePlanProjection(ctx context.Context, p *models.PlanProjection) error {
	if p.ID == "" {
		p.ID = tool.GenerateUUIDV7()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"plan", "is_premium", "updated_at"}),
	}).Create(p).Error
	if err != nil {
		return fmt.Errorf("failed to upsert plan projection: %w", err)
	}
	return nil
}

func (s *gormStore) EnsurePlanProjection(ctx context.Context, accountID string) (*models.PlanProjection, bool, error) {
	fresh := &models.PlanProjection{
		ID:        tool.GenerateUUIDV7(),
		AccountID: accountID,
		Plan:      types.PlanTierFree,
		IsPremium: false,
	}
	// Insert-if-absent; never downgrade an existing projection on re-init.
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoNothing: true,
	}).Create(fresh)
	if res.Error != nil {
		return nil, false, res.Error
	}
	created := res.RowsAffected > 0
	if created {
		return fresh, true, nil
	}
	existing, err := s.PlanProjection(ctx, accountID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *gormStore) SaveProjectionLog(log *models.PlanProjectionLog) error {
	if log.ID == "" {
		log.ID = tool.GenerateUUIDV7()
	}
	return s.db.Save(log).Error
}

// filtersAnd combines multiple CommonFilter into a single clause.Expression.
type filtersAnd struct{ filters []*types.CommonFilter }

func (w filtersAnd) Build(builder clause.Builder) {
	if len(w.filters) == 0 {
		builder.WriteString("1=1")
		return
	}
	exprs := make([]clause.Expression, 0, len(w.filters))
	for _, f := range w.filters {
		exprs = append(exprs, f)
	}
	clause.And(exprs...).Build(builder)
}

func (s *gormStore) ScanSubscriptions(ctx context.Context, req *ScanSubscriptionsRequest) (*ScanSubscriptionsResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if req.Size <= 0 {
		req.Size = 10
	}
	if req.From < 0 {
		req.From = 0
	}

	tx := s.db.WithContext(ctx).Model(&models.SubscriptionRecord{})
	if len(req.Filters) > 0 {
		tx = tx.Where(clause.Where{Exprs: []clause.Expression{filtersAnd{filters: req.Filters}}})
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count subscription records: %w", err)
	}

	var rows []*models.SubscriptionRecord
	q := tx.Limit(req.Size)
	if req.From > 0 {
		q = q.Offset(req.From)
	}
	if req.SortBy != "" {
		q = q.Order(clause.OrderBy{Columns: []clause.OrderByColumn{{Column: clause.Column{Name: req.SortBy}, Desc: req.SortOrder != "asc"}}})
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list subscription records: %w", err)
	}

	return &ScanSubscriptionsResponse{Items: rows, Total: total}, nil
}
