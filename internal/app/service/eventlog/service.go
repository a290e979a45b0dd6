package eventlog

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/composerkit/billing-api/internal/models"
	"github.com/composerkit/billing-api/pkg/logctx"
	"github.com/composerkit/billing-api/pkg/tool"
)

type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func New(db *gorm.DB, log *zap.SugaredLogger) *Service { return &Service{db: db, log: log} }

// Save asynchronously persists a billing event log. Nil input is ignored.
func (s *Service) Save(ctx context.Context, log *models.BillingEventLog) {
	go func() {
		if log == nil {
			return
		}
		if log.ID == "" {
			log.ID = tool.GenerateUUIDV7()
		}
		if err := s.db.Save(log).Error; err != nil {
			logctx.FromCtx(ctx, s.log).Errorf("failed to save billing event log: %v", err)
		}
	}()
}
