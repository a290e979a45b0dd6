package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/composerkit/billing-api/internal/app/service/reconciler"
	models "github.com/composerkit/billing-api/internal/models"
	"github.com/composerkit/billing-api/pkg/response"
	"github.com/composerkit/billing-api/pkg/types"
)

type ListSubscriptionsRequest struct {
	Filters   []*types.CommonFilter `json:"filters"`
	From      int                   `json:"from"`
	Size      int                   `json:"size"`
	SortBy    string                `json:"sort_by"`
	SortOrder string                `json:"sort_order"`
}

type SubscriptionItem struct {
	ID                 string                   `json:"id"`
	SubscriptionID     string                   `json:"subscription_id"`
	AccountID          string                   `json:"account_id"`
	CustomerID         *string                  `json:"customer_id"`
	Status             types.SubscriptionStatus `json:"status"`
	PriceID            string                   `json:"price_id"`
	Quantity           int64                    `json:"quantity"`
	CancelAtPeriodEnd  bool                     `json:"cancel_at_period_end"`
	CurrentPeriodStart *time.Time               `json:"current_period_start"`
	CurrentPeriodEnd   *time.Time               `json:"current_period_end"`
	CanceledAt         *time.Time               `json:"canceled_at"`
	EndedAt            *time.Time               `json:"ended_at"`
	CreatedAt          time.Time                `json:"created_at"`
	UpdatedAt          time.Time                `json:"updated_at"`
}

func toSubscriptionItem(m *models.SubscriptionRecord) *SubscriptionItem {
	return &SubscriptionItem{
		ID:                 m.ID,
		SubscriptionID:     m.SubscriptionID,
		AccountID:          m.AccountID,
		CustomerID:         m.CustomerID,
		Status:             m.Status,
		PriceID:            m.PriceID,
		Quantity:           m.Quantity,
		CancelAtPeriodEnd:  m.CancelAtPeriodEnd,
		CurrentPeriodStart: m.CurrentPeriodStart,
		CurrentPeriodEnd:   m.CurrentPeriodEnd,
		CanceledAt:         m.CanceledAt,
		EndedAt:            m.EndedAt,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

type ListSubscriptionsResponse struct {
	Items []*SubscriptionItem `json:"items"`
	Total int64               `json:"total"`
}

// @Summary      List Subscription Records (Admin)
// @Description  Retrieves a paginated and filterable list of stored subscription records.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body ListSubscriptionsRequest true "List request with filters, pagination, and sorting"
// @Success      200  {object}  handlers.ListSubscriptionsResponse
// @Router       /api/v1/admin/list_subscriptions [post]
func ApiListSubscriptions(rec reconciler.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ListSubscriptionsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		scanReq := &reconciler.ScanSubscriptionsRequest{Filters: req.Filters, From: req.From, Size: req.Size, SortBy: req.SortBy, SortOrder: req.SortOrder}
		res, err := rec.ScanSubscriptions(c.Request.Context(), scanReq)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		items := lo.Map(res.Items, func(it *models.SubscriptionRecord, _ int) *SubscriptionItem { return toSubscriptionItem(it) })
		c.JSON(http.StatusOK, response.OKT(&ListSubscriptionsResponse{Items: items, Total: res.Total}))
	}
}

func RegisterAdminRoutes(r gin.IRouter, rec reconciler.Reconciler) {
	r.POST("/list_subscriptions", ApiListSubscriptions(rec))
}
