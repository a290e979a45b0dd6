package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	mw "github.com/composerkit/billing-api/internal/app/api/middleware"
	"github.com/composerkit/billing-api/internal/app/service/reconciler"
	"github.com/composerkit/billing-api/internal/platform/billing"
	cfgpkg "github.com/composerkit/billing-api/pkg/config"
	"github.com/composerkit/billing-api/pkg/response"
)

// @Summary      Refresh subscription state
// @Description  Re-derives the account's plan projection from stored subscription records.
// @Tags         Billing
// @Produce      json
// @Success      200  {object}  map[string]bool
// @Router       /api/v1/billing/refresh [post]
func ApiBillingRefresh(rec reconciler.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := mw.AccountID(c)
		if err := rec.Refresh(c.Request.Context(), accountID); err != nil {
			// A transient read failure leaves the projection untouched and
			// must not break the caller's flow.
			if errors.Is(err, reconciler.ErrTransientRead) {
				c.JSON(http.StatusOK, response.OKT(gin.H{"success": false}))
				return
			}
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(gin.H{"success": true}))
	}
}

// @Summary      Verify checkout session
// @Description  Called after the post-checkout redirect to reconcile the new subscription immediately.
// @Tags         Billing
// @Produce      json
// @Param        session_id query string true "Checkout session id"
// @Success      200  {object}  map[string]bool
// @Router       /api/v1/billing/verify-session [get]
func ApiVerifyCheckoutSession(rec reconciler.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Query("session_id")
		if sessionID == "" {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing session_id"))
			return
		}
		if err := rec.VerifyCheckout(c.Request.Context(), sessionID); err != nil {
			if errors.Is(err, reconciler.ErrIncompleteCheckout) {
				// Recoverable: the webhook path completes the projection.
				c.JSON(http.StatusOK, response.OKT(gin.H{"success": false}))
				return
			}
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(gin.H{"success": true}))
	}
}

type accountPlanResp struct {
	Plan         string `json:"plan"`
	IsPremium    bool   `json:"is_premium"`
	Subscription any    `json:"subscription,omitempty"`
}

// @Summary      Account plan
// @Description  Returns the account's plan projection and active subscription record.
// @Tags         Billing
// @Produce      json
// @Success      200  {object}  handlers.accountPlanResp
// @Router       /api/v1/billing/subscription [get]
func ApiAccountPlan(rec reconciler.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := mw.AccountID(c)
		proj, act, err := rec.AccountPlan(c.Request.Context(), accountID)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		resp := accountPlanResp{Plan: string(proj.Plan), IsPremium: proj.IsPremium}
		if act != nil {
			resp.Subscription = act
		}
		c.JSON(http.StatusOK, response.OKT(resp))
	}
}

type createCheckoutSessionReq struct {
	Email string `json:"email"`
}

// @Summary      Create checkout session
// @Description  Creates a provider checkout session for the premium plan.
// @Tags         Billing
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /api/v1/billing/checkout-session [post]
func ApiCreateCheckoutSession(provider billing.Provider, cfg *cfgpkg.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createCheckoutSessionReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		accountID := mw.AccountID(c)
		sess, err := provider.CreateCheckoutSession(c.Request.Context(), accountID, req.Email, cfg.Stripe.PremiumPriceID)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(gin.H{"id": sess.ID, "url": sess.URL}))
	}
}

// @Summary      Create billing portal session
// @Description  Creates a provider portal session for the account's billing customer.
// @Tags         Billing
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /api/v1/billing/portal-session [post]
func ApiCreatePortalSession(rec reconciler.Reconciler, provider billing.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := mw.AccountID(c)
		_, act, err := rec.AccountPlan(c.Request.Context(), accountID)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		if act == nil || act.CustomerID == nil || *act.CustomerID == "" {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "no billing customer for account"))
			return
		}
		url, err := provider.CreatePortalSession(c.Request.Context(), *act.CustomerID)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(gin.H{"url": url}))
	}
}

// @Summary      Initialize account settings
// @Description  Ensures the account's plan projection record exists; idempotent.
// @Tags         Settings
// @Produce      json
// @Success      200  {object}  map[string]bool
// @Router       /api/v1/settings/init [post]
func ApiSettingsInit(rec reconciler.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := mw.AccountID(c)
		if err := rec.EnsureSettings(c.Request.Context(), accountID); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(gin.H{"success": true}))
	}
}

func RegisterBillingRoutes(r gin.IRouter, rec reconciler.Reconciler, provider billing.Provider, cfg *cfgpkg.Config) {
	r.POST("/billing/refresh", ApiBillingRefresh(rec))
	r.GET("/billing/verify-session", ApiVerifyCheckoutSession(rec))
	r.GET("/billing/subscription", ApiAccountPlan(rec))
	r.POST("/billing/checkout-session", ApiCreateCheckoutSession(provider, cfg))
	r.POST("/billing/portal-session", ApiCreatePortalSession(rec, provider))
	r.POST("/settings/init", ApiSettingsInit(rec))
}
