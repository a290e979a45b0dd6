package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/composerkit/billing-api/internal/app/service/reconciler"
	models "github.com/composerkit/billing-api/internal/models"
	"github.com/composerkit/billing-api/internal/platform/billing"
	"github.com/composerkit/billing-api/pkg/logctx"
)

type webhookError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// EventLogger records webhook delivery attempts off the request path.
type EventLogger interface {
	Save(ctx context.Context, log *models.BillingEventLog)
}

// @Summary      Billing Webhook
// @Description  Handles billing-provider webhook events. The request body is the raw signed payload.
// @Tags         Webhook
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]any
// @Failure      400  {object}  handlers.webhookError
// @Router       /api/v1/billing/webhook [post]
// ApiBillingWebhook verifies and applies billing-provider events. The
// provider expects acknowledgement for every event kind it chooses to send,
// so unknown kinds and unfixable events are answered 200; only signature
// failures (400) and store write failures (500, redelivered) are surfaced as
// errors.
func ApiBillingWebhook(provider billing.Provider, rec reconciler.Reconciler, logSvc EventLogger, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, webhookError{Error: "failed to read request body"})
			return
		}

		sig := c.GetHeader("Stripe-Signature")
		if sig == "" {
			c.JSON(http.StatusBadRequest, webhookError{Error: "missing Stripe-Signature header"})
			return
		}

		ev, err := provider.VerifyEvent(payload, sig)
		if err != nil {
			logctx.FromGin(c, log).Warnw("webhook_verify_failed", "error", err.Error())
			if errors.Is(err, billing.ErrSignatureInvalid) {
				c.JSON(http.StatusBadRequest, webhookError{Error: "webhook signature verification failed"})
				return
			}
			c.JSON(http.StatusBadRequest, webhookError{Error: "malformed event payload", Details: err.Error()})
			return
		}

		logctx.FromGin(c, log).Infow("webhook_received", "event_id", ev.ID, "kind", ev.Kind)
		traceID := c.GetString("traceID")
		logSvc.Save(c.Request.Context(), &models.BillingEventLog{
			ProviderEventID: ev.ID,
			Kind:            string(ev.Kind),
			TraceID:         traceID,
			EventTime:       ev.Created,
			Data:            datatypes.JSON(ev.Raw),
			Status:          models.BillingEventLogStatusReceived,
		})

		applyErr := rec.ApplyEvent(c.Request.Context(), ev)

		status := models.BillingEventLogStatusHandled
		resMap := map[string]any{"recognized": ev.Recognized()}
		if applyErr != nil {
			resMap["error"] = applyErr.Error()
			status = models.BillingEventLogStatusHandleFailed
		}
		resBytes, _ := json.Marshal(resMap)
		logSvc.Save(c.Request.Context(), &models.BillingEventLog{
			ProviderEventID: ev.ID,
			Kind:            string(ev.Kind),
			TraceID:         traceID,
			EventTime:       time.Now(),
			Data:            datatypes.JSON(ev.Raw),
			Result:          lo.ToPtr(datatypes.JSON(resBytes)),
			Status:          status,
		})

		if applyErr == nil {
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}

		// Unfixable or not-yet-actionable events are acknowledged so the
		// provider does not redeliver them forever.
		if errors.Is(applyErr, reconciler.ErrUnresolvedAccount) || errors.Is(applyErr, reconciler.ErrIncompleteCheckout) {
			logctx.FromGin(c, log).Warnw("webhook_acknowledged_without_effect", "event_id", ev.ID, "error", applyErr.Error())
			c.JSON(http.StatusOK, gin.H{"received": true, "details": applyErr.Error()})
			return
		}

		logctx.FromGin(c, log).Errorw("webhook_handle_error", "event_id", ev.ID, "error", applyErr.Error())
		c.JSON(http.StatusInternalServerError, webhookError{Error: "webhook processing failed", Details: applyErr.Error()})
	}
}

func RegisterBillingWebhookRoutes(r gin.IRouter, provider billing.Provider, rec reconciler.Reconciler, logSvc EventLogger, log *zap.SugaredLogger) {
	r.POST("/billing/webhook", ApiBillingWebhook(provider, rec, logSvc, log))
}
