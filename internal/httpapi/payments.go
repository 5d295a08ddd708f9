package httpapi

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"teleconsult/internal/session"
	"teleconsult/pkg/logger"
)

const (
	headerWebhookSecret = "X-Webhook-Secret"
	webhookActor        = "payment-webhook"
)

type paymentEvent struct {
	SessionID string `json:"session_id" binding:"required"`
	PaymentID string `json:"payment_id"`
	Status    string `json:"status" binding:"required,oneof=paid failed cancelled"`
}

// PaymentEvent applies a provider verdict forwarded by the webhook relay.
// Redeliveries of an applied verdict succeed without changing the row.
func (h Handlers) PaymentEvent(c *gin.Context) {
	if h.WebhookSecret != "" {
		got := c.GetHeader(headerWebhookSecret)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.WebhookSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook secret"})
			return
		}
	}
	var ev paymentEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "session_id and status (paid, failed, cancelled) required"})
		return
	}
	outcome, err := session.ParseStatus(ev.Status)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
		return
	}

	ctx := session.WithActor(c.Request.Context(), webhookActor)
	s, err := h.Sessions.RecordPaymentOutcome(ctx, ev.SessionID, ev.PaymentID, outcome)
	if err != nil {
		writeError(c, err)
		return
	}
	logger.FromGin(c).Info("payment outcome recorded",
		"session_id", s.ID, "payment_id", ev.PaymentID, "status", s.Status.String())
	c.JSON(http.StatusOK, gin.H{"session_id": s.ID, "status": s.Status})
}
