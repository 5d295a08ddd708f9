package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"teleconsult/internal/auth"
	"teleconsult/internal/rbac"
	"teleconsult/internal/relay"
	"teleconsult/internal/session"
	"teleconsult/pkg/logger"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Sessions *session.Manager
	Issuer   relay.Issuer
	Auth     *auth.Manager

	// WebhookSecret guards the payment event intake. Empty disables the check
	// (non-production only; config enforces it in production).
	WebhookSecret string
	// DevLogin enables POST /v1/auth/login. Never set in production.
	DevLogin bool

	// PaymentWait caps one long-poll on the payment gate. Default 25s.
	PaymentWait time.Duration
	Clock       func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Clock != nil {
		return h.Clock()
	}
	return time.Now()
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Role   string `json:"role" binding:"required"`
}

// Login issues a JWT token pair for any user id.
//
// NOTE: development only. Credentials live with the identity provider in real
// deployments; this route is not mounted unless DevLogin is set.
func (h Handlers) Login(c *gin.Context) {
	if !h.DevLogin || h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and role required"})
		return
	}
	if !rbac.Valid(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), req.UserID, req.Role)
	if err != nil {
		logger.FromGin(c).Error("token issuance failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// Me echoes the identity carried by the access token.
func (h Handlers) Me(c *gin.Context) {
	userID, role, ok := identity(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "role": role})
}

// identity returns the caller set by the access-token middleware.
func identity(c *gin.Context) (userID, role string, ok bool) {
	id, err := auth.FromContext(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", "", false
	}
	return id.UserID, id.Role, true
}

// writeError maps domain sentinels to status codes. Unknown errors are logged
// and reported as 500 without detail.
func writeError(c *gin.Context, err error) {
	var initErr *session.PaymentInitError
	switch {
	case errors.As(err, &initErr):
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "payment initiation failed", "session_id": initErr.SessionID})
	case errors.Is(err, session.ErrCodeInvalid):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "access code invalid or expired"})
	case errors.Is(err, session.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, session.ErrInvalidArgument), errors.Is(err, relay.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrNotPaid):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "payment not confirmed"})
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrStaleStatus):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrPaymentTimeout):
		c.AbortWithStatusJSON(http.StatusGatewayTimeout, gin.H{"error": "payment confirmation timed out"})
	case errors.Is(err, relay.ErrTokenIssue):
		logger.FromGin(c).Warn("media token issuance failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "token issuance failed"})
	case errors.Is(err, context.Canceled):
		c.Abort()
	default:
		_ = c.Error(err)
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// Healthz reports liveness.
func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
