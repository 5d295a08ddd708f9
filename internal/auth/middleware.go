package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"teleconsult/pkg/logger"
)

const bearerPrefix = "Bearer "

// RequireAccessToken verifies the bearer access token and puts the caller's
// Identity on the request context. Role checks live in internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := strings.CutPrefix(strings.TrimSpace(c.GetHeader("Authorization")), bearerPrefix)
		if !ok || strings.TrimSpace(tok) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := m.Verify(strings.TrimSpace(tok), TokenTypeAccess, time.Now())
		if err != nil {
			logger.FromGin(c).Debug("access token rejected", "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		id := claims.Identity()
		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id.UserID, id.Role))
		c.Set("user_id", id.UserID)
		c.Next()
	}
}
