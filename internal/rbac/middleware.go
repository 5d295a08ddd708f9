package rbac

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"teleconsult/internal/auth"
)

// RequireAnyRole allows access if the caller has any of the provided roles.
// admin bypasses the check.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil || role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}
		if IsAdmin(role) {
			c.Next()
			return
		}
		if _, ok := allowedSet[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// CanAccessSession reports whether the caller may act on a session between
// doctorID and patientID.
func CanAccessSession(role, userID, doctorID, patientID string) bool {
	if IsAdmin(role) {
		return true
	}
	return userID != "" && (userID == doctorID || userID == patientID)
}
