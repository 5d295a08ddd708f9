package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"teleconsult/internal/auth"
)

func serve(role string, allowed ...string) int {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), "u", role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}, RequireAnyRole(allowed...), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole(t *testing.T) {
	assert.Equal(t, http.StatusOK, serve(RoleDoctor, RoleDoctor))
	assert.Equal(t, http.StatusOK, serve(RoleAdmin, RoleDoctor), "admin bypasses")
	assert.Equal(t, http.StatusForbidden, serve(RolePatient, RoleDoctor))
	assert.Equal(t, http.StatusUnauthorized, serve("", RoleDoctor))
}

func TestCanAccessSession(t *testing.T) {
	assert.True(t, CanAccessSession(RoleDoctor, "d1", "d1", "p1"))
	assert.True(t, CanAccessSession(RolePatient, "p1", "d1", "p1"))
	assert.True(t, CanAccessSession(RoleAdmin, "ops", "d1", "p1"))
	assert.False(t, CanAccessSession(RolePatient, "p2", "d1", "p1"))
	assert.False(t, CanAccessSession(RoleDoctor, "", "", "p1"))
}
