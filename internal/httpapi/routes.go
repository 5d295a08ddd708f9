package httpapi

import (
	"github.com/gin-gonic/gin"

	"teleconsult/internal/rbac"
)

// Register mounts the session API. authMW must inject identity (see
// auth.RequireAccessToken). The payment intake sits outside it and relies on
// the webhook secret instead.
func Register(r *gin.Engine, h Handlers, authMW gin.HandlerFunc) {
	r.POST("/internal/payments/events", h.PaymentEvent)

	v1 := r.Group("/v1")
	if h.DevLogin {
		v1.POST("/auth/login", h.Login)
	}

	v1.GET("/me", authMW, h.Me)

	sessions := v1.Group("/sessions")
	sessions.Use(authMW)
	sessions.Use(rbac.RequireAnyRole(rbac.RoleDoctor, rbac.RolePatient))
	{
		sessions.GET("", h.ListWaiting)
		sessions.POST("/paid", h.CreatePaidSession)
		sessions.POST("/free", h.CreateFreeSession)
		sessions.POST("/join", h.JoinByCode)
		sessions.GET("/:id", h.GetSession)
		sessions.POST("/:id/token", h.IssueToken)
		sessions.POST("/:id/active", h.ActivateSession)
		sessions.POST("/:id/end", h.EndSession)
		sessions.GET("/:id/payment", h.AwaitPayment)
	}
}
