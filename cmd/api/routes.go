package main

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"teleconsult/internal/httpapi"
	"teleconsult/internal/metrics"
	"teleconsult/internal/signaling"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc, gateway *signaling.Gateway, reg prometheus.Gatherer) {
	// public
	r.GET("/healthz", httpapi.Healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler(reg)))

	httpapi.Register(r, h, authMW)

	// The gateway authenticates with the channel token, not the access token.
	if gateway != nil {
		r.GET("/v1/signal/:channel", gateway.Handle)
	}
}
