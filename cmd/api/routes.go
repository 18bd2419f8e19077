package main

import (
	"net/http"

	"call-scheduler/internal/httpapi"
	"call-scheduler/internal/rbac"
	"call-scheduler/internal/telephony"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
//
// authMW is nil when JWT_SECRET is unset; the scheduling routes are then open,
// like the single-operator deployment they came from.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, callbacks telephony.StatusCallbackHandler, authMW gin.HandlerFunc) {
	// public
	r.GET("/health", h.Health)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Call service webhooks (public, optionally guarded by WEBHOOK_SECRET).
	r.POST("/webhooks/calls/status", callbacks.Handle)

	readers := r.Group("/")
	writers := r.Group("/")
	if authMW != nil {
		r.POST("/auth/refresh", h.RefreshToken)

		// admin passes every role check
		readers.Use(authMW, rbac.RequireReader())
		writers.Use(authMW, rbac.RequireOperator())
	}

	// SCHEDULE routes
	writers.POST("/schedule", h.ScheduleCall)
	writers.POST("/schedules/:id/start", h.StartNow)
	readers.GET("/schedules", h.ListSchedules)
	readers.GET("/schedules/:id/events", h.ListEvents)
	readers.GET("/status/:id", h.GetStatus)

	// REPORT routes
	readers.GET("/reports/summary", h.Summary)
}
