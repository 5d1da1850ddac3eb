package main

import (
	"net/http"

	"dispatchdesk/internal/auth"
	"dispatchdesk/internal/directory"
	"dispatchdesk/internal/httpapi"
	"dispatchdesk/internal/incident"
	"dispatchdesk/internal/notify"
	"dispatchdesk/internal/rbac"
	"dispatchdesk/internal/relay"
	"dispatchdesk/internal/session"
	"dispatchdesk/internal/telephony"
	"dispatchdesk/internal/usage"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	auth      *auth.Manager
	webhooks  *telephony.WebhookHandlers
	hub       *notify.Hub
	relays    *relay.Manager
	sessions  session.Store
	incidents *incident.Service
	directory directory.Store
	usage     *usage.Recorder
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, deps routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Provider webhooks (public, signature checked inside).
	deps.webhooks.Register(r.Group("/webhooks"))

	// Call media streams and dashboard sockets. Both authenticate inside
	// the handler: the media stream by session id minted at webhook time,
	// the dashboard socket by its first auth frame.
	r.GET("/media/:session_id", func(c *gin.Context) {
		deps.relays.HandleMedia(c.Writer, c.Request, c.Param("session_id"))
	})
	r.GET("/ws/dashboard", func(c *gin.Context) {
		deps.hub.HandleWS(c.Writer, c.Request)
	})

	api := httpapi.Handlers{
		Auth:      deps.auth,
		Sessions:  deps.sessions,
		Incidents: deps.incidents,
		Directory: deps.directory,
		Usage:     deps.usage,
		Notify:    deps.hub,
	}

	r.POST("/v1/auth/login", api.Login)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireDashboardToken(deps.auth))
	v1.Use(rbac.RequireAccount())
	{
		sessions := v1.Group("/sessions")
		{
			sessions.GET("", api.ListSessions)
			sessions.GET("/:session_id", api.GetSession)
		}

		incidents := v1.Group("/incidents")
		{
			incidents.GET("", api.ListIncidents)
			incidents.GET("/:incident_id", api.GetIncident)
			incidents.POST("/:incident_id/resolve",
				rbac.RequireAnyRole(rbac.RoleManager, rbac.RoleDispatcher), api.ResolveIncident)
		}

		users := v1.Group("/users")
		{
			users.GET("", api.ListUsers)
			users.PUT("/:user_id/availability", api.SetAvailability)
		}

		v1.GET("/locations", api.ListLocations)
		v1.GET("/vendors", api.ListVendors)

		v1.GET("/usage/summary",
			rbac.RequireAnyRole(rbac.RoleManager), api.UsageSummary)
	}
}
