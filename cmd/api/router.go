package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"flowdesk-sync/internal/metrics"
	"flowdesk-sync/pkg/config"
)

func SetupRoutes(r *gin.Engine, h *Handler, cfg *config.Config) {
	// Prometheus scrape endpoint (no auth)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")
	{
		// Health check (no auth required)
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		auth := AuthMiddleware(cfg.JWTSecret)

		// Connection lifecycle (protected)
		connections := api.Group("/connections")
		connections.Use(auth)
		{
			connections.POST("", h.CreateConnection)
			connections.GET("", h.ListConnections)
			connections.GET("/:id/status", h.GetConnectionStatus)
			connections.POST("/:id/flush", h.FlushConnection)
			connections.DELETE("/:id", h.DeactivateConnection)
		}

		// Manual sync trigger (protected)
		sync := api.Group("/sync")
		sync.Use(auth)
		{
			sync.POST("/trigger/:connectionId", h.TriggerSync)
		}

		// Canonical items (protected)
		items := api.Group("/items")
		items.Use(auth)
		{
			items.GET("", h.ListItems)
			items.POST("/:id/archive", h.ArchiveItem)
		}

		// Proposals (protected)
		proposals := api.Group("/proposals")
		proposals.Use(auth)
		{
			proposals.POST("/generate", h.GenerateProposals)
			proposals.GET("", h.ListProposals)
			proposals.POST("/:id/confirm", h.ConfirmProposal)
			proposals.POST("/:id/reject", h.RejectProposal)
			proposals.GET("/:id/audit", h.GetProposalAudit)
			proposals.GET("/dead-letters", h.ListCandidateDeadLetters)
		}

		// Outbox inspection (protected)
		outbox := api.Group("/outbox")
		outbox.Use(auth)
		{
			outbox.GET("/dead-letters", h.ListDeadLetters)
			outbox.POST("/dead-letters/:id/requeue", h.RequeueDeadLetter)
		}
	}
}
