package router

import (
	"github.com/gin-gonic/gin"

	"proof-orchestrator/internal/middleware"
)

// SetupProofRoutes public proof request API
func SetupProofRoutes(r *gin.Engine, h Handlers) {
	v1 := r.Group("/v1")
	{
		proofs := v1.Group("/proofs")
		proofs.POST("", h.Proofs.SubmitProof)
		proofs.GET("", h.Proofs.ListProofs)
		proofs.POST("/aggregate", h.Proofs.SubmitAggregate)
		proofs.GET("/ws", h.WebSocket.HandleWebSocket)
		proofs.GET("/:fingerprint", h.Proofs.GetProof)
		proofs.POST("/:fingerprint/cancel", h.Proofs.CancelProof)
	}
}

// SetupAdminRoutes admin API; every route is IP restricted, everything but
// login also needs an admin token
func SetupAdminRoutes(r *gin.Engine, h Handlers, localhostOnly *middleware.LocalhostOnly, adminAuth *middleware.AdminAuthMiddleware) {
	admin := r.Group("/admin", localhostOnly.Restrict())
	{
		admin.POST("/login", h.AdminAuth.AdminLoginHandler)

		authed := admin.Group("", adminAuth.RequireAdminAuth())
		authed.POST("/prune", h.Admin.Prune)
		authed.GET("/ballot", h.Admin.GetBallot)
		authed.PUT("/ballot", h.Admin.UpdateBallot)
	}
}
