package router

import (
	"github.com/gin-gonic/gin"

	"github.com/ignatzorin/rental-escrow/internal/config"
	"github.com/ignatzorin/rental-escrow/internal/http/handlers"
	"github.com/ignatzorin/rental-escrow/internal/http/middleware"
	"github.com/ignatzorin/rental-escrow/internal/service"
)

// Handlers собирает все HTTP обработчики приложения.
type Handlers struct {
	Agreements *handlers.AgreementHandler
	Escrows    *handlers.EscrowHandler
	Disputes   *handlers.DisputeHandler
	Evidence   *handlers.EvidenceHandler
	Audit      *handlers.AuditHandler
	Health     *handlers.HealthHandler
	WS         *handlers.WSHandler
}

func SetupRouter(cfg *config.Config, h Handlers, tokenManager *service.TokenManager) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))

	r.GET("/health", h.Health.Health)

	api := r.Group("/api")

	if h.WS != nil {
		api.GET("/ws", h.WS.Handle)
	}

	webhooks := api.Group("/webhooks")
	webhooks.Use(middleware.RateLimitMiddleware(cfg.RateLimitLimit, cfg.RateLimitPeriod))
	webhooks.POST("/payments", middleware.WebhookSignature(cfg.PaymentWebhookSecret), h.Escrows.PaymentWebhook)

	protected := api.Group("")
	protected.Use(middleware.AuthMiddleware(tokenManager))
	protected.Use(middleware.RateLimitMiddleware(cfg.RateLimitLimit, cfg.RateLimitPeriod))
	{
		protected.POST("/agreements", middleware.RequireRole(service.RoleTenant), h.Agreements.Create)

		agreement := protected.Group("/agreements/:id", middleware.UUIDValidator("id"))
		agreement.GET("", h.Agreements.Get)
		agreement.POST("/approve", h.Agreements.Approve)
		agreement.POST("/reject", h.Agreements.Reject)
		agreement.POST("/cancel", h.Agreements.Cancel)

		agreement.GET("/escrow", h.Escrows.Get)
		agreement.POST("/escrow/release-request", h.Escrows.RequestRelease)
		agreement.POST("/escrow/release-confirm", h.Escrows.ConfirmRelease)

		agreement.POST("/disputes", h.Disputes.Create)
		agreement.GET("/disputes", h.Disputes.List)

		agreement.POST("/evidence", h.Evidence.Upload)
		agreement.GET("/evidence", h.Evidence.List)

		agreement.GET("/audit", h.Audit.AgreementTrail)

		protected.GET("/disputes/:id", middleware.UUIDValidator("id"), h.Disputes.Get)
		protected.POST("/disputes/:id/ai-review", middleware.UUIDValidator("id"), h.Disputes.RunAIReview)

		protected.GET("/evidence/:id/verify", middleware.UUIDValidator("id"), h.Evidence.Verify)
		protected.GET("/evidence/:id/file", middleware.UUIDValidator("id"), h.Evidence.Download)

		protected.GET("/users/:id/reputation", middleware.UUIDValidator("id"), h.Disputes.Reputation)
	}

	admin := protected.Group("/admin")
	admin.Use(middleware.RequireRole(service.RoleAdmin))
	{
		admin.POST("/agreements/:id/lock", middleware.UUIDValidator("id"), h.Escrows.LockDeposit)
		admin.POST("/disputes/:id/resolve", middleware.UUIDValidator("id"), h.Disputes.Resolve)
		admin.POST("/disputes/:id/reject", middleware.UUIDValidator("id"), h.Disputes.Reject)
		admin.POST("/escrows/:id/payout", middleware.UUIDValidator("id"), h.Escrows.ExecutePayout)
		admin.GET("/audit/:id", middleware.UUIDValidator("id"), h.Audit.EntityTrail)
	}

	return r
}
