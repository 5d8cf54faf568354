package handler

import (
	"creditledger/internal/config"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, cfg *config.ServerConfig, logger *zap.Logger) *gin.Engine {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	r := gin.New()

	r.Use(RecoveryMiddleware(logger))
	r.Use(LoggerMiddleware(logger))

	api := r.Group("/api/v1")
	{
		billing := api.Group("/billing", APIKeyMiddleware(cfg.APIKey), IdentityMiddleware())
		{
			billing.GET("/account", h.GetAccount)
			billing.POST("/account", h.GetAccount)
			billing.GET("/balance", h.GetBalance)
			billing.GET("/transactions", h.ListTransactions)
			billing.PUT("/mode", h.UpdateMode)
			billing.POST("/checkout", h.CreateCheckout)
			billing.POST("/deduct", h.Deduct)
		}

		// 回调由签名鉴权，不校验 API key
		webhooks := api.Group("/webhooks")
		{
			webhooks.POST("/stripe/:app_id", h.StripeWebhook)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
