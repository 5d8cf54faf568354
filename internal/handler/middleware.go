package handler

import (
	"crypto/subtle"
	"net/http"
	"time"

	"creditledger/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	HeaderAPIKey = "X-API-Key"
	HeaderOrgID  = "X-Org-ID"
	HeaderAppID  = "X-App-ID"

	ctxOrgID = "org_id"
	ctxAppID = "app_id"
)

// LoggerMiddleware 访问日志
func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		fields := []zap.Field{
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
		}
		if query != "" {
			fields = append(fields, zap.String("query", query))
		}
		if orgID := c.GetString(ctxOrgID); orgID != "" {
			fields = append(fields, zap.String("org_id", orgID), zap.String("app_id", c.GetString(ctxAppID)))
		}

		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("请求完成", fields...)
			return
		}
		logger.Info("请求完成", fields...)
	}
}

// RecoveryMiddleware 恢复中间件，防止 panic 导致服务崩溃
func RecoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic", zap.Any("error", err), zap.String("path", c.Request.URL.Path))
				response.ServerError(c, "服务器内部错误")
			}
		}()
		c.Next()
	}
}

// APIKeyMiddleware 校验服务间共享密钥
func APIKeyMiddleware(apiKey string) gin.HandlerFunc {
	expected := []byte(apiKey)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(HeaderAPIKey))
		if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
			response.Unauthorized(c, "API key 无效")
			return
		}
		c.Next()
	}
}

// IdentityMiddleware 读取 org/app 身份头
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID := c.GetHeader(HeaderOrgID)
		appID := c.GetHeader(HeaderAppID)
		if orgID == "" || appID == "" {
			response.ParamError(c, "缺少 "+HeaderOrgID+" 或 "+HeaderAppID)
			return
		}
		c.Set(ctxOrgID, orgID)
		c.Set(ctxAppID, appID)
		c.Next()
	}
}

func identity(c *gin.Context) (orgID, appID string) {
	return c.GetString(ctxOrgID), c.GetString(ctxAppID)
}
