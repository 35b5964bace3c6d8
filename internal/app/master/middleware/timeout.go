package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"agentmonitor/internal/model/system"
	"agentmonitor/internal/pkg/logger"
	"agentmonitor/internal/pkg/utils"
)

// GinTimeoutMiddleware 请求超时中间件
// 给请求上下文加上截止时间，服务层据此提前返回；超时且尚未写响应时返回 503 timeout
func (m *MiddlewareManager) GinTimeoutMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.requestTimeout <= 0 || c.IsWebsocket() {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), m.requestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Writer.Written() {
			err := system.NewTimeoutError(ctx.Err())
			logger.LogWarn("request timed out", RequestID(c), utils.GetClientIP(c), c.Request.URL.Path, c.Request.Method, map[string]interface{}{
				"operation":  "request_timeout",
				"func_name":  "middleware.timeout.GinTimeoutMiddleware",
				"timeout_ms": m.requestTimeout.Milliseconds(),
			})
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, system.APIResponse{
				Code:    http.StatusServiceUnavailable,
				Status:  "error",
				Message: system.PublicMessage(err),
				Error:   string(system.KindTimeout),
			})
		}
	}
}
