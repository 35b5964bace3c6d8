/**
 * 中间件:日志相关中间件
 * @author: sun977
 * @date: 2025.10.10
 * @description: 定义日志中间件
 * @func:
 *   - GinLoggingMiddleware Gin日志中间件[同时把客户端IP和请求ID存储到Gin上下文和标准上下文,供后续使用]
 */
package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"agentmonitor/internal/pkg/logger"
	"agentmonitor/internal/pkg/utils"
)

// GinLoggingMiddleware Gin日志中间件
// 记录所有HTTP请求的访问日志，5xx 额外记录错误日志，超过阈值的请求记录慢请求告警
// 使用方式: router.Use(middlewareManager.GinLoggingMiddleware())
func (m *MiddlewareManager) GinLoggingMiddleware() gin.HandlerFunc {
	cfg := m.securityConfig.Logging
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}

	return func(c *gin.Context) {
		start := time.Now()

		clientIP := utils.GetClientIP(c)
		requestID := RequestID(c)
		c.Set(ContextKeyClientIP, clientIP)
		// service 层只拿得到标准上下文
		c.Request = c.Request.WithContext(utils.WithRequestInfo(c.Request.Context(), requestID, clientIP))

		c.Next()

		if !cfg.EnableRequestLog || skip[c.Request.URL.Path] {
			return
		}
		logger.LogAccessRequest(c, start, requestID)

		duration := time.Since(start)
		if cfg.SlowRequestThreshold > 0 && duration > cfg.SlowRequestThreshold {
			logger.LogWarn("slow request", requestID, clientIP, c.Request.URL.Path, c.Request.Method, map[string]interface{}{
				"operation":   "http_request",
				"option":      "slow_request",
				"func_name":   "middleware.logging.GinLoggingMiddleware",
				"duration_ms": duration.Milliseconds(),
			})
		}

		statusCode := c.Writer.Status()
		if statusCode >= http.StatusInternalServerError {
			errorMsg := http.StatusText(statusCode)
			if len(c.Errors) > 0 {
				errorMsg = c.Errors.String()
			}
			logger.LogError(fmt.Errorf("HTTP %d: %s", statusCode, errorMsg), requestID, clientIP, c.Request.URL.Path, c.Request.Method, map[string]interface{}{
				"operation":   "http_request",
				"status_code": statusCode,
				"user_agent":  c.Request.UserAgent(),
				"timestamp":   logger.FormatTimestamp(time.Now()),
			})
		}
	}
}
