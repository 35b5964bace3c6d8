/**
 * 中间件:安全中间件
 * @author: sun977
 * @date: 2025.10.10
 * @description: 定义安全中间件
 * @func:
 *   - GinCORSMiddleware CORS跨域资源共享中间件,按配置设置CORS头部信息
 *   - GinSecurityHeadersMiddleware 安全头部中间件,设置必要的安全头部信息
 *   - GinRequestIDMiddleware 请求ID中间件,为每个请求添加唯一的请求ID,方便日志跟踪和调试
 */
package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"agentmonitor/internal/pkg/logger"
)

const (
	// HeaderRequestID 请求ID头
	HeaderRequestID = "X-Request-ID"
	// ContextKeyRequestID gin上下文中请求ID的键
	ContextKeyRequestID = "request_id"
	// ContextKeyClientIP gin上下文中客户端IP的键
	ContextKeyClientIP = "client_ip"
)

var (
	defaultAllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	defaultAllowHeaders = []string{"Origin", "Content-Type", "Content-Length", "Accept", "Authorization", "X-Request-ID", "X-Requested-With"}
)

// GinCORSMiddleware CORS跨域资源共享中间件
// 处理跨域请求，设置必要的CORS头部信息
func (m *MiddlewareManager) GinCORSMiddleware() gin.HandlerFunc {
	cors := m.securityConfig.CORS
	methods := cors.AllowMethods
	if len(methods) == 0 {
		methods = defaultAllowMethods
	}
	headers := cors.AllowHeaders
	if len(headers) == 0 {
		headers = defaultAllowHeaders
	}
	allowMethods := strings.Join(methods, ", ")
	allowHeaders := strings.Join(headers, ", ")
	maxAge := strconv.Itoa(int(cors.MaxAge.Seconds()))

	return func(c *gin.Context) {
		if !cors.Enabled {
			c.Next()
			return
		}
		origin := c.Request.Header.Get("Origin")
		allowed := m.originAllowed(origin)

		logger.WithFields(logrus.Fields{
			"path":      c.Request.URL.Path,
			"operation": "cors_middleware",
			"option":    "handle_cors_request",
			"func_name": "middleware.security.GinCORSMiddleware",
			"method":    c.Request.Method,
			"origin":    origin,
			"allowed":   allowed,
		}).Debug("Processing CORS request")

		if allowed {
			if cors.AllowAllOrigins && origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else if origin != "" {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", allowMethods)
			c.Header("Access-Control-Allow-Headers", allowHeaders)
			c.Header("Access-Control-Expose-Headers", "Content-Length, Content-Type, X-Request-ID")
			if cors.AllowCredentials {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
			if cors.MaxAge > 0 {
				c.Header("Access-Control-Max-Age", maxAge)
			}
		}

		// 预检请求直接返回
		if c.Request.Method == http.MethodOptions {
			if allowed {
				c.AbortWithStatus(http.StatusNoContent)
			} else {
				c.AbortWithStatus(http.StatusForbidden)
			}
			return
		}
		c.Next()
	}
}

func (m *MiddlewareManager) originAllowed(origin string) bool {
	cors := m.securityConfig.CORS
	if cors.AllowAllOrigins {
		return true
	}
	if origin == "" {
		return true
	}
	for _, o := range cors.AllowOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// GinSecurityHeadersMiddleware 安全头中间件
func (m *MiddlewareManager) GinSecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// X-Content-Type-Options: 防止MIME类型嗅探
		c.Header("X-Content-Type-Options", "nosniff")
		// X-Frame-Options: 防止点击劫持
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		// 仅在HTTPS环境下设置 HSTS
		if c.Request.TLS != nil || c.Request.Header.Get("X-Forwarded-Proto") == "https" {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Header("Server", "AgentMonitor")
		c.Next()
	}
}

// GinRequestIDMiddleware 请求ID中间件
// 沿用上游代理传入的 X-Request-ID，没有时生成uuid
func (m *MiddlewareManager) GinRequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		c.Set(ContextKeyRequestID, requestID)
		c.Header(HeaderRequestID, requestID)
		c.Next()
	}
}

// RequestID 读取 gin 上下文中的请求ID
func RequestID(c *gin.Context) string {
	if v, ok := c.Get(ContextKeyRequestID); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return c.GetHeader(HeaderRequestID)
}
