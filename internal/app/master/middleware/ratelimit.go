/**
 * 中间件:限流器中间件
 * @author: sun977
 * @date: 2025.10.10
 * @description: 基于客户端IP的令牌桶限流(golang.org/x/time/rate)
 * @func:
 *   - GinRateLimitMiddleware 默认限流器中间件[根据客户端IP进行限流]
 */
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"agentmonitor/internal/model/system"
	"agentmonitor/internal/pkg/logger"
	"agentmonitor/internal/pkg/utils"
)

// 空闲超过该时长的令牌桶在下一次清理时删除
const visitorIdleTTL = 10 * time.Minute

// IPRateLimiter 每个客户端IP一个令牌桶
type IPRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	now      func() time.Time

	lastCleanup time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter 创建限流器，rps<=0 表示不限流
func NewIPRateLimiter(rps, burst int) *IPRateLimiter {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = rps
	}
	if burst <= 0 {
		burst = 1
	}
	return &IPRateLimiter{
		visitors: make(map[string]*visitor),
		limit:    limit,
		burst:    burst,
		now:      time.Now,
	}
}

// Allow 检查该key是否还有令牌
func (l *IPRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastCleanup) > visitorIdleTTL {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > visitorIdleTTL {
				delete(l.visitors, k)
			}
		}
		l.lastCleanup = now
	}
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	l.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

// Reset 重置指定key的限流状态
func (l *IPRateLimiter) Reset(key string) {
	l.mu.Lock()
	delete(l.visitors, key)
	l.mu.Unlock()
}

// Size 当前跟踪的key数量
func (l *IPRateLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// GinRateLimitMiddleware 默认限流中间件
// 使用配置文件中的限流策略
func (m *MiddlewareManager) GinRateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.securityConfig.RateLimit.Enabled || m.shouldSkipRateLimit(c) {
			c.Next()
			return
		}

		clientIP := utils.GetClientIP(c)
		if !m.getRateLimiter().Allow(clientIP) {
			logger.LogWarn("Rate limit exceeded for client", RequestID(c), clientIP, c.Request.URL.Path, c.Request.Method, map[string]interface{}{
				"operation": "rate_limit_exceeded",
				"option":    "block_request",
				"func_name": "middleware.ratelimit.GinRateLimitMiddleware",
			})
			c.AbortWithStatusJSON(http.StatusTooManyRequests, system.APIResponse{
				Code:    http.StatusTooManyRequests,
				Status:  "error",
				Message: "too many requests, please try again later",
				Error:   "rate_limited",
			})
			return
		}
		c.Next()
	}
}

// shouldSkipRateLimit 检查是否应该跳过限流
func (m *MiddlewareManager) shouldSkipRateLimit(c *gin.Context) bool {
	path := c.Request.URL.Path
	for _, skipPath := range m.securityConfig.RateLimit.SkipPaths {
		if path == skipPath {
			return true
		}
	}
	return utils.IsIPInList(utils.GetClientIP(c), m.securityConfig.RateLimit.SkipIPs)
}

// getRateLimiter 根据配置懒加载限流器
func (m *MiddlewareManager) getRateLimiter() *IPRateLimiter {
	m.rateLimiterOnce.Do(func() {
		cfg := m.securityConfig.RateLimit
		m.rateLimiter = NewIPRateLimiter(cfg.RequestsPerSecond, cfg.BurstSize)
	})
	return m.rateLimiter
}
