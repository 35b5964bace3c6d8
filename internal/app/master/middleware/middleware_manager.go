package middleware

import (
	"sync"
	"time"

	"agentmonitor/internal/config"
)

// MiddlewareManager 中间件管理器
// 负责管理所有Gin框架的中间件，提供统一的中间件接口
type MiddlewareManager struct {
	securityConfig *config.SecurityConfig // 安全配置，用于中间件配置
	requestTimeout time.Duration          // 单个请求处理超时

	rateLimiter     *IPRateLimiter
	rateLimiterOnce sync.Once
}

// NewMiddlewareManager 创建中间件管理器
// 参数:
//   - securityConfig: 安全配置实例
//   - requestTimeout: 请求超时，<=0 表示不限制
//
// 返回: 中间件管理器实例
func NewMiddlewareManager(securityConfig *config.SecurityConfig, requestTimeout time.Duration) *MiddlewareManager {
	if securityConfig == nil {
		securityConfig = &config.SecurityConfig{}
	}
	return &MiddlewareManager{
		securityConfig: securityConfig,
		requestTimeout: requestTimeout,
	}
}
