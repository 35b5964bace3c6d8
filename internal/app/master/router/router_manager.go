/**
 * 路由:路由管理器
 * @author: sun977
 * @date: 2025.10.31
 * @description: 路由管理器，包含Router结构体、NewRouter函数和SetupRoutes主函数
 * @func:
 */
package router

import (
	"github.com/gin-gonic/gin"

	"agentmonitor/internal/app/master/middleware"
	"agentmonitor/internal/app/master/setup"
	"agentmonitor/internal/config"
	agentHandler "agentmonitor/internal/handler/agent"
	alertHandler "agentmonitor/internal/handler/alert"
	metricsHandler "agentmonitor/internal/handler/metrics"
	monitorHandler "agentmonitor/internal/handler/monitor"
	"agentmonitor/internal/pkg/logger"
)

// Router 路由管理器
type Router struct {
	config            *config.Config
	engine            *gin.Engine
	middlewareManager *middleware.MiddlewareManager
	readiness         []ReadinessCheck

	agentHandler   *agentHandler.AgentHandler
	metricsHandler *metricsHandler.MetricsHandler
	alertHandler   *alertHandler.AlertHandler
	monitorHandler *monitorHandler.MonitorHandler
}

// NewRouter 创建路由管理器实例，handler 全部来自 setup 装配好的模块
func NewRouter(cfg *config.Config, modules *setup.Modules, readiness ...ReadinessCheck) *Router {
	switch cfg.Server.Mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(cfg.Server.Mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	return &Router{
		config:            cfg,
		engine:            gin.New(),
		middlewareManager: middleware.NewMiddlewareManager(&cfg.Security, cfg.Server.RequestTimeout),
		readiness:         readiness,
		agentHandler:      modules.Ingestion.AgentHandler,
		metricsHandler:    modules.Ingestion.MetricsHandler,
		alertHandler:      modules.Alert.AlertHandler,
		monitorHandler:    modules.Monitor.MonitorHandler,
	}
}

// SetupRoutes 设置全局中间件和路由
func (r *Router) SetupRoutes() {
	// 1) 先注册全局中间件；2) 再注册各模块路由。
	r.registerGlobalMiddleware()
	r.registerRoutes()
}

// GetEngine 获取Gin引擎实例
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}

// registerGlobalMiddleware 注册全局中间件
// 顺序: 恢复 -> 请求ID -> 日志(写入标准上下文) -> CORS -> 安全头 -> 限流 -> 超时
func (r *Router) registerGlobalMiddleware() {
	logger.WithFields(map[string]interface{}{
		"path":      "router_manager.registerGlobalMiddleware",
		"operation": "register_global_middleware",
		"option":    "middlewareManager.attach",
		"func_name": "router.registerGlobalMiddleware",
	}).Info("开始注册全局中间件")

	m := r.middlewareManager
	r.engine.Use(
		gin.Recovery(),
		m.GinRecoveryMiddleware(),
		m.GinRequestIDMiddleware(),
		m.GinLoggingMiddleware(),
		m.GinCORSMiddleware(),
		m.GinSecurityHeadersMiddleware(),
		m.GinRateLimitMiddleware(),
		m.GinTimeoutMiddleware(),
	)

	logger.WithFields(map[string]interface{}{
		"path":      "router_manager.registerGlobalMiddleware",
		"operation": "register_global_middleware",
		"option":    "middlewareManager.attach.done",
		"func_name": "router.registerGlobalMiddleware",
	}).Info("全局中间件注册完成")
}

// registerRoutes 注册路由
func (r *Router) registerRoutes() {
	logger.WithFields(map[string]interface{}{
		"path":      "router_manager.registerRoutes",
		"operation": "register_routes",
		"option":    "routes.attach.begin",
		"func_name": "router.registerRoutes",
	}).Info("开始注册路由")

	v1 := r.engine.Group("/api/v1")
	r.setupAgentRoutes(v1)
	r.setupMetricsRoutes(v1)
	r.setupAlertRoutes(v1)
	r.setupMonitorRoutes(v1)
	// 探针挂在根路径
	r.setupHealthRoutes(r.engine.Group(""))

	r.engine.NoRoute(r.notFound)

	logger.WithFields(map[string]interface{}{
		"path":      "router_manager.registerRoutes",
		"operation": "register_routes",
		"option":    "routes.attach.done",
		"func_name": "router.registerRoutes",
	}).Info("路由注册完成")
}
