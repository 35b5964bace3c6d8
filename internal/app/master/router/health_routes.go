/**
 * 路由:健康检查路由
 * @author: sun977
 * @date: 2025.10.10
 * @description: 存活/就绪探针
 * @func:
 */

package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"agentmonitor/internal/model/system"
	"agentmonitor/internal/pkg/logger"
)

// ReadinessCheck 就绪检查项(数据库、Redis、温存储)
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

const readinessTimeout = 2 * time.Second

// setupHealthRoutes 设置健康检查路由
func (r *Router) setupHealthRoutes(group *gin.RouterGroup) {
	// 健康检查
	group.GET("/health", r.healthCheck)
	// 就绪检查
	group.GET("/ready", r.readinessCheck)
	// 存活检查
	group.GET("/live", r.livenessCheck)
}

// healthCheck 健康检查处理器
func (r *Router) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"version":   r.config.App.Version,
		"timestamp": logger.FormatTimestamp(time.Now()),
	})
}

// readinessCheck 就绪检查处理器，任一依赖不可用返回503
func (r *Router) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	checks := make(map[string]string, len(r.readiness))
	ready := true
	for _, rc := range r.readiness {
		if err := rc.Check(ctx); err != nil {
			ready = false
			checks[rc.Name] = "unavailable"
			logger.LogWarn("readiness check failed: "+err.Error(), "", "", c.Request.URL.Path, c.Request.Method, map[string]interface{}{
				"operation": "readiness_check",
				"func_name": "router.readinessCheck",
				"check":     rc.Name,
			})
			continue
		}
		checks[rc.Name] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"checks":    checks,
		"timestamp": logger.FormatTimestamp(time.Now()),
	})
}

// livenessCheck 存活检查处理器
func (r *Router) livenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": logger.FormatTimestamp(time.Now()),
	})
}

// notFound 未匹配路由
func (r *Router) notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, system.APIResponse{
		Code:    http.StatusNotFound,
		Status:  "error",
		Message: "route not found",
		Error:   string(system.KindNotFound),
	})
}
