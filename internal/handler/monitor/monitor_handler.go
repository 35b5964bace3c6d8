/**
 * 监控总览处理器
 * @author: sun977
 * @date: 2025.10.31
 * @description: 仪表盘、Agent健康报告、系统健康、接入统计
 * @func: Dashboard, AgentHealth, SystemHealth, IngestionStats
 */
package monitor

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"agentmonitor/internal/handler/common"
	"agentmonitor/internal/service/ingestion"
	monitorService "agentmonitor/internal/service/monitor"
)

// MonitorHandler 监控总览处理器
type MonitorHandler struct {
	monitor   monitorService.MonitorService
	ingestion ingestion.IngestionService
}

// NewMonitorHandler 创建监控总览处理器
func NewMonitorHandler(monitor monitorService.MonitorService, ingestionService ingestion.IngestionService) *MonitorHandler {
	return &MonitorHandler{monitor: monitor, ingestion: ingestionService}
}

// Dashboard 仪表盘总览
func (h *MonitorHandler) Dashboard(c *gin.Context) {
	overview, err := h.monitor.Dashboard(c.Request.Context())
	if err != nil {
		common.Fail(c, err, "handler.monitor.Dashboard")
		return
	}
	common.Success(c, http.StatusOK, "ok", overview)
}

// AgentHealth 单个Agent健康报告
func (h *MonitorHandler) AgentHealth(c *gin.Context) {
	report, err := h.monitor.AgentHealth(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.Fail(c, err, "handler.monitor.AgentHealth")
		return
	}
	common.Success(c, http.StatusOK, "ok", report)
}

// SystemHealth 系统健康(集群健康比例 + 自身资源占用)
func (h *MonitorHandler) SystemHealth(c *gin.Context) {
	health, err := h.monitor.SystemHealth(c.Request.Context())
	if err != nil {
		common.Fail(c, err, "handler.monitor.SystemHealth")
		return
	}
	common.Success(c, http.StatusOK, "ok", health)
}

// IngestionStats 接入统计
func (h *MonitorHandler) IngestionStats(c *gin.Context) {
	common.Success(c, http.StatusOK, "ok", h.ingestion.Stats())
}
