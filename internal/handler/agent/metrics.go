package agent

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"agentmonitor/internal/handler/common"
	"agentmonitor/internal/model/metrics"
	"agentmonitor/internal/model/system"
)

// SubmitMetrics 上报指标样本，接受即返回202，持久化和告警评估异步进行
func (h *AgentHandler) SubmitMetrics(c *gin.Context) {
	var sample metrics.MetricSample
	if err := c.ShouldBindJSON(&sample); err != nil {
		common.BindFailed(c, err, "handler.agent.SubmitMetrics")
		return
	}
	result, err := h.ingestion.Submit(c.Request.Context(), c.Param("id"), &sample)
	if err != nil {
		common.Fail(c, err, "handler.agent.SubmitMetrics")
		return
	}
	common.Success(c, http.StatusAccepted, "metrics accepted", result)
}

// RecentMetrics 热缓冲中最近的样本，limit 默认10，范围 1..100
func (h *AgentHandler) RecentMetrics(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			common.Fail(c, system.NewBadRequestError("limit must be an integer"), "handler.agent.RecentMetrics")
			return
		}
		limit = n
	}
	agentID := c.Param("id")
	if _, err := h.registry.Get(c.Request.Context(), agentID); err != nil {
		common.Fail(c, err, "handler.agent.RecentMetrics")
		return
	}
	samples, err := h.ingestion.Recent(c.Request.Context(), agentID, limit)
	if err != nil {
		common.Fail(c, err, "handler.agent.RecentMetrics")
		return
	}
	common.Success(c, http.StatusOK, "ok", gin.H{
		"agent_id": agentID,
		"count":    len(samples),
		"metrics":  samples,
	})
}
