/**
 * 指标查询处理器
 * @author: sun977
 * @date: 2025.10.31
 * @description: 跨三层的指标查询、单Agent运行期统计、集群汇总和趋势
 * @func: Query, AgentSummary, FleetSummary, Trends
 */
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"agentmonitor/internal/handler/common"
	metricsModel "agentmonitor/internal/model/metrics"
	"agentmonitor/internal/model/system"
	"agentmonitor/internal/service/ingestion"
	"agentmonitor/internal/service/registry"
	"agentmonitor/internal/service/storage"
)

// MetricsHandler 指标查询处理器
type MetricsHandler struct {
	query     storage.QueryService
	ingestion ingestion.IngestionService
	registry  registry.RegistryService
}

// NewMetricsHandler 创建指标查询处理器
func NewMetricsHandler(query storage.QueryService, ingestionService ingestion.IngestionService, registryService registry.RegistryService) *MetricsHandler {
	return &MetricsHandler{query: query, ingestion: ingestionService, registry: registryService}
}

// splitList 逗号分隔的查询参数，兼容重复参数
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// parseTime 支持 RFC3339 和 unix 秒
func parseTime(raw, field string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Time{}, system.NewBadRequestError("%s must be RFC3339 or unix seconds", field)
}

// Query 指标查询
// GET /metrics?agent_ids=&start=&end=&metrics=&agg=&interval=
func (h *MetricsHandler) Query(c *gin.Context) {
	start, err := parseTime(c.Query("start"), "start")
	if err != nil {
		common.Fail(c, err, "handler.metrics.Query")
		return
	}
	end, err := parseTime(c.Query("end"), "end")
	if err != nil {
		common.Fail(c, err, "handler.metrics.Query")
		return
	}
	q := metricsModel.MetricsQuery{
		AgentIDs:    splitList(c.QueryArray("agent_ids")),
		Start:       start,
		End:         end,
		MetricNames: splitList(c.QueryArray("metrics")),
		Aggregation: metricsModel.Aggregation(c.Query("agg")),
		Interval:    metricsModel.Resolution(c.Query("interval")),
	}
	result, err := h.query.Query(c.Request.Context(), q)
	if err != nil {
		common.Fail(c, err, "handler.metrics.Query")
		return
	}
	common.Success(c, http.StatusOK, "ok", result)
}

// AgentSummary 单个Agent的运行期统计
func (h *MetricsHandler) AgentSummary(c *gin.Context) {
	agentID := c.Param("agent_id")
	if _, err := h.registry.Get(c.Request.Context(), agentID); err != nil {
		common.Fail(c, err, "handler.metrics.AgentSummary")
		return
	}
	summary, err := h.ingestion.AgentSummary(c.Request.Context(), agentID)
	if err != nil {
		common.Fail(c, err, "handler.metrics.AgentSummary")
		return
	}
	common.Success(c, http.StatusOK, "ok", summary)
}

// FleetSummary 集群汇总
func (h *MetricsHandler) FleetSummary(c *gin.Context) {
	summary, err := h.ingestion.FleetSummary(c.Request.Context())
	if err != nil {
		common.Fail(c, err, "handler.metrics.FleetSummary")
		return
	}
	common.Success(c, http.StatusOK, "ok", summary)
}

// Trends 趋势分析，hours 默认24，最大720
func (h *MetricsHandler) Trends(c *gin.Context) {
	hours := 0
	if raw := c.Query("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			common.Fail(c, system.NewBadRequestError("hours must be a positive integer"), "handler.metrics.Trends")
			return
		}
		hours = n
	}
	agentID := c.Param("agent_id")
	if _, err := h.registry.Get(c.Request.Context(), agentID); err != nil {
		common.Fail(c, err, "handler.metrics.Trends")
		return
	}
	report, err := h.query.Trends(c.Request.Context(), agentID, hours)
	if err != nil {
		common.Fail(c, err, "handler.metrics.Trends")
		return
	}
	common.Success(c, http.StatusOK, "ok", report)
}
