/**
 * 告警处理器
 * @author: sun977
 * @date: 2025.10.31
 * @description: 告警实例查询、确认、手动恢复，告警规则的创建/修改/停用
 * @func: List/Get/Acknowledge/Resolve, CreateRule/ListRules/GetRule/UpdateRule/DeleteRule
 */
package alert

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"agentmonitor/internal/handler/common"
	alertModel "agentmonitor/internal/model/alert"
	alertService "agentmonitor/internal/service/alert"
)

// AlertHandler 告警处理器
// 所有状态变化都经过告警引擎
type AlertHandler struct {
	engine alertService.AlertEngine
}

// NewAlertHandler 创建告警处理器
func NewAlertHandler(engine alertService.AlertEngine) *AlertHandler {
	return &AlertHandler{engine: engine}
}

// List 告警列表
func (h *AlertHandler) List(c *gin.Context) {
	var filter alertModel.ListFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		common.BindFailed(c, err, "handler.alert.List")
		return
	}
	alerts, err := h.engine.List(c.Request.Context(), filter)
	if err != nil {
		common.Fail(c, err, "handler.alert.List")
		return
	}
	common.Success(c, http.StatusOK, "ok", gin.H{
		"total":  len(alerts),
		"alerts": alerts,
	})
}

// Get 告警详情
func (h *AlertHandler) Get(c *gin.Context) {
	instance, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.Fail(c, err, "handler.alert.Get")
		return
	}
	common.Success(c, http.StatusOK, "ok", instance)
}

// Acknowledge 确认告警，请求体里的 by 优先于 X-Actor
func (h *AlertHandler) Acknowledge(c *gin.Context) {
	var req alertModel.AcknowledgeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			common.BindFailed(c, err, "handler.alert.Acknowledge")
			return
		}
	}
	if req.By == "" {
		req.By = common.Actor(c)
	}
	instance, err := h.engine.Acknowledge(c.Request.Context(), c.Param("id"), req.By)
	if err != nil {
		common.Fail(c, err, "handler.alert.Acknowledge")
		return
	}
	common.Success(c, http.StatusOK, "alert acknowledged", instance)
}

// Resolve 手动恢复告警，重复调用返回已恢复的实例
func (h *AlertHandler) Resolve(c *gin.Context) {
	var req alertModel.AcknowledgeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			common.BindFailed(c, err, "handler.alert.Resolve")
			return
		}
	}
	if req.By == "" {
		req.By = common.Actor(c)
	}
	instance, err := h.engine.Resolve(c.Request.Context(), c.Param("id"), req.By)
	if err != nil {
		common.Fail(c, err, "handler.alert.Resolve")
		return
	}
	common.Success(c, http.StatusOK, "alert resolved", instance)
}

// CreateRule 创建规则
func (h *AlertHandler) CreateRule(c *gin.Context) {
	var req alertModel.CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.BindFailed(c, err, "handler.alert.CreateRule")
		return
	}
	actor := req.CreatedBy
	if actor == "" {
		actor = common.Actor(c)
	}
	rule, err := h.engine.CreateRule(c.Request.Context(), &req, actor)
	if err != nil {
		common.Fail(c, err, "handler.alert.CreateRule")
		return
	}
	common.Success(c, http.StatusCreated, "alert rule created", rule)
}

// ListRules 规则列表
func (h *AlertHandler) ListRules(c *gin.Context) {
	rules, err := h.engine.ListRules(c.Request.Context())
	if err != nil {
		common.Fail(c, err, "handler.alert.ListRules")
		return
	}
	common.Success(c, http.StatusOK, "ok", gin.H{
		"total": len(rules),
		"rules": rules,
	})
}

// GetRule 规则详情
func (h *AlertHandler) GetRule(c *gin.Context) {
	rule, err := h.engine.GetRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.Fail(c, err, "handler.alert.GetRule")
		return
	}
	common.Success(c, http.StatusOK, "ok", rule)
}

// UpdateRule 启停或修改阈值
func (h *AlertHandler) UpdateRule(c *gin.Context) {
	var req alertModel.UpdateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.BindFailed(c, err, "handler.alert.UpdateRule")
		return
	}
	rule, err := h.engine.UpdateRule(c.Request.Context(), c.Param("id"), &req, common.Actor(c))
	if err != nil {
		common.Fail(c, err, "handler.alert.UpdateRule")
		return
	}
	common.Success(c, http.StatusOK, "alert rule updated", rule)
}

// DeleteRule 停用规则，规则本身保留
func (h *AlertHandler) DeleteRule(c *gin.Context) {
	rule, err := h.engine.DisableRule(c.Request.Context(), c.Param("id"), common.Actor(c))
	if err != nil {
		common.Fail(c, err, "handler.alert.DeleteRule")
		return
	}
	common.Success(c, http.StatusOK, "alert rule disabled", rule)
}
