/**
 * Agent处理器层:Agent HTTP请求处理
 * @author: sun977
 * @date: 2025.10.31
 * @description: 注册、心跳、注销、维护、配置、查询等注册中心接口，以及指标上报和实时推送
 * @func: Register/Get/Summary/Heartbeat/Deregister/SetMaintenance/UpdateConfig/GetConfig/List
 */
package agent

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"agentmonitor/internal/handler/common"
	agentModel "agentmonitor/internal/model/agent"
	"agentmonitor/internal/service/ingestion"
	"agentmonitor/internal/service/registry"
	"agentmonitor/internal/service/stream"
)

// AgentHandler Agent处理器
type AgentHandler struct {
	registry  registry.RegistryService
	ingestion ingestion.IngestionService
	hub       *stream.Hub
}

// NewAgentHandler 创建Agent处理器实例，hub 为 nil 时不提供实时推送
func NewAgentHandler(registryService registry.RegistryService, ingestionService ingestion.IngestionService, hub *stream.Hub) *AgentHandler {
	return &AgentHandler{
		registry:  registryService,
		ingestion: ingestionService,
		hub:       hub,
	}
}

// bindOptionalJSON 请求体可以为空
func bindOptionalJSON(c *gin.Context, obj interface{}) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Register Agent注册，新注册返回201，命中已有身份返回200
func (h *AgentHandler) Register(c *gin.Context) {
	var req agentModel.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.BindFailed(c, err, "handler.agent.Register")
		return
	}
	resp, err := h.registry.Register(c.Request.Context(), &req, common.Actor(c))
	if err != nil {
		common.Fail(c, err, "handler.agent.Register")
		return
	}
	status := http.StatusOK
	if resp.Registered {
		status = http.StatusCreated
	}
	common.Success(c, status, "agent registered", resp)
}

// Get 获取Agent信息
func (h *AgentHandler) Get(c *gin.Context) {
	a, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.Fail(c, err, "handler.agent.Get")
		return
	}
	common.Success(c, http.StatusOK, "ok", a)
}

// Summary Agent状态摘要(含健康分)
func (h *AgentHandler) Summary(c *gin.Context) {
	summary, err := h.registry.Summary(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.Fail(c, err, "handler.agent.Summary")
		return
	}
	common.Success(c, http.StatusOK, "ok", summary)
}

// Heartbeat 心跳，请求体可选
func (h *AgentHandler) Heartbeat(c *gin.Context) {
	var req agentModel.HeartbeatRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		common.BindFailed(c, err, "handler.agent.Heartbeat")
		return
	}
	a, err := h.registry.Heartbeat(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		common.Fail(c, err, "handler.agent.Heartbeat")
		return
	}
	common.Success(c, http.StatusOK, "heartbeat accepted", gin.H{
		"agent_id":  a.AgentID,
		"status":    a.Status,
		"last_seen": a.LastSeen,
	})
}

// Deregister 注销Agent，保留历史
func (h *AgentHandler) Deregister(c *gin.Context) {
	agentID := c.Param("id")
	if err := h.registry.Deregister(c.Request.Context(), agentID, common.Actor(c)); err != nil {
		common.Fail(c, err, "handler.agent.Deregister")
		return
	}
	common.Success(c, http.StatusOK, "agent deregistered", gin.H{"agent_id": agentID})
}

// SetMaintenance 进入/退出维护
func (h *AgentHandler) SetMaintenance(c *gin.Context) {
	var req agentModel.MaintenanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.BindFailed(c, err, "handler.agent.SetMaintenance")
		return
	}
	a, err := h.registry.SetMaintenance(c.Request.Context(), c.Param("id"), req.Enabled, req.Reason, common.Actor(c))
	if err != nil {
		common.Fail(c, err, "handler.agent.SetMaintenance")
		return
	}
	common.Success(c, http.StatusOK, "maintenance updated", a)
}

// UpdateConfig 更新Agent配置项
func (h *AgentHandler) UpdateConfig(c *gin.Context) {
	var req agentModel.ConfigUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.BindFailed(c, err, "handler.agent.UpdateConfig")
		return
	}
	rows, err := h.registry.UpdateConfig(c.Request.Context(), c.Param("id"), &req, common.Actor(c))
	if err != nil {
		common.Fail(c, err, "handler.agent.UpdateConfig")
		return
	}
	common.Success(c, http.StatusOK, "configuration updated", rows)
}

// GetConfig 读取Agent配置项，密文字段已脱敏
func (h *AgentHandler) GetConfig(c *gin.Context) {
	rows, err := h.registry.GetConfig(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.Fail(c, err, "handler.agent.GetConfig")
		return
	}
	common.Success(c, http.StatusOK, "ok", rows)
}

// List 分页列出Agent
func (h *AgentHandler) List(c *gin.Context) {
	var filter agentModel.ListFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		common.BindFailed(c, err, "handler.agent.List")
		return
	}
	resp, err := h.registry.List(c.Request.Context(), filter)
	if err != nil {
		common.Fail(c, err, "handler.agent.List")
		return
	}
	common.Success(c, http.StatusOK, "ok", resp)
}
