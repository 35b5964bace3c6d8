/**
 * 模型:Agent 请求模型
 * @author: sun977
 * @date: 2025.10.21
 * @description: 注册、心跳、维护、配置更新、列表过滤的请求结构体
 * @func: RegisterRequest/HeartbeatRequest/MaintenanceRequest/ConfigUpdateRequest/ListFilter
 */
package agent

import "time"

// RegisterRequest 注册请求
// 必填: name, type, deployment_type, host, environment
type RegisterRequest struct {
	AgentID        string                 `json:"agent_id,omitempty" validate:"omitempty,max=64"`
	Name           string                 `json:"name" validate:"required,max=255"`
	Type           AgentType              `json:"type" validate:"required,oneof=llm ml chatbot api workflow task data monitor custom"`
	Version        string                 `json:"version" validate:"max=50"`
	Description    string                 `json:"description" validate:"max=1000"`
	DeploymentType DeploymentType         `json:"deployment_type" validate:"required,oneof=docker kubernetes local cloud serverless edge"`
	Host           string                 `json:"host" validate:"required,max=255"`
	Port           int                    `json:"port" validate:"gte=0,lte=65535"`
	Environment    string                 `json:"environment" validate:"required,max=50"`
	Tags           []string               `json:"tags" validate:"max=32,dive,max=64"`
	Config         map[string]interface{} `json:"config"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// HeartbeatRequest 心跳请求，两个字段都可选
type HeartbeatRequest struct {
	Status    AgentStatus `json:"status,omitempty"`
	Timestamp *time.Time  `json:"timestamp,omitempty"`
}

// MaintenanceRequest 维护模式开关
type MaintenanceRequest struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason"`
}

// ConfigUpdateRequest 配置更新请求
// secrets 中列出的键以密文存储
type ConfigUpdateRequest struct {
	Config  map[string]interface{} `json:"config"`
	Secrets []string               `json:"secrets"`
}

// ListFilter Agent 列表过滤条件
type ListFilter struct {
	Status      AgentStatus `form:"status"`
	Environment string      `form:"environment"`
	Type        AgentType   `form:"type"`
	Tag         string      `form:"tag"`
	Page        int         `form:"page"`
	PageSize    int         `form:"page_size"`
}
