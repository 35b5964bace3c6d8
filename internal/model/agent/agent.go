/**
 * 模型:Agent 核心模型
 * @author: sun977
 * @date: 2025.10.21
 * @description: 被监控 Agent 的注册信息、状态枚举和配置项，状态只能经注册中心状态机修改
 * @func: Agent/AgentConfiguration 实体，状态、类型、部署方式枚举
 */
package agent

import (
	"time"

	"agentmonitor/internal/model/basemodel"
)

// ============================================================================
// 枚举常量定义
// ============================================================================

// AgentStatus Agent状态枚举
type AgentStatus string

const (
	AgentStatusUnknown      AgentStatus = "unknown"      // 已注册，尚未收到心跳或指标
	AgentStatusOnline       AgentStatus = "online"       // 在线
	AgentStatusWarning      AgentStatus = "warning"      // 告警(非关键健康检查失败或warning级告警)
	AgentStatusError        AgentStatus = "error"        // 错误(关键检查失败、严重告警或心跳超出宽限期)
	AgentStatusOffline      AgentStatus = "offline"      // 离线(超过 offline_timeout 无心跳)
	AgentStatusMaintenance  AgentStatus = "maintenance"  // 维护(仅运维手动进入/退出)
	AgentStatusDeregistered AgentStatus = "deregistered" // 已注销(终态，保留历史)
)

// IsValid 是否为合法状态
func (s AgentStatus) IsValid() bool {
	switch s {
	case AgentStatusUnknown, AgentStatusOnline, AgentStatusWarning, AgentStatusError,
		AgentStatusOffline, AgentStatusMaintenance, AgentStatusDeregistered:
		return true
	}
	return false
}

// AllAgentStatuses 全部状态(仪表盘统计使用，保持固定顺序)
var AllAgentStatuses = []AgentStatus{
	AgentStatusUnknown, AgentStatusOnline, AgentStatusWarning, AgentStatusError,
	AgentStatusOffline, AgentStatusMaintenance, AgentStatusDeregistered,
}

// AgentType Agent类型枚举
type AgentType string

const (
	AgentTypeLLM      AgentType = "llm"
	AgentTypeML       AgentType = "ml"
	AgentTypeChatbot  AgentType = "chatbot"
	AgentTypeAPI      AgentType = "api"
	AgentTypeWorkflow AgentType = "workflow"
	AgentTypeTask     AgentType = "task"
	AgentTypeData     AgentType = "data"
	AgentTypeMonitor  AgentType = "monitor"
	AgentTypeCustom   AgentType = "custom"
)

// DeploymentType 部署方式枚举
type DeploymentType string

const (
	DeploymentDocker     DeploymentType = "docker"
	DeploymentKubernetes DeploymentType = "kubernetes"
	DeploymentLocal      DeploymentType = "local"
	DeploymentCloud      DeploymentType = "cloud"
	DeploymentServerless DeploymentType = "serverless"
	DeploymentEdge       DeploymentType = "edge"
)

// ============================================================================
// 核心实体：Agent
// ============================================================================

// Agent 被监控的 Agent，永不物理删除
type Agent struct {
	basemodel.BaseModel

	AgentID        string                `json:"agent_id" gorm:"uniqueIndex;not null;size:64;comment:Agent唯一标识(uuid)"`
	Name           string                `json:"name" gorm:"size:255;not null;comment:名称"`
	Type           AgentType             `json:"type" gorm:"column:agent_type;size:20;index;comment:Agent类型"`
	Version        string                `json:"version" gorm:"size:50;comment:版本"`
	Description    string                `json:"description" gorm:"size:1000;comment:描述"`
	DeploymentType DeploymentType        `json:"deployment_type" gorm:"size:20;comment:部署方式"`
	Host           string                `json:"host" gorm:"size:255;comment:主机地址"`
	Port           int                   `json:"port" gorm:"comment:服务端口"`
	Environment    string                `json:"environment" gorm:"size:50;index;comment:运行环境"`
	Tags           basemodel.StringSlice `json:"tags" gorm:"type:json;comment:标签列表"`
	Config         basemodel.JSONMap     `json:"config" gorm:"type:json;comment:注册时提交的配置"`
	Metadata       basemodel.JSONMap     `json:"metadata" gorm:"type:json;comment:元数据"`
	RegisteredAt   time.Time             `json:"registered_at" gorm:"comment:注册时间"`
	LastSeen       time.Time             `json:"last_seen" gorm:"index;comment:最后心跳/指标时间"`
	LastMetricsAt  *time.Time            `json:"last_metrics_at,omitempty" gorm:"comment:最后指标时间"`
	Status         AgentStatus           `json:"status" gorm:"size:20;index;default:unknown;comment:状态"`
	StatusReason   string                `json:"status_reason,omitempty" gorm:"size:500;comment:状态变化原因"`
	IdentityHash   string                `json:"-" gorm:"uniqueIndex;size:64;comment:host|name|environment 的 blake2b 摘要"`
}

// TableName 定义表名
func (Agent) TableName() string {
	return "agents"
}

// IsDeregistered 是否已注销
func (a *Agent) IsDeregistered() bool {
	return a.Status == AgentStatusDeregistered
}

// IsMaintenance 是否处于维护状态
func (a *Agent) IsMaintenance() bool {
	return a.Status == AgentStatusMaintenance
}

// HasTag 是否带有指定标签
func (a *Agent) HasTag(tag string) bool {
	return a.Tags.Contains(tag)
}

// SeenWithin last_seen 是否在 d 以内
func (a *Agent) SeenWithin(now time.Time, d time.Duration) bool {
	return now.Sub(a.LastSeen) <= d
}

// ============================================================================
// Agent 配置项
// ============================================================================

// ConfigType 配置值类型
type ConfigType string

const (
	ConfigTypeString  ConfigType = "string"
	ConfigTypeInteger ConfigType = "integer"
	ConfigTypeFloat   ConfigType = "float"
	ConfigTypeBoolean ConfigType = "boolean"
	ConfigTypeJSON    ConfigType = "json"
)

// SecretMask 密文配置读取时的掩码
const SecretMask = "******"

// AgentConfiguration Agent 配置键值，(agent_id, config_key) 唯一
type AgentConfiguration struct {
	basemodel.BaseModel

	AgentID     string     `json:"agent_id" gorm:"uniqueIndex:idx_agent_config_key;size:64;not null;comment:Agent标识"`
	ConfigKey   string     `json:"config_key" gorm:"uniqueIndex:idx_agent_config_key;size:255;not null;comment:配置键"`
	ConfigValue string     `json:"config_value" gorm:"type:text;comment:配置值(统一以字符串存储)"`
	ConfigType  ConfigType `json:"config_type" gorm:"size:20;default:string;comment:配置值类型"`
	IsSecret    bool       `json:"is_secret" gorm:"default:false;comment:是否为密文"`
}

// TableName 定义表名
func (AgentConfiguration) TableName() string {
	return "agent_configurations"
}

// Masked 返回用于展示的副本，密文值替换为掩码
func (c AgentConfiguration) Masked() AgentConfiguration {
	if c.IsSecret {
		c.ConfigValue = SecretMask
	}
	return c
}
