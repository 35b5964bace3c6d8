/**
 * 模型:告警规则与告警实例
 * @author: sun977
 * @date: 2025.10.23
 * @description: 告警规则(条件树、作用范围、防抖/升级参数)，告警实例生命周期，通知投递记录
 * @func: AlertRule/AlertInstance/AlertNotification, Severity/AlertState 枚举
 */
package alert

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"agentmonitor/internal/model/basemodel"
	"agentmonitor/internal/pkg/rule_engine"
)

// Severity 告警级别
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Rank 级别排序值，越大越严重；未知级别为0
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// IsValid 是否为合法级别
func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

// Elevate 升级一级，critical 保持不变
func (s Severity) Elevate() Severity {
	switch s {
	case SeverityInfo:
		return SeverityWarning
	case SeverityWarning:
		return SeverityError
	default:
		return SeverityCritical
	}
}

// AlertState 告警实例状态
type AlertState string

const (
	StateTriggered    AlertState = "triggered"
	StateActive       AlertState = "active"
	StateEscalated    AlertState = "escalated"
	StateAcknowledged AlertState = "acknowledged"
	StateResolved     AlertState = "resolved"
)

// IsOpen 是否为未恢复状态
func (s AlertState) IsOpen() bool {
	return s != StateResolved && s != ""
}

// SystemAgentID 自监控告警使用的保留 Agent 标识
const SystemAgentID = "_system"

// SystemRulePrefix 自监控告警使用的保留规则前缀
const SystemRulePrefix = "system."

// ConditionJSON 条件树的数据库JSON字段
type ConditionJSON rule_engine.Condition

// Scan 实现sql.Scanner接口
func (c *ConditionJSON) Scan(value interface{}) error {
	var b []byte
	switch v := value.(type) {
	case nil:
		*c = ConditionJSON{}
		return nil
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return fmt.Errorf("无法将 %T 转换为 ConditionJSON", value)
	}
	return json.Unmarshal(b, (*rule_engine.Condition)(c))
}

// Value 实现driver.Valuer接口
func (c ConditionJSON) Value() (driver.Value, error) {
	b, err := json.Marshal(rule_engine.Condition(c))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// MarshalJSON 直接输出条件树
func (c ConditionJSON) MarshalJSON() ([]byte, error) {
	return json.Marshal(rule_engine.Condition(c))
}

// UnmarshalJSON 直接解析条件树
func (c *ConditionJSON) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, (*rule_engine.Condition)(c))
}

// Tree 转为条件树
func (c ConditionJSON) Tree() rule_engine.Condition {
	return rule_engine.Condition(c)
}

// AlertRule 告警规则
// 创建后只允许修改 enabled 和阈值，阈值修改使 version 加一
type AlertRule struct {
	basemodel.BaseModel

	RuleID        string                `json:"rule_id" gorm:"uniqueIndex;size:128;not null;comment:规则标识"`
	Name          string                `json:"name" gorm:"size:255;not null;comment:规则名称"`
	Description   string                `json:"description" gorm:"size:1000;comment:描述"`
	Metric        string                `json:"metric" gorm:"size:128;comment:主目标指标"`
	Condition     ConditionJSON         `json:"condition" gorm:"type:json;comment:条件树"`
	Severity      Severity              `json:"severity" gorm:"size:20;not null;comment:级别"`
	Enabled       bool                  `json:"enabled" gorm:"index;comment:是否启用"`
	AgentIDs      basemodel.StringSlice `json:"agent_ids" gorm:"type:json;comment:作用Agent，空为全部"`
	Environments  basemodel.StringSlice `json:"environments" gorm:"type:json;comment:作用环境，空为全部"`
	AgentTypes    basemodel.StringSlice `json:"agent_types" gorm:"type:json;comment:作用Agent类型，空为全部"`
	ForDuration   int                   `json:"for_duration" gorm:"default:0;comment:触发持续秒数"`
	ResolveAfter  int                   `json:"resolve_after" gorm:"default:0;comment:恢复防抖秒数，0使用默认"`
	EscalateAfter int                   `json:"escalate_after" gorm:"default:0;comment:升级超时秒数，0使用默认"`
	Channels      basemodel.StringSlice `json:"channels" gorm:"type:json;comment:通知通道，空为默认通道"`
	CreatedBy     string                `json:"created_by" gorm:"size:100;comment:创建者"`
	Version       int                   `json:"version" gorm:"default:1;comment:版本"`
}

// TableName 定义表名
func (AlertRule) TableName() string {
	return "alert_rules"
}

// AppliesTo 规则是否作用于该Agent
func (r *AlertRule) AppliesTo(agentID, environment, agentType string) bool {
	if len(r.AgentIDs) > 0 && !r.AgentIDs.Contains(agentID) {
		return false
	}
	if len(r.Environments) > 0 && !r.Environments.Contains(environment) {
		return false
	}
	if len(r.AgentTypes) > 0 && !r.AgentTypes.Contains(agentType) {
		return false
	}
	return true
}

// AlertInstance 告警实例
// ActiveKey 在未恢复期间为 <rule_id>/<agent_id>，恢复后置空；唯一索引保证同一(规则,Agent)最多一个未恢复实例
type AlertInstance struct {
	basemodel.BaseModel

	AlertID            string            `json:"alert_id" gorm:"uniqueIndex;size:64;not null;comment:告警标识"`
	RuleID             string            `json:"rule_id" gorm:"size:128;index;not null;comment:规则标识"`
	AgentID            string            `json:"agent_id" gorm:"size:64;index;not null;comment:Agent标识"`
	ActiveKey          *string           `json:"-" gorm:"uniqueIndex;size:200;comment:未恢复唯一键"`
	State              AlertState        `json:"state" gorm:"size:20;index;not null;comment:状态"`
	Severity           Severity          `json:"severity" gorm:"size:20;comment:当前级别(升级后可能提高)"`
	Message            string            `json:"message" gorm:"size:1000;comment:告警消息"`
	CurrentValue       float64           `json:"current_value" gorm:"comment:最近观测值"`
	ThresholdAtTrigger float64           `json:"threshold_at_trigger" gorm:"comment:触发时阈值"`
	RuleVersion        int               `json:"rule_version" gorm:"comment:触发时规则版本"`
	TriggeredAt        time.Time         `json:"triggered_at" gorm:"index;comment:触发时间"`
	ActivatedAt        *time.Time        `json:"activated_at,omitempty"`
	LastTrueAt         time.Time         `json:"last_true_at"`
	FalseSince         *time.Time        `json:"false_since,omitempty"`
	AcknowledgedAt     *time.Time        `json:"acknowledged_at,omitempty"`
	AcknowledgedBy     string            `json:"acknowledged_by,omitempty" gorm:"size:100"`
	EscalatedAt        *time.Time        `json:"escalated_at,omitempty"`
	ResolvedAt         *time.Time        `json:"resolved_at,omitempty"`
	ResolvedBy         string            `json:"resolved_by,omitempty" gorm:"size:100"`
	NotifyCount        int               `json:"notify_count" gorm:"default:0"`
	Details            basemodel.JSONMap `json:"details" gorm:"type:json"`
}

// TableName 定义表名
func (AlertInstance) TableName() string {
	return "alert_instances"
}

// ActiveKeyFor 生成未恢复唯一键
func ActiveKeyFor(ruleID, agentID string) string {
	return ruleID + "/" + agentID
}

// IsOpen 是否未恢复
func (a *AlertInstance) IsOpen() bool {
	return a.State.IsOpen()
}

// NotificationStatus 通知投递状态
type NotificationStatus string

const (
	NotificationSent             NotificationStatus = "sent"
	NotificationFailed           NotificationStatus = "failed"
	NotificationPermanentFailure NotificationStatus = "permanent_failure"
)

// AlertNotification 通知投递记录，每个告警每次批量投递一条
type AlertNotification struct {
	basemodel.BaseModel

	AlertID      string             `json:"alert_id" gorm:"size:64;index;not null"`
	Channel      string             `json:"channel" gorm:"size:100;not null"`
	Status       NotificationStatus `json:"status" gorm:"size:30;not null"`
	Attempts     int                `json:"attempts"`
	ErrorMessage string             `json:"error_message" gorm:"size:1000"`
	SentAt       *time.Time         `json:"sent_at,omitempty"`
}

// TableName 定义表名
func (AlertNotification) TableName() string {
	return "alert_notifications"
}

// EventType 通知事件类型
type EventType string

const (
	EventTriggered EventType = "triggered"
	EventEscalated EventType = "escalated"
	EventResolved  EventType = "resolved"
)

// AlertEvent 告警引擎交给通知路由的事件，Alert 为事件发生时的快照
type AlertEvent struct {
	Type     EventType     `json:"type"`
	Alert    AlertInstance `json:"alert"`
	RuleName string        `json:"rule_name"`
	Channels []string      `json:"-"`
	At       time.Time     `json:"at"`
}
