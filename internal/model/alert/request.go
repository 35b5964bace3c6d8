package alert

import "agentmonitor/internal/pkg/rule_engine"

// CreateRuleRequest 创建规则请求
// condition 为空时由 metric/operator/threshold 组成单条件
type CreateRuleRequest struct {
	RuleID        string                 `json:"rule_id,omitempty" yaml:"rule_id" validate:"omitempty,max=128"`
	Name          string                 `json:"name" yaml:"name" validate:"required,max=255"`
	Description   string                 `json:"description" yaml:"description" validate:"max=1000"`
	Metric        string                 `json:"metric" yaml:"metric"`
	Operator      string                 `json:"operator" yaml:"operator"`
	Threshold     *float64               `json:"threshold" yaml:"threshold"`
	Condition     *rule_engine.Condition `json:"condition,omitempty" yaml:"condition"`
	Severity      Severity               `json:"severity" yaml:"severity" validate:"required,oneof=info warning error critical"`
	Enabled       *bool                  `json:"enabled" yaml:"enabled"`
	AgentIDs      []string               `json:"agent_ids" yaml:"agent_ids"`
	Environments  []string               `json:"environments" yaml:"environments"`
	AgentTypes    []string               `json:"agent_types" yaml:"agent_types"`
	ForDuration   int                    `json:"for_duration" yaml:"for_duration" validate:"gte=0"`
	ResolveAfter  int                    `json:"resolve_after" yaml:"resolve_after" validate:"gte=0"`
	EscalateAfter int                    `json:"escalate_after" yaml:"escalate_after" validate:"gte=0"`
	Channels      []string               `json:"channels" yaml:"channels"`
	CreatedBy     string                 `json:"created_by" yaml:"created_by"`
}

// UpdateRuleRequest 规则更新请求，仅允许启停和修改阈值
// thresholds 以指标名为键；单条件规则也可直接传 threshold
type UpdateRuleRequest struct {
	Enabled    *bool              `json:"enabled"`
	Threshold  *float64           `json:"threshold"`
	Thresholds map[string]float64 `json:"thresholds"`
}

// AcknowledgeRequest 确认请求
type AcknowledgeRequest struct {
	By string `json:"by"`
}

// ListFilter 告警列表过滤条件
type ListFilter struct {
	State      AlertState `form:"state"`
	AgentID    string     `form:"agent_id"`
	RuleID     string     `form:"rule_id"`
	Severity   Severity   `form:"severity"`
	ActiveOnly bool       `form:"active"`
	Limit      int        `form:"limit"`
}

// RuleSeedFile 规则种子文件(configs/rules.yaml)结构
type RuleSeedFile struct {
	Rules []CreateRuleRequest `yaml:"rules"`
}
