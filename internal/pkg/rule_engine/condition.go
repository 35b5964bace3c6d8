package rule_engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Operator 比较操作符
type Operator string

const (
	OpGreater      Operator = "gt"
	OpGreaterEqual Operator = "ge"
	OpLess         Operator = "lt"
	OpLessEqual    Operator = "le"
	OpEqual        Operator = "eq"
	OpNotEqual     Operator = "ne"
)

// Logic 组合逻辑
type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// 兼容常见写法: > >= < <= == !=
var operatorAliases = map[string]Operator{
	">":  OpGreater,
	">=": OpGreaterEqual,
	"<":  OpLess,
	"<=": OpLessEqual,
	"==": OpEqual,
	"=":  OpEqual,
	"!=": OpNotEqual,
}

// Condition 条件树
// 叶子节点: {"metric":"cpu_usage_percent","op":"gt","threshold":80}
// 组合节点: {"logic":"and","conditions":[...]}
type Condition struct {
	Metric     string      `json:"metric,omitempty" yaml:"metric,omitempty"`
	Op         Operator    `json:"op,omitempty" yaml:"op,omitempty"`
	Threshold  float64     `json:"threshold" yaml:"threshold"`
	Logic      Logic       `json:"logic,omitempty" yaml:"logic,omitempty"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// IsLeaf 是否为叶子条件
func (c Condition) IsLeaf() bool {
	return c.Logic == "" && len(c.Conditions) == 0
}

// Normalize 统一操作符和逻辑的写法(小写、别名转换)
func (c *Condition) Normalize() {
	if op, ok := operatorAliases[strings.TrimSpace(string(c.Op))]; ok {
		c.Op = op
	} else {
		c.Op = Operator(strings.ToLower(strings.TrimSpace(string(c.Op))))
	}
	c.Logic = Logic(strings.ToLower(strings.TrimSpace(string(c.Logic))))
	c.Metric = strings.TrimSpace(c.Metric)
	for i := range c.Conditions {
		c.Conditions[i].Normalize()
	}
}

// Validate 校验条件树；knownMetric 为空时不校验指标名
// 组合节点只允许一层，子条件必须是叶子
func (c Condition) Validate(knownMetric func(string) bool) error {
	if c.IsLeaf() {
		if c.Metric == "" {
			return fmt.Errorf("condition metric is required")
		}
		if knownMetric != nil && !knownMetric(c.Metric) {
			return fmt.Errorf("unknown metric: %s", c.Metric)
		}
		switch c.Op {
		case OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual, OpNotEqual:
		default:
			return fmt.Errorf("unsupported operator: %s", c.Op)
		}
		return nil
	}

	if c.Logic != LogicAnd && c.Logic != LogicOr {
		return fmt.Errorf("unsupported logic: %s", c.Logic)
	}
	if len(c.Conditions) == 0 {
		return fmt.Errorf("composite condition requires at least one sub condition")
	}
	for i, sub := range c.Conditions {
		if !sub.IsLeaf() {
			return fmt.Errorf("conditions[%d]: nested composite conditions are not supported", i)
		}
		if err := sub.Validate(knownMetric); err != nil {
			return fmt.Errorf("conditions[%d]: %w", i, err)
		}
	}
	return nil
}

// Metrics 条件树引用的指标名(去重，保持出现顺序)
func (c Condition) Metrics() []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(Condition)
	walk = func(n Condition) {
		if n.IsLeaf() {
			if !seen[n.Metric] {
				seen[n.Metric] = true
				out = append(out, n.Metric)
			}
			return
		}
		for _, sub := range n.Conditions {
			walk(sub)
		}
	}
	walk(c)
	return out
}

// String 人类可读的条件描述，用于告警消息
func (c Condition) String() string {
	if c.IsLeaf() {
		return fmt.Sprintf("%s %s %g", c.Metric, c.Op, c.Threshold)
	}
	parts := make([]string, 0, len(c.Conditions))
	for _, sub := range c.Conditions {
		parts = append(parts, sub.String())
	}
	return "(" + strings.Join(parts, " "+string(c.Logic)+" ") + ")"
}

// ParseCondition 从JSON解析并规范化条件树
func ParseCondition(raw []byte) (Condition, error) {
	var c Condition
	if err := json.Unmarshal(raw, &c); err != nil {
		return Condition{}, fmt.Errorf("invalid condition json: %w", err)
	}
	c.Normalize()
	return c, nil
}

// WithThresholds 按指标名替换叶子阈值，返回新的条件树
func (c Condition) WithThresholds(thresholds map[string]float64) Condition {
	out := c
	if c.IsLeaf() {
		if v, ok := thresholds[c.Metric]; ok {
			out.Threshold = v
		}
		return out
	}
	out.Conditions = make([]Condition, len(c.Conditions))
	for i, sub := range c.Conditions {
		out.Conditions[i] = sub.WithThresholds(thresholds)
	}
	return out
}
