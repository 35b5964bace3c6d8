package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	alertModel "agentmonitor/internal/model/alert"
	"agentmonitor/internal/model/metrics"
	"agentmonitor/internal/model/system"
	"agentmonitor/internal/pkg/logger"
	"agentmonitor/internal/pkg/rule_engine"
	"agentmonitor/internal/pkg/validate"
)

// BuildRule 由创建请求构造规则并校验
// condition 为空时由 metric/operator/threshold 组成单条件
func BuildRule(req *alertModel.CreateRuleRequest, actor string) (*alertModel.AlertRule, error) {
	if req == nil {
		return nil, system.NewValidationError("rule definition is required")
	}
	fields := validate.Struct(req)

	var cond rule_engine.Condition
	switch {
	case req.Condition != nil:
		cond = *req.Condition
	case req.Metric != "" && req.Operator != "" && req.Threshold != nil:
		cond = rule_engine.Condition{Metric: req.Metric, Op: rule_engine.Operator(req.Operator), Threshold: *req.Threshold}
	default:
		fields = append(fields, system.ValidationError{Field: "condition", Message: "condition or metric/operator/threshold is required"})
	}
	cond.Normalize()
	if len(fields) == 0 {
		if err := cond.Validate(metrics.IsKnownMetric); err != nil {
			fields = append(fields, system.ValidationError{Field: "condition", Message: err.Error()})
		}
	}

	ruleID := strings.TrimSpace(req.RuleID)
	if strings.HasPrefix(ruleID, alertModel.SystemRulePrefix) {
		fields = append(fields, system.ValidationError{Field: "rule_id", Message: "prefix " + alertModel.SystemRulePrefix + " is reserved"})
	}
	if len(fields) > 0 {
		return nil, system.NewValidationError("invalid alert rule", fields...)
	}
	if ruleID == "" {
		ruleID = uuid.New().String()
	}

	metric := strings.TrimSpace(req.Metric)
	if metric == "" || !contains(cond.Metrics(), metric) {
		metric = cond.Metrics()[0]
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	createdBy := req.CreatedBy
	if createdBy == "" {
		createdBy = actor
	}
	return &alertModel.AlertRule{
		RuleID:        ruleID,
		Name:          req.Name,
		Description:   req.Description,
		Metric:        metric,
		Condition:     alertModel.ConditionJSON(cond),
		Severity:      req.Severity,
		Enabled:       enabled,
		AgentIDs:      req.AgentIDs,
		Environments:  req.Environments,
		AgentTypes:    req.AgentTypes,
		ForDuration:   req.ForDuration,
		ResolveAfter:  req.ResolveAfter,
		EscalateAfter: req.EscalateAfter,
		Channels:      req.Channels,
		CreatedBy:     createdBy,
		Version:       1,
	}, nil
}

func contains(items []string, v string) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}

// CreateRule 创建规则
func (e *engine) CreateRule(ctx context.Context, req *alertModel.CreateRuleRequest, actor string) (*alertModel.AlertRule, error) {
	rule, err := BuildRule(req, actor)
	if err != nil {
		return nil, err
	}
	if err := e.ruleRepo.Create(ctx, rule); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, system.NewConflictError(err, "rule %s already exists", rule.RuleID)
		}
		return nil, system.NewTransientStorageError(err, "create rule")
	}
	e.reloadQuietly(ctx)
	e.audit(ctx, actor, system.AuditRuleCreate, "alert_rule", rule.RuleID, nil, map[string]interface{}{
		"name":      rule.Name,
		"condition": rule.Condition.Tree().String(),
		"severity":  string(rule.Severity),
		"enabled":   rule.Enabled,
	})
	logger.LogBusinessOperation("create_alert_rule", actorOr(actor), "", "", "success", "alert rule created", map[string]interface{}{
		"rule_id": rule.RuleID,
	})
	return rule, nil
}

// UpdateRule 只允许启停和修改阈值，阈值变化时版本号加一，已有实例保留触发时的阈值
func (e *engine) UpdateRule(ctx context.Context, ruleID string, req *alertModel.UpdateRuleRequest, actor string) (*alertModel.AlertRule, error) {
	if req == nil || (req.Enabled == nil && req.Threshold == nil && len(req.Thresholds) == 0) {
		return nil, system.NewValidationError("nothing to update", system.ValidationError{Field: "enabled", Message: "enabled or threshold(s) is required"})
	}
	if strings.HasPrefix(ruleID, alertModel.SystemRulePrefix) {
		return nil, system.NewConflictError(nil, "system rule %s cannot be modified", ruleID)
	}
	rule, err := e.ruleRepo.GetByRuleID(ctx, ruleID)
	if err != nil {
		return nil, system.NewTransientStorageError(err, "get rule")
	}
	if rule == nil {
		return nil, system.NewNotFoundError(system.ErrRuleNotFound, "rule %s not found", ruleID)
	}

	oldValues := map[string]interface{}{
		"enabled":   rule.Enabled,
		"condition": rule.Condition.Tree().String(),
		"version":   rule.Version,
	}
	cond := rule.Condition.Tree()
	thresholds := make(map[string]float64, len(req.Thresholds)+1)
	for k, v := range req.Thresholds {
		if !contains(cond.Metrics(), k) {
			return nil, system.NewValidationError("invalid thresholds", system.ValidationError{Field: "thresholds." + k, Message: "metric is not part of the rule condition"})
		}
		thresholds[k] = v
	}
	if req.Threshold != nil {
		thresholds[rule.Metric] = *req.Threshold
	}
	if len(thresholds) > 0 {
		updated := cond.WithThresholds(thresholds)
		if updated.String() != cond.String() {
			rule.Condition = alertModel.ConditionJSON(updated)
			rule.Version++
		}
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}

	if err := e.ruleRepo.Update(ctx, rule); err != nil {
		return nil, system.NewTransientStorageError(err, "update rule")
	}
	e.reloadQuietly(ctx)
	e.audit(ctx, actor, system.AuditRuleUpdate, "alert_rule", rule.RuleID, oldValues, map[string]interface{}{
		"enabled":   rule.Enabled,
		"condition": rule.Condition.Tree().String(),
		"version":   rule.Version,
	})
	return rule, nil
}

// DisableRule 规则不物理删除，只停用；其未恢复实例在下一次扫描时恢复
func (e *engine) DisableRule(ctx context.Context, ruleID, actor string) (*alertModel.AlertRule, error) {
	disabled := false
	return e.UpdateRule(ctx, ruleID, &alertModel.UpdateRuleRequest{Enabled: &disabled}, actor)
}

// GetRule 获取规则
func (e *engine) GetRule(ctx context.Context, ruleID string) (*alertModel.AlertRule, error) {
	rule, err := e.ruleRepo.GetByRuleID(ctx, ruleID)
	if err != nil {
		return nil, system.NewTransientStorageError(err, "get rule")
	}
	if rule == nil {
		return nil, system.NewNotFoundError(system.ErrRuleNotFound, "rule %s not found", ruleID)
	}
	return rule, nil
}

// ListRules 全部规则(含停用)
func (e *engine) ListRules(ctx context.Context) ([]*alertModel.AlertRule, error) {
	rules, err := e.ruleRepo.List(ctx, false)
	if err != nil {
		return nil, system.NewTransientStorageError(err, "list rules")
	}
	if rules == nil {
		rules = []*alertModel.AlertRule{}
	}
	return rules, nil
}

// ReloadRules 刷新启用规则缓存
func (e *engine) ReloadRules(ctx context.Context) error {
	rules, err := e.ruleRepo.List(ctx, true)
	if err != nil {
		return fmt.Errorf("load enabled rules: %w", err)
	}
	e.rulesMu.Lock()
	e.rules = rules
	e.rulesLoaded = true
	e.rulesMu.Unlock()
	return nil
}

func (e *engine) reloadQuietly(ctx context.Context) {
	if err := e.ReloadRules(ctx); err != nil {
		logger.LogError(err, "", "", "service.alert.ReloadRules", "", map[string]interface{}{
			"operation": "reload_rules",
		})
	}
}

// enabledRules 启用规则快照，首次使用时加载
func (e *engine) enabledRules(ctx context.Context) ([]*alertModel.AlertRule, error) {
	e.rulesMu.RLock()
	rules, loaded := e.rules, e.rulesLoaded
	e.rulesMu.RUnlock()
	if loaded {
		return rules, nil
	}
	if err := e.ReloadRules(ctx); err != nil {
		return nil, err
	}
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	return e.rules, nil
}

// thresholdFor 条件树中该指标的第一个阈值
func thresholdFor(cond rule_engine.Condition, metric string) float64 {
	if cond.IsLeaf() {
		return cond.Threshold
	}
	for _, sub := range cond.Conditions {
		if sub.Metric == metric {
			return sub.Threshold
		}
	}
	if len(cond.Conditions) > 0 {
		return cond.Conditions[0].Threshold
	}
	return 0
}
