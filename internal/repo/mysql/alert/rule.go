/**
 * 告警仓库层:规则、实例、通知记录
 * @author: sun977
 * @date: 2025.10.24
 * @description: 告警规则和告警实例的冷存储访问，未恢复实例唯一性由 active_key 唯一索引保证
 * @func: AlertRuleRepository/AlertInstanceRepository/NotificationRepository
 */
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	alertModel "agentmonitor/internal/model/alert"
	"agentmonitor/internal/pkg/logger"
)

// AlertRuleRepository 告警规则仓库
type AlertRuleRepository interface {
	Create(ctx context.Context, rule *alertModel.AlertRule) error
	GetByRuleID(ctx context.Context, ruleID string) (*alertModel.AlertRule, error)
	Update(ctx context.Context, rule *alertModel.AlertRule) error
	List(ctx context.Context, enabledOnly bool) ([]*alertModel.AlertRule, error)
}

type alertRuleRepository struct {
	db *gorm.DB
}

// NewAlertRuleRepository 创建规则仓库
func NewAlertRuleRepository(db *gorm.DB) AlertRuleRepository {
	return &alertRuleRepository{db: db}
}

// Create 创建规则，rule_id 重复返回 ErrDuplicatedKey
func (r *alertRuleRepository) Create(ctx context.Context, rule *alertModel.AlertRule) error {
	if err := r.db.WithContext(ctx).Create(rule).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("create rule %s: %w", rule.RuleID, gorm.ErrDuplicatedKey)
		}
		logger.LogError(err, "", "", "repo.alert.rule.Create", "", map[string]interface{}{
			"operation": "create_alert_rule",
			"option":    "alertRuleRepository.Create",
			"func_name": "repo.alert.rule.Create",
			"rule_id":   rule.RuleID,
		})
		return fmt.Errorf("create rule %s: %w", rule.RuleID, err)
	}
	return nil
}

// GetByRuleID 不存在返回 nil, nil
func (r *alertRuleRepository) GetByRuleID(ctx context.Context, ruleID string) (*alertModel.AlertRule, error) {
	var rule alertModel.AlertRule
	err := r.db.WithContext(ctx).Where("rule_id = ?", ruleID).First(&rule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get rule %s: %w", ruleID, err)
	}
	return &rule, nil
}

// Update 保存规则
func (r *alertRuleRepository) Update(ctx context.Context, rule *alertModel.AlertRule) error {
	if err := r.db.WithContext(ctx).Save(rule).Error; err != nil {
		logger.LogError(err, "", "", "repo.alert.rule.Update", "", map[string]interface{}{
			"operation": "update_alert_rule",
			"option":    "alertRuleRepository.Update",
			"func_name": "repo.alert.rule.Update",
			"rule_id":   rule.RuleID,
		})
		return fmt.Errorf("update rule %s: %w", rule.RuleID, err)
	}
	return nil
}

// List 规则列表
func (r *alertRuleRepository) List(ctx context.Context, enabledOnly bool) ([]*alertModel.AlertRule, error) {
	query := r.db.WithContext(ctx).Model(&alertModel.AlertRule{})
	if enabledOnly {
		query = query.Where("enabled = ?", true)
	}
	var rules []*alertModel.AlertRule
	if err := query.Order("rule_id ASC").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return rules, nil
}

// isDuplicateKey 唯一约束冲突
// 开启 TranslateError 的驱动返回 gorm.ErrDuplicatedKey，其余按驱动错误文本判断
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "duplicate key")
}
