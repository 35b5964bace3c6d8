package alert

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	alertModel "agentmonitor/internal/model/alert"
	"agentmonitor/internal/model/system"
	"agentmonitor/internal/pkg/logger"
)

// AlertInstanceRepository 告警实例仓库
type AlertInstanceRepository interface {
	// Create 插入新实例，同一(规则,Agent)已有未恢复实例时返回 system.ErrDuplicateActive
	Create(ctx context.Context, inst *alertModel.AlertInstance) error
	Save(ctx context.Context, inst *alertModel.AlertInstance) error
	GetByAlertID(ctx context.Context, alertID string) (*alertModel.AlertInstance, error)
	GetOpen(ctx context.Context, ruleID, agentID string) (*alertModel.AlertInstance, error)
	ListOpen(ctx context.Context) ([]*alertModel.AlertInstance, error)
	List(ctx context.Context, filter alertModel.ListFilter) ([]*alertModel.AlertInstance, error)
	CountOpenByAgent(ctx context.Context) (map[string]int, error)
}

type alertInstanceRepository struct {
	db *gorm.DB
}

// NewAlertInstanceRepository 创建实例仓库
func NewAlertInstanceRepository(db *gorm.DB) AlertInstanceRepository {
	return &alertInstanceRepository{db: db}
}

func (r *alertInstanceRepository) Create(ctx context.Context, inst *alertModel.AlertInstance) error {
	if err := r.db.WithContext(ctx).Create(inst).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("create alert for %s/%s: %w", inst.RuleID, inst.AgentID, system.ErrDuplicateActive)
		}
		logger.LogError(err, "", "", "repo.alert.instance.Create", "", map[string]interface{}{
			"operation": "create_alert_instance",
			"option":    "alertInstanceRepository.Create",
			"func_name": "repo.alert.instance.Create",
			"rule_id":   inst.RuleID,
			"agent_id":  inst.AgentID,
		})
		return fmt.Errorf("create alert for %s/%s: %w", inst.RuleID, inst.AgentID, err)
	}
	return nil
}

// Save 全量保存，恢复时 ActiveKey 置空释放唯一键
func (r *alertInstanceRepository) Save(ctx context.Context, inst *alertModel.AlertInstance) error {
	if err := r.db.WithContext(ctx).Save(inst).Error; err != nil {
		logger.LogError(err, "", "", "repo.alert.instance.Save", "", map[string]interface{}{
			"operation": "save_alert_instance",
			"option":    "alertInstanceRepository.Save",
			"func_name": "repo.alert.instance.Save",
			"alert_id":  inst.AlertID,
			"agent_id":  inst.AgentID,
		})
		return fmt.Errorf("save alert %s: %w", inst.AlertID, err)
	}
	return nil
}

func (r *alertInstanceRepository) GetByAlertID(ctx context.Context, alertID string) (*alertModel.AlertInstance, error) {
	var inst alertModel.AlertInstance
	err := r.db.WithContext(ctx).Where("alert_id = ?", alertID).First(&inst).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get alert %s: %w", alertID, err)
	}
	return &inst, nil
}

// GetOpen 查询(规则,Agent)当前未恢复的实例
func (r *alertInstanceRepository) GetOpen(ctx context.Context, ruleID, agentID string) (*alertModel.AlertInstance, error) {
	var inst alertModel.AlertInstance
	err := r.db.WithContext(ctx).Where("active_key = ?", alertModel.ActiveKeyFor(ruleID, agentID)).First(&inst).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get open alert %s/%s: %w", ruleID, agentID, err)
	}
	return &inst, nil
}

// ListOpen 全部未恢复实例(生命周期扫描)
func (r *alertInstanceRepository) ListOpen(ctx context.Context) ([]*alertModel.AlertInstance, error) {
	var out []*alertModel.AlertInstance
	if err := r.db.WithContext(ctx).Where("active_key IS NOT NULL").
		Order("triggered_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list open alerts: %w", err)
	}
	return out, nil
}

func (r *alertInstanceRepository) List(ctx context.Context, filter alertModel.ListFilter) ([]*alertModel.AlertInstance, error) {
	query := r.db.WithContext(ctx).Model(&alertModel.AlertInstance{})
	if filter.State != "" {
		query = query.Where("state = ?", filter.State)
	}
	if filter.AgentID != "" {
		query = query.Where("agent_id = ?", filter.AgentID)
	}
	if filter.RuleID != "" {
		query = query.Where("rule_id = ?", filter.RuleID)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if filter.ActiveOnly {
		query = query.Where("active_key IS NOT NULL")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []*alertModel.AlertInstance
	if err := query.Order("triggered_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return out, nil
}

// CountOpenByAgent 每个Agent的未恢复告警数
func (r *alertInstanceRepository) CountOpenByAgent(ctx context.Context) (map[string]int, error) {
	type row struct {
		AgentID string
		Total   int
	}
	var rows []row
	if err := r.db.WithContext(ctx).Model(&alertModel.AlertInstance{}).
		Select("agent_id, COUNT(*) AS total").Where("active_key IS NOT NULL").
		Group("agent_id").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("count open alerts: %w", err)
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.AgentID] = r.Total
	}
	return out, nil
}
