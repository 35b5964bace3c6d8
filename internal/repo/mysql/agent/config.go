package agent

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	agentModel "agentmonitor/internal/model/agent"
	"agentmonitor/internal/pkg/logger"
)

// AgentConfigRepository Agent配置键值仓库
type AgentConfigRepository interface {
	Upsert(ctx context.Context, items []*agentModel.AgentConfiguration) error
	ListByAgent(ctx context.Context, agentID string) ([]*agentModel.AgentConfiguration, error)
}

type agentConfigRepository struct {
	db *gorm.DB
}

// NewAgentConfigRepository 创建配置仓库
func NewAgentConfigRepository(db *gorm.DB) AgentConfigRepository {
	return &agentConfigRepository{db: db}
}

// Upsert 按 (agent_id, config_key) 插入或覆盖
func (r *agentConfigRepository) Upsert(ctx context.Context, items []*agentModel.AgentConfiguration) error {
	if len(items) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_id"}, {Name: "config_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"config_value", "config_type", "is_secret", "updated_at"}),
	}).Create(&items).Error
	if err != nil {
		logger.LogError(err, "", "", "repo.agent.config.Upsert", "", map[string]interface{}{
			"operation": "upsert_agent_config",
			"option":    "agentConfigRepository.Upsert",
			"func_name": "repo.agent.config.Upsert",
			"agent_id":  items[0].AgentID,
			"count":     len(items),
		})
		return fmt.Errorf("upsert agent config: %w", err)
	}
	return nil
}

// ListByAgent 按配置键排序返回
func (r *agentConfigRepository) ListByAgent(ctx context.Context, agentID string) ([]*agentModel.AgentConfiguration, error) {
	var items []*agentModel.AgentConfiguration
	if err := r.db.WithContext(ctx).Where("agent_id = ?", agentID).
		Order("config_key ASC").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("list agent config %s: %w", agentID, err)
	}
	return items, nil
}
