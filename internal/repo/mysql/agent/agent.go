/**
 * Agent仓库层:Agent数据访问
 * @author: sun977
 * @date: 2025.10.24
 * @description: Agent 冷存储数据访问，只做数据操作，状态机规则在注册中心服务层
 * @func: 创建、查询、状态/心跳更新、分页过滤、状态统计
 */
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	agentModel "agentmonitor/internal/model/agent"
	"agentmonitor/internal/pkg/logger"
)

// AgentRepository Agent仓库接口定义
type AgentRepository interface {
	Create(ctx context.Context, agentData *agentModel.Agent) error
	GetByID(ctx context.Context, agentID string) (*agentModel.Agent, error)
	GetByIdentityHash(ctx context.Context, hash string) (*agentModel.Agent, error)
	Update(ctx context.Context, agentData *agentModel.Agent) error

	// 状态与心跳
	UpdateStatus(ctx context.Context, agentID string, status agentModel.AgentStatus, reason string) error
	UpdateLastSeen(ctx context.Context, agentID string, seenAt time.Time, metricsAt *time.Time) error

	// 查询
	List(ctx context.Context, filter agentModel.ListFilter) ([]*agentModel.Agent, int64, error)
	ListAll(ctx context.Context) ([]*agentModel.Agent, error)
	CountByStatus(ctx context.Context) (map[agentModel.AgentStatus]int, error)
}

// agentRepository Agent仓库实现
type agentRepository struct {
	db *gorm.DB
}

// NewAgentRepository 创建Agent仓库实例
func NewAgentRepository(db *gorm.DB) AgentRepository {
	return &agentRepository{db: db}
}

// Create 创建Agent
func (r *agentRepository) Create(ctx context.Context, agentData *agentModel.Agent) error {
	if err := r.db.WithContext(ctx).Create(agentData).Error; err != nil {
		logger.LogError(err, "", "", "repo.agent.Create", "", map[string]interface{}{
			"operation": "create_agent",
			"option":    "agentRepository.Create",
			"func_name": "repo.agent.Create",
			"agent_id":  agentData.AgentID,
		})
		return fmt.Errorf("create agent %s: %w", agentData.AgentID, err)
	}
	return nil
}

// GetByID 根据AgentID获取Agent，不存在返回 nil, nil
func (r *agentRepository) GetByID(ctx context.Context, agentID string) (*agentModel.Agent, error) {
	var agentData agentModel.Agent
	err := r.db.WithContext(ctx).Where("agent_id = ?", agentID).First(&agentData).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		logger.LogError(err, "", "", "repo.agent.GetByID", "", map[string]interface{}{
			"operation": "get_agent_by_id",
			"option":    "agentRepository.GetByID",
			"func_name": "repo.agent.GetByID",
			"agent_id":  agentID,
		})
		return nil, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	return &agentData, nil
}

// GetByIdentityHash 根据身份摘要获取Agent(幂等注册)
func (r *agentRepository) GetByIdentityHash(ctx context.Context, hash string) (*agentModel.Agent, error) {
	var agentData agentModel.Agent
	err := r.db.WithContext(ctx).Where("identity_hash = ?", hash).First(&agentData).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent by identity: %w", err)
	}
	return &agentData, nil
}

// Update 全量保存Agent
func (r *agentRepository) Update(ctx context.Context, agentData *agentModel.Agent) error {
	if err := r.db.WithContext(ctx).Save(agentData).Error; err != nil {
		logger.LogError(err, "", "", "repo.agent.Update", "", map[string]interface{}{
			"operation": "update_agent",
			"option":    "agentRepository.Update",
			"func_name": "repo.agent.Update",
			"agent_id":  agentData.AgentID,
		})
		return fmt.Errorf("update agent %s: %w", agentData.AgentID, err)
	}
	return nil
}

// UpdateStatus 更新Agent状态
func (r *agentRepository) UpdateStatus(ctx context.Context, agentID string, status agentModel.AgentStatus, reason string) error {
	result := r.db.WithContext(ctx).Model(&agentModel.Agent{}).
		Where("agent_id = ?", agentID).
		Updates(map[string]interface{}{"status": status, "status_reason": reason})
	if result.Error != nil {
		logger.LogError(result.Error, "", "", "repo.agent.UpdateStatus", "", map[string]interface{}{
			"operation": "update_agent_status",
			"option":    "agentRepository.UpdateStatus",
			"func_name": "repo.agent.UpdateStatus",
			"agent_id":  agentID,
			"status":    string(status),
		})
		return fmt.Errorf("update agent status %s: %w", agentID, result.Error)
	}
	return nil
}

// UpdateLastSeen 更新最后心跳时间
// 只向前推进：更早的时间戳不会覆盖更新的 last_seen
func (r *agentRepository) UpdateLastSeen(ctx context.Context, agentID string, seenAt time.Time, metricsAt *time.Time) error {
	db := r.db.WithContext(ctx).Model(&agentModel.Agent{})
	if err := db.Where("agent_id = ? AND last_seen < ?", agentID, seenAt).
		Update("last_seen", seenAt).Error; err != nil {
		return fmt.Errorf("update last_seen %s: %w", agentID, err)
	}
	if metricsAt != nil {
		if err := r.db.WithContext(ctx).Model(&agentModel.Agent{}).
			Where("agent_id = ? AND (last_metrics_at IS NULL OR last_metrics_at < ?)", agentID, *metricsAt).
			Update("last_metrics_at", *metricsAt).Error; err != nil {
			return fmt.Errorf("update last_metrics_at %s: %w", agentID, err)
		}
	}
	return nil
}

// List 分页过滤查询
func (r *agentRepository) List(ctx context.Context, filter agentModel.ListFilter) ([]*agentModel.Agent, int64, error) {
	query := r.db.WithContext(ctx).Model(&agentModel.Agent{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Environment != "" {
		query = query.Where("environment = ?", filter.Environment)
	}
	if filter.Type != "" {
		query = query.Where("agent_type = ?", filter.Type)
	}
	if filter.Tag != "" {
		// tags 为JSON数组，按带引号的元素匹配，兼容 MySQL/PostgreSQL/SQLite
		query = query.Where("CAST(tags AS CHAR(2000)) LIKE ?", "%\""+filter.Tag+"\"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count agents: %w", err)
	}

	var agents []*agentModel.Agent
	offset := (filter.Page - 1) * filter.PageSize
	if err := query.Order("registered_at DESC").Offset(offset).Limit(filter.PageSize).Find(&agents).Error; err != nil {
		logger.LogError(err, "", "", "repo.agent.List", "", map[string]interface{}{
			"operation": "list_agents",
			"option":    "agentRepository.List",
			"func_name": "repo.agent.List",
		})
		return nil, 0, fmt.Errorf("list agents: %w", err)
	}
	return agents, total, nil
}

// ListAll 全部Agent(注册中心启动加载和离线扫描使用)
func (r *agentRepository) ListAll(ctx context.Context) ([]*agentModel.Agent, error) {
	var agents []*agentModel.Agent
	if err := r.db.WithContext(ctx).Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("list all agents: %w", err)
	}
	return agents, nil
}

// CountByStatus 按状态统计
func (r *agentRepository) CountByStatus(ctx context.Context) (map[agentModel.AgentStatus]int, error) {
	type row struct {
		Status agentModel.AgentStatus
		Total  int
	}
	var rows []row
	if err := r.db.WithContext(ctx).Model(&agentModel.Agent{}).
		Select("status, COUNT(*) AS total").Group("status").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("count agents by status: %w", err)
	}
	out := make(map[agentModel.AgentStatus]int, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Total
	}
	return out, nil
}
