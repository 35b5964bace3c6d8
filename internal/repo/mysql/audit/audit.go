// 审计仓库层:运维操作审计记录
package audit

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"agentmonitor/internal/model/system"
)

// AuditRepository 审计记录仓库
type AuditRepository interface {
	Create(ctx context.Context, record *system.AuditLog) error
	ListByResource(ctx context.Context, resourceType, resourceID string, limit int) ([]*system.AuditLog, error)
}

type auditRepository struct {
	db *gorm.DB
}

// NewAuditRepository 创建审计仓库
func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &auditRepository{db: db}
}

func (r *auditRepository) Create(ctx context.Context, record *system.AuditLog) error {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("create audit log: %w", err)
	}
	return nil
}

// ListByResource 按时间倒序
func (r *auditRepository) ListByResource(ctx context.Context, resourceType, resourceID string, limit int) ([]*system.AuditLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*system.AuditLog
	if err := r.db.WithContext(ctx).
		Where("resource_type = ? AND resource_id = ?", resourceType, resourceID).
		Order("timestamp DESC, id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	return out, nil
}
