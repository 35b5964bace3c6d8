package alert

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	alertModel "agentmonitor/internal/model/alert"
)

// NotificationRepository 通知投递记录仓库
type NotificationRepository interface {
	Create(ctx context.Context, records []*alertModel.AlertNotification) error
	ListByAlert(ctx context.Context, alertID string) ([]*alertModel.AlertNotification, error)
}

type notificationRepository struct {
	db *gorm.DB
}

// NewNotificationRepository 创建通知记录仓库
func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) Create(ctx context.Context, records []*alertModel.AlertNotification) error {
	if len(records) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&records).Error; err != nil {
		return fmt.Errorf("record notifications: %w", err)
	}
	return nil
}

func (r *notificationRepository) ListByAlert(ctx context.Context, alertID string) ([]*alertModel.AlertNotification, error) {
	var out []*alertModel.AlertNotification
	if err := r.db.WithContext(ctx).Where("alert_id = ?", alertID).
		Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list notifications %s: %w", alertID, err)
	}
	return out, nil
}
