/**
 * 时序仓库层:温存储(GORM实现)
 * @author: sun977
 * @date: 2025.10.25
 * @description: 原始指标点、降采样聚合桶、刷写水位线的关系库存储，MySQL/PostgreSQL/SQLite 通用
 * @func: WriteBatch/QueryPoints/UpsertRollups/QueryRollups/PruneRaw/PruneRollups/Watermark
 */
package timeseries

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"agentmonitor/internal/model/metrics"
	"agentmonitor/internal/pkg/logger"
)

// 单条INSERT的最大行数，避免超过驱动的占位符上限
const insertBatchSize = 500

// WarmRepository GORM温存储
type WarmRepository struct {
	db *gorm.DB
}

// NewWarmRepository 创建温存储实例
func NewWarmRepository(db *gorm.DB) *WarmRepository {
	return &WarmRepository{db: db}
}

// Models 温存储需要迁移的表
func Models() []interface{} {
	return []interface{}{&metrics.MetricPoint{}, &metrics.MetricRollup{}, &metrics.FlushWatermark{}}
}

// WriteBatch 在一个事务内写入原始点并推进水位线
// 已存在的 (agent_id, metric, ts, seq) 直接跳过，重复刷写无副作用
func (r *WarmRepository) WriteBatch(ctx context.Context, points []*metrics.MetricPoint, wm *metrics.FlushWatermark) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(points) > 0 {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				CreateInBatches(points, insertBatchSize).Error; err != nil {
				return err
			}
		}
		if wm != nil {
			return tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "agent_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"flushed_until", "flushed_seq", "updated_at"}),
			}).Create(wm).Error
		}
		return nil
	})
	if err != nil {
		extra := map[string]interface{}{
			"operation": "write_metric_points",
			"option":    "WarmRepository.WriteBatch",
			"func_name": "repo.timeseries.WriteBatch",
			"count":     len(points),
		}
		if wm != nil {
			extra["agent_id"] = wm.AgentID
		}
		logger.LogError(err, "", "", "repo.timeseries.WriteBatch", "", extra)
		return fmt.Errorf("write metric points: %w", err)
	}
	return nil
}

// QueryPoints 按 (agent_id, ts, seq) 升序返回原始点
func (r *WarmRepository) QueryPoints(ctx context.Context, f metrics.PointFilter) ([]*metrics.MetricPoint, error) {
	query := r.db.WithContext(ctx).Model(&metrics.MetricPoint{}).
		Where("ts >= ? AND ts < ?", f.Start, f.End)
	if len(f.AgentIDs) > 0 {
		query = query.Where("agent_id IN ?", f.AgentIDs)
	}
	if len(f.Metrics) > 0 {
		query = query.Where("metric IN ?", f.Metrics)
	}
	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}
	var points []*metrics.MetricPoint
	if err := query.Order("agent_id ASC, ts ASC, seq ASC, metric ASC").Find(&points).Error; err != nil {
		return nil, fmt.Errorf("query metric points: %w", err)
	}
	return points, nil
}

// UpsertRollups 写入聚合桶，同一桶重复计算时覆盖
func (r *WarmRepository) UpsertRollups(ctx context.Context, rollups []*metrics.MetricRollup) error {
	if len(rollups) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "agent_id"}, {Name: "metric"}, {Name: "resolution"}, {Name: "bucket_start"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"environment", "count", "sum", "min", "max", "reservoir",
		}),
	}).CreateInBatches(rollups, insertBatchSize).Error
	if err != nil {
		return fmt.Errorf("upsert rollups: %w", err)
	}
	return nil
}

// QueryRollups 按 (agent_id, bucket_start) 升序返回聚合桶
func (r *WarmRepository) QueryRollups(ctx context.Context, f metrics.RollupFilter) ([]*metrics.MetricRollup, error) {
	query := r.db.WithContext(ctx).Model(&metrics.MetricRollup{}).
		Where("resolution = ? AND bucket_start >= ? AND bucket_start < ?", f.Resolution, f.Start, f.End)
	if len(f.AgentIDs) > 0 {
		query = query.Where("agent_id IN ?", f.AgentIDs)
	}
	if len(f.Metrics) > 0 {
		query = query.Where("metric IN ?", f.Metrics)
	}
	var rollups []*metrics.MetricRollup
	if err := query.Order("agent_id ASC, bucket_start ASC, metric ASC").Find(&rollups).Error; err != nil {
		return nil, fmt.Errorf("query rollups: %w", err)
	}
	return rollups, nil
}

// LatestRollup 某粒度最新的桶起点，没有返回零值
func (r *WarmRepository) LatestRollup(ctx context.Context, res metrics.Resolution) (time.Time, error) {
	var rollup metrics.MetricRollup
	err := r.db.WithContext(ctx).Where("resolution = ?", res).
		Order("bucket_start DESC").First(&rollup).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("latest rollup %s: %w", res, err)
	}
	return rollup.BucketStart, nil
}

// PruneRaw 删除 before 之前的原始点
func (r *WarmRepository) PruneRaw(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("ts < ?", before).Delete(&metrics.MetricPoint{})
	if result.Error != nil {
		return 0, fmt.Errorf("prune metric points: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// PruneRollups 删除某粒度 before 之前的聚合桶
func (r *WarmRepository) PruneRollups(ctx context.Context, res metrics.Resolution, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("resolution = ? AND bucket_start < ?", res, before).
		Delete(&metrics.MetricRollup{})
	if result.Error != nil {
		return 0, fmt.Errorf("prune rollups %s: %w", res, result.Error)
	}
	return result.RowsAffected, nil
}

// GetWatermark 不存在返回 nil, nil
func (r *WarmRepository) GetWatermark(ctx context.Context, agentID string) (*metrics.FlushWatermark, error) {
	var wm metrics.FlushWatermark
	err := r.db.WithContext(ctx).Where("agent_id = ?", agentID).First(&wm).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get watermark %s: %w", agentID, err)
	}
	return &wm, nil
}

// Ping 健康检查
func (r *WarmRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
