/**
 * 分层存储服务:存储接口
 * @author: sun977
 * @date: 2025.10.27
 * @description: 热存储(memory/redis)和温存储(gorm/clickhouse)的统一接口，以及样本到原始点的转换
 * @func: HotStore/WarmStore/ExplodeSample
 */
package storage

import (
	"context"
	"sort"
	"time"

	"agentmonitor/internal/model/metrics"
)

// HotStore 热存储，每个Agent一个有界缓冲
type HotStore interface {
	NextSeq(ctx context.Context, agentID string, floor uint64) (uint64, error)
	Append(ctx context.Context, sample *metrics.MetricSample) (int, error)
	Range(ctx context.Context, agentID string, afterSeq uint64, limit int) ([]*metrics.MetricSample, error)
	Latest(ctx context.Context, agentID string, n int) ([]*metrics.MetricSample, error)
	Trim(ctx context.Context, agentID string, upToSeq uint64) error
	Agents(ctx context.Context) ([]string, error)
	Len(ctx context.Context, agentID string) (int, error)
}

// WarmStore 温存储，原始点 + 降采样聚合桶 + 刷写水位线
type WarmStore interface {
	WriteBatch(ctx context.Context, points []*metrics.MetricPoint, wm *metrics.FlushWatermark) error
	QueryPoints(ctx context.Context, f metrics.PointFilter) ([]*metrics.MetricPoint, error)
	UpsertRollups(ctx context.Context, rollups []*metrics.MetricRollup) error
	QueryRollups(ctx context.Context, f metrics.RollupFilter) ([]*metrics.MetricRollup, error)
	LatestRollup(ctx context.Context, res metrics.Resolution) (time.Time, error)
	PruneRaw(ctx context.Context, before time.Time) (int64, error)
	PruneRollups(ctx context.Context, res metrics.Resolution, before time.Time) (int64, error)
	GetWatermark(ctx context.Context, agentID string) (*metrics.FlushWatermark, error)
	Ping(ctx context.Context) error
}

// ExplodeSample 样本展开为原始点(指标名有序)
func ExplodeSample(s *metrics.MetricSample, environment, deploymentType string) []*metrics.MetricPoint {
	flat := s.Flatten()
	names := make([]string, 0, len(flat))
	for name := range flat {
		names = append(names, name)
	}
	sort.Strings(names)

	ts := s.Timestamp.UTC()
	points := make([]*metrics.MetricPoint, 0, len(names))
	for _, name := range names {
		points = append(points, &metrics.MetricPoint{
			AgentID:        s.AgentID,
			Environment:    environment,
			DeploymentType: deploymentType,
			Metric:         name,
			Ts:             ts,
			Seq:            s.Seq,
			Value:          flat[name],
		})
	}
	return points
}
