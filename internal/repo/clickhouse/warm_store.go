/**
 * 时序仓库层:温存储(ClickHouse实现)
 * @author: sun977
 * @date: 2025.10.26
 * @description: storage.warm.driver=clickhouse 时使用，表结构与 GORM 实现一致
 *               幂等依赖 ReplacingMergeTree 的排序键去重，读取统一带 FINAL
 * @func: EnsureSchema/WriteBatch/QueryPoints/UpsertRollups/QueryRollups/PruneRaw/PruneRollups/Watermark
 */
package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"agentmonitor/internal/model/metrics"
	"agentmonitor/internal/pkg/logger"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS metric_points (
		agent_id        String,
		environment     LowCardinality(String),
		deployment_type LowCardinality(String),
		metric          LowCardinality(String),
		ts              DateTime64(9, 'UTC'),
		seq             UInt64,
		value           Float64
	) ENGINE = ReplacingMergeTree
	PARTITION BY toYYYYMMDD(ts)
	ORDER BY (agent_id, metric, ts, seq)`,
	`CREATE TABLE IF NOT EXISTS metric_rollups (
		agent_id     String,
		environment  LowCardinality(String),
		metric       LowCardinality(String),
		resolution   LowCardinality(String),
		bucket_start DateTime64(3, 'UTC'),
		count        Int64,
		sum          Float64,
		min          Float64,
		max          Float64,
		reservoir    Array(Float64),
		updated_at   DateTime64(9, 'UTC')
	) ENGINE = ReplacingMergeTree(updated_at)
	ORDER BY (resolution, agent_id, metric, bucket_start)`,
	`CREATE TABLE IF NOT EXISTS flush_watermarks (
		agent_id      String,
		flushed_until DateTime64(9, 'UTC'),
		flushed_seq   UInt64,
		updated_at    DateTime64(9, 'UTC')
	) ENGINE = ReplacingMergeTree(updated_at)
	ORDER BY agent_id`,
}

// WarmStore ClickHouse温存储
type WarmStore struct {
	conn driver.Conn
	now  func() time.Time
}

// NewWarmStore 创建ClickHouse温存储
func NewWarmStore(conn driver.Conn) *WarmStore {
	return &WarmStore{conn: conn, now: time.Now}
}

// EnsureSchema 建表(幂等)
func (s *WarmStore) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schema {
		if err := s.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("clickhouse ensure schema: %w", err)
		}
	}
	return nil
}

// WriteBatch 先写原始点再写水位线
// 水位线写入失败时下次刷写会重放同一批点，由排序键去重
func (s *WarmStore) WriteBatch(ctx context.Context, points []*metrics.MetricPoint, wm *metrics.FlushWatermark) error {
	if len(points) > 0 {
		batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO metric_points")
		if err != nil {
			return fmt.Errorf("prepare metric_points batch: %w", err)
		}
		for _, p := range points {
			if err := batch.Append(p.AgentID, p.Environment, p.DeploymentType, p.Metric, p.Ts.UTC(), p.Seq, p.Value); err != nil {
				_ = batch.Abort()
				return fmt.Errorf("append metric point: %w", err)
			}
		}
		if err := batch.Send(); err != nil {
			logger.LogError(err, "", "", "repo.clickhouse.WriteBatch", "", map[string]interface{}{
				"operation": "write_metric_points",
				"option":    "clickhouse.WarmStore.WriteBatch",
				"func_name": "repo.clickhouse.WriteBatch",
				"count":     len(points),
			})
			return fmt.Errorf("send metric_points batch: %w", err)
		}
	}
	if wm == nil {
		return nil
	}
	if err := s.conn.Exec(ctx,
		"INSERT INTO flush_watermarks (agent_id, flushed_until, flushed_seq, updated_at) VALUES (?, ?, ?, ?)",
		wm.AgentID, wm.FlushedUntil.UTC(), wm.FlushedSeq, s.now().UTC()); err != nil {
		return fmt.Errorf("write watermark %s: %w", wm.AgentID, err)
	}
	return nil
}

// filterClause 拼接 agent/metric 过滤条件
func filterClause(agentIDs, metricNames []string, args []interface{}) (string, []interface{}) {
	var b strings.Builder
	if len(agentIDs) > 0 {
		b.WriteString(" AND has(?, agent_id)")
		args = append(args, agentIDs)
	}
	if len(metricNames) > 0 {
		b.WriteString(" AND has(?, metric)")
		args = append(args, metricNames)
	}
	return b.String(), args
}

// QueryPoints 按 (agent_id, ts, seq) 升序返回原始点
func (s *WarmStore) QueryPoints(ctx context.Context, f metrics.PointFilter) ([]*metrics.MetricPoint, error) {
	where, args := filterClause(f.AgentIDs, f.Metrics, []interface{}{f.Start.UTC(), f.End.UTC()})
	query := "SELECT agent_id, environment, deployment_type, metric, ts, seq, value FROM metric_points FINAL" +
		" WHERE ts >= ? AND ts < ?" + where + " ORDER BY agent_id, ts, seq, metric"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query metric points: %w", err)
	}
	defer rows.Close()

	var out []*metrics.MetricPoint
	for rows.Next() {
		p := &metrics.MetricPoint{}
		if err := rows.Scan(&p.AgentID, &p.Environment, &p.DeploymentType, &p.Metric, &p.Ts, &p.Seq, &p.Value); err != nil {
			return nil, fmt.Errorf("scan metric point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertRollups 追加新版本，ReplacingMergeTree 按 updated_at 保留最新
func (s *WarmStore) UpsertRollups(ctx context.Context, rollups []*metrics.MetricRollup) error {
	if len(rollups) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO metric_rollups")
	if err != nil {
		return fmt.Errorf("prepare metric_rollups batch: %w", err)
	}
	version := s.now().UTC()
	for _, r := range rollups {
		reservoir := []float64(r.Reservoir)
		if reservoir == nil {
			reservoir = []float64{}
		}
		if err := batch.Append(r.AgentID, r.Environment, r.Metric, string(r.Resolution), r.BucketStart.UTC(),
			r.Count, r.Sum, r.Min, r.Max, reservoir, version); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append rollup: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send metric_rollups batch: %w", err)
	}
	return nil
}

// QueryRollups 按 (agent_id, bucket_start) 升序返回聚合桶
func (s *WarmStore) QueryRollups(ctx context.Context, f metrics.RollupFilter) ([]*metrics.MetricRollup, error) {
	where, args := filterClause(f.AgentIDs, f.Metrics,
		[]interface{}{string(f.Resolution), f.Start.UTC(), f.End.UTC()})
	query := "SELECT agent_id, environment, metric, bucket_start, count, sum, min, max, reservoir FROM metric_rollups FINAL" +
		" WHERE resolution = ? AND bucket_start >= ? AND bucket_start < ?" + where +
		" ORDER BY agent_id, bucket_start, metric"

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rollups: %w", err)
	}
	defer rows.Close()

	var out []*metrics.MetricRollup
	for rows.Next() {
		r := &metrics.MetricRollup{Resolution: f.Resolution}
		var reservoir []float64
		if err := rows.Scan(&r.AgentID, &r.Environment, &r.Metric, &r.BucketStart,
			&r.Count, &r.Sum, &r.Min, &r.Max, &reservoir); err != nil {
			return nil, fmt.Errorf("scan rollup: %w", err)
		}
		r.Reservoir = reservoir
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestRollup 某粒度最新的桶起点，没有返回零值
func (s *WarmStore) LatestRollup(ctx context.Context, res metrics.Resolution) (time.Time, error) {
	var latest time.Time
	if err := s.conn.QueryRow(ctx,
		"SELECT max(bucket_start) FROM metric_rollups WHERE resolution = ?", string(res)).Scan(&latest); err != nil {
		return time.Time{}, fmt.Errorf("latest rollup %s: %w", res, err)
	}
	// 空表时 max 返回 1970-01-01
	if latest.Unix() <= 0 {
		return time.Time{}, nil
	}
	return latest, nil
}

// PruneRaw 以异步 mutation 删除，返回值固定为0
func (s *WarmStore) PruneRaw(ctx context.Context, before time.Time) (int64, error) {
	if err := s.conn.Exec(ctx, "ALTER TABLE metric_points DELETE WHERE ts < ?", before.UTC()); err != nil {
		return 0, fmt.Errorf("prune metric points: %w", err)
	}
	return 0, nil
}

// PruneRollups 以异步 mutation 删除，返回值固定为0
func (s *WarmStore) PruneRollups(ctx context.Context, res metrics.Resolution, before time.Time) (int64, error) {
	if err := s.conn.Exec(ctx, "ALTER TABLE metric_rollups DELETE WHERE resolution = ? AND bucket_start < ?",
		string(res), before.UTC()); err != nil {
		return 0, fmt.Errorf("prune rollups %s: %w", res, err)
	}
	return 0, nil
}

// GetWatermark 不存在返回 nil, nil
func (s *WarmStore) GetWatermark(ctx context.Context, agentID string) (*metrics.FlushWatermark, error) {
	rows, err := s.conn.Query(ctx,
		"SELECT agent_id, flushed_until, flushed_seq, updated_at FROM flush_watermarks FINAL WHERE agent_id = ? LIMIT 1", agentID)
	if err != nil {
		return nil, fmt.Errorf("get watermark %s: %w", agentID, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	wm := &metrics.FlushWatermark{}
	if err := rows.Scan(&wm.AgentID, &wm.FlushedUntil, &wm.FlushedSeq, &wm.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan watermark %s: %w", agentID, err)
	}
	return wm, nil
}

// Ping 健康检查
func (s *WarmStore) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}
