/**
 * 模型:温存储时序数据
 * @author: sun977
 * @date: 2025.10.22
 * @description: 原始指标点、降采样聚合桶、刷写水位线，以及查询参数和结果
 * @func: MetricPoint/MetricRollup/FlushWatermark, Resolution, Aggregation, MetricsQuery/QueryResult
 */
package metrics

import (
	"time"

	"agentmonitor/internal/model/basemodel"
)

// MetricPoint 原始指标点，(agent_id, metric, ts, seq) 唯一，重复刷写幂等
type MetricPoint struct {
	ID             uint64    `json:"-" gorm:"primaryKey;autoIncrement"`
	AgentID        string    `json:"agent_id" gorm:"size:64;not null;uniqueIndex:idx_point_identity,priority:1;index:idx_point_agent_ts,priority:1"`
	Environment    string    `json:"environment" gorm:"size:50;index"`
	DeploymentType string    `json:"deployment_type" gorm:"size:20"`
	Metric         string    `json:"metric" gorm:"size:128;not null;uniqueIndex:idx_point_identity,priority:2"`
	Ts             time.Time `json:"ts" gorm:"not null;uniqueIndex:idx_point_identity,priority:3;index:idx_point_agent_ts,priority:2;index"`
	Seq            uint64    `json:"seq" gorm:"not null;uniqueIndex:idx_point_identity,priority:4"`
	Value          float64   `json:"value"`
}

// TableName 定义表名
func (MetricPoint) TableName() string {
	return "metric_points"
}

// Resolution 降采样粒度
type Resolution string

const (
	Resolution1m Resolution = "1m"
	Resolution5m Resolution = "5m"
	Resolution1h Resolution = "1h"
	Resolution1d Resolution = "1d"
)

// AllResolutions 由细到粗
var AllResolutions = []Resolution{Resolution1m, Resolution5m, Resolution1h, Resolution1d}

// Duration 粒度对应的时长
func (r Resolution) Duration() time.Duration {
	switch r {
	case Resolution1m:
		return time.Minute
	case Resolution5m:
		return 5 * time.Minute
	case Resolution1h:
		return time.Hour
	case Resolution1d:
		return 24 * time.Hour
	}
	return 0
}

// IsValid 是否为支持的粒度
func (r Resolution) IsValid() bool {
	return r.Duration() > 0
}

// BucketStart 时间所在桶的起点(UTC对齐)
func (r Resolution) BucketStart(t time.Time) time.Time {
	return t.UTC().Truncate(r.Duration())
}

// MetricRollup 降采样聚合桶，(agent_id, metric, resolution, bucket_start) 唯一，重算时覆盖
type MetricRollup struct {
	ID          uint64               `json:"-" gorm:"primaryKey;autoIncrement"`
	AgentID     string               `json:"agent_id" gorm:"size:64;not null;uniqueIndex:idx_rollup_identity,priority:1"`
	Environment string               `json:"environment" gorm:"size:50"`
	Metric      string               `json:"metric" gorm:"size:128;not null;uniqueIndex:idx_rollup_identity,priority:2"`
	Resolution  Resolution           `json:"resolution" gorm:"size:4;not null;uniqueIndex:idx_rollup_identity,priority:3;index:idx_rollup_res_bucket,priority:1"`
	BucketStart time.Time            `json:"bucket_start" gorm:"not null;uniqueIndex:idx_rollup_identity,priority:4;index:idx_rollup_res_bucket,priority:2"`
	Count       int64                `json:"count"`
	Sum         float64              `json:"sum"`
	Min         float64              `json:"min"`
	Max         float64              `json:"max"`
	Reservoir   basemodel.FloatSlice `json:"-" gorm:"type:json;comment:分位数计算用的有界样本"`
}

// TableName 定义表名
func (MetricRollup) TableName() string {
	return "metric_rollups"
}

// FlushWatermark 每个Agent已确认写入温存储的位置
type FlushWatermark struct {
	AgentID      string    `json:"agent_id" gorm:"primaryKey;size:64"`
	FlushedUntil time.Time `json:"flushed_until"`
	FlushedSeq   uint64    `json:"flushed_seq"`
	UpdatedAt    time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 定义表名
func (FlushWatermark) TableName() string {
	return "flush_watermarks"
}

// Aggregation 查询聚合方式
type Aggregation string

const (
	AggRaw   Aggregation = "raw"
	AggAvg   Aggregation = "avg"
	AggMin   Aggregation = "min"
	AggMax   Aggregation = "max"
	AggSum   Aggregation = "sum"
	AggCount Aggregation = "count"
	AggP50   Aggregation = "p50"
	AggP90   Aggregation = "p90"
	AggP95   Aggregation = "p95"
	AggP99   Aggregation = "p99"
)

// IsValid 是否为支持的聚合方式
func (a Aggregation) IsValid() bool {
	switch a {
	case AggRaw, AggAvg, AggMin, AggMax, AggSum, AggCount, AggP50, AggP90, AggP95, AggP99:
		return true
	}
	return false
}

// Quantile 分位数聚合对应的分位值，非分位数聚合返回 0,false
func (a Aggregation) Quantile() (float64, bool) {
	switch a {
	case AggP50:
		return 0.50, true
	case AggP90:
		return 0.90, true
	case AggP95:
		return 0.95, true
	case AggP99:
		return 0.99, true
	}
	return 0, false
}

// MetricsQuery 查询参数
type MetricsQuery struct {
	AgentIDs    []string    `json:"agent_ids"`
	Start       time.Time   `json:"start"`
	End         time.Time   `json:"end"`
	MetricNames []string    `json:"metric_names"`
	Aggregation Aggregation `json:"aggregation"`
	Interval    Resolution  `json:"interval"`
}

// RawRow 原始查询行
type RawRow struct {
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Seq       uint64    `json:"-"`
}

// AggregatedRow 聚合查询行
type AggregatedRow struct {
	AgentID string    `json:"agent_id"`
	Bucket  time.Time `json:"bucket"`
	Metric  string    `json:"metric"`
	Value   float64   `json:"value"`
	Count   int64     `json:"count"`
}

// TimeRange 查询时间范围
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// QueryResult 查询结果
type QueryResult struct {
	TotalPoints int             `json:"total_points"`
	Agents      []string        `json:"agents"`
	TimeRange   TimeRange       `json:"time_range"`
	Aggregation Aggregation     `json:"aggregation"`
	Interval    Resolution      `json:"interval,omitempty"`
	Truncated   bool            `json:"truncated,omitempty"`
	Rows        []RawRow        `json:"rows,omitempty"`
	Aggregated  []AggregatedRow `json:"aggregated,omitempty"`
}

// PointFilter 原始点查询条件，时间范围为 [Start, End)
type PointFilter struct {
	AgentIDs []string
	Metrics  []string
	Start    time.Time
	End      time.Time
	Limit    int // 0 不限制
}

// RollupFilter 聚合桶查询条件，bucket_start 范围为 [Start, End)
type RollupFilter struct {
	Resolution Resolution
	AgentIDs   []string
	Metrics    []string
	Start      time.Time
	End        time.Time
}
