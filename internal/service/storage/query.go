package storage

import (
	"context"
	"math"
	"sort"
	"time"

	"agentmonitor/internal/config"
	"agentmonitor/internal/model/metrics"
	"agentmonitor/internal/model/system"
	"agentmonitor/internal/pkg/clock"
)

// trendMetrics 趋势分析覆盖的指标
var trendMetrics = []string{
	metrics.MetricCPUUsagePercent,
	metrics.MetricMemoryUsagePercent,
	metrics.MetricAverageResponseTimeMs,
}

// trendThreshold 前后两半均值变化超过该百分比才判定为上升/下降
const trendThreshold = 10.0

// QueryService 跨热/温存储的指标查询
type QueryService interface {
	Query(ctx context.Context, q metrics.MetricsQuery) (*metrics.QueryResult, error)
	Trends(ctx context.Context, agentID string, hours int) (*metrics.TrendReport, error)
}

type queryService struct {
	hot   HotStore
	warm  WarmStore
	cfg   config.StorageConfig
	clock clock.Clock
}

// NewQueryService 创建查询服务
func NewQueryService(cfg config.StorageConfig, hot HotStore, warm WarmStore, clk clock.Clock) QueryService {
	if clk == nil {
		clk = clock.Real()
	}
	return &queryService{hot: hot, warm: warm, cfg: cfg, clock: clk}
}

func (s *queryService) maxPoints() int {
	if s.cfg.Warm.QueryMaxPoints > 0 {
		return s.cfg.Warm.QueryMaxPoints
	}
	return 50000
}

func (s *queryService) rawRetention() time.Duration {
	if s.cfg.Warm.Retention > 0 {
		return s.cfg.Warm.Retention
	}
	return 30 * 24 * time.Hour
}

// normalize 填充默认值并校验，时间范围为 [start, end]
func (s *queryService) normalize(q metrics.MetricsQuery) (metrics.MetricsQuery, error) {
	now := s.clock.Now().UTC()
	if q.End.IsZero() {
		q.End = now
	}
	if q.Start.IsZero() {
		q.Start = q.End.Add(-24 * time.Hour)
	}
	q.Start, q.End = q.Start.UTC(), q.End.UTC()
	if q.Start.After(q.End) {
		return q, system.NewBadRequestError("start must not be after end")
	}
	if q.Aggregation == "" {
		q.Aggregation = metrics.AggRaw
	}
	if !q.Aggregation.IsValid() {
		return q, system.NewBadRequestError("unsupported aggregation %q", q.Aggregation)
	}
	if q.Interval != "" && !q.Interval.IsValid() {
		return q, system.NewBadRequestError("unsupported interval %q", q.Interval)
	}
	if q.Aggregation != metrics.AggRaw && q.Interval == "" {
		q.Interval = AutoInterval(q.End.Sub(q.Start))
	}
	if len(q.MetricNames) == 0 {
		q.MetricNames = metrics.CoreMetricNames
	}
	for _, name := range q.MetricNames {
		if !metrics.IsKnownMetric(name) {
			return q, system.NewBadRequestError("unknown metric %q", name)
		}
	}
	return q, nil
}

// AutoInterval 按查询跨度选择聚合粒度
func AutoInterval(span time.Duration) metrics.Resolution {
	switch {
	case span <= 6*time.Hour:
		return metrics.Resolution1m
	case span <= 48*time.Hour:
		return metrics.Resolution5m
	case span <= 30*24*time.Hour:
		return metrics.Resolution1h
	default:
		return metrics.Resolution1d
	}
}

// Query 查询指标
// raw: 温存储原始点与未刷写的热样本合并，按 (agent, seq, metric) 去重，按时间排序
// 聚合: 起点仍在原始点保留期内时由原始数据计算，否则读取降采样桶
func (s *queryService) Query(ctx context.Context, q metrics.MetricsQuery) (*metrics.QueryResult, error) {
	q, err := s.normalize(q)
	if err != nil {
		return nil, err
	}
	result := &metrics.QueryResult{
		TimeRange:   metrics.TimeRange{Start: q.Start, End: q.End},
		Aggregation: q.Aggregation,
		Interval:    q.Interval,
	}

	if q.Aggregation == metrics.AggRaw {
		rows, truncated, err := s.collectRaw(ctx, q, s.maxPoints())
		if err != nil {
			return nil, err
		}
		result.Rows = rows
		result.Truncated = truncated
		result.TotalPoints = len(rows)
		result.Agents = agentsOfRaw(rows, q.AgentIDs)
		return result, nil
	}

	var agg []metrics.AggregatedRow
	if !q.Start.Before(s.clock.Now().UTC().Add(-s.rawRetention())) {
		agg, err = s.aggregateFromRaw(ctx, q)
	} else {
		agg, err = s.aggregateFromRollups(ctx, q)
	}
	if err != nil {
		return nil, err
	}
	result.Aggregated = agg
	result.TotalPoints = len(agg)
	result.Agents = agentsOfAggregated(agg, q.AgentIDs)
	return result, nil
}

type rawKey struct {
	agentID string
	seq     uint64
	metric  string
}

// collectRaw 读取原始点并合并热样本，limit<=0 不限制
func (s *queryService) collectRaw(ctx context.Context, q metrics.MetricsQuery, limit int) ([]metrics.RawRow, bool, error) {
	filter := metrics.PointFilter{
		AgentIDs: q.AgentIDs,
		Metrics:  q.MetricNames,
		Start:    q.Start,
		End:      q.End.Add(time.Nanosecond),
	}
	if limit > 0 {
		filter.Limit = limit + 1
	}
	points, err := s.warm.QueryPoints(ctx, filter)
	if err != nil {
		return nil, false, system.NewTransientStorageError(err, "metrics query")
	}

	seen := make(map[rawKey]bool, len(points))
	rows := make([]metrics.RawRow, 0, len(points))
	for _, p := range points {
		key := rawKey{p.AgentID, p.Seq, p.Metric}
		if seen[key] {
			continue
		}
		seen[key] = true
		rows = append(rows, metrics.RawRow{AgentID: p.AgentID, Timestamp: p.Ts.UTC(), Metric: p.Metric, Value: p.Value, Seq: p.Seq})
	}

	if s.hot != nil {
		hotRows, err := s.hotRows(ctx, q, seen)
		if err != nil {
			return nil, false, err
		}
		rows = append(rows, hotRows...)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.AgentID != b.AgentID {
			return a.AgentID < b.AgentID
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.Metric < b.Metric
	})
	truncated := false
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
		truncated = true
	}
	return rows, truncated, nil
}

// hotRows 热存储中尚未出现在温存储结果里的点
func (s *queryService) hotRows(ctx context.Context, q metrics.MetricsQuery, seen map[rawKey]bool) ([]metrics.RawRow, error) {
	agentIDs := q.AgentIDs
	if len(agentIDs) == 0 {
		var err error
		if agentIDs, err = s.hot.Agents(ctx); err != nil {
			return nil, system.NewTransientStorageError(err, "hot store query")
		}
	}
	wanted := make(map[string]bool, len(q.MetricNames))
	for _, m := range q.MetricNames {
		wanted[m] = true
	}

	var rows []metrics.RawRow
	for _, agentID := range agentIDs {
		samples, err := s.hot.Range(ctx, agentID, 0, 0)
		if err != nil {
			return nil, system.NewTransientStorageError(err, "hot store query")
		}
		for _, sample := range samples {
			ts := sample.Timestamp.UTC()
			if sample.Sampled || ts.Before(q.Start) || ts.After(q.End) {
				continue
			}
			for metric, value := range sample.Flatten() {
				if !wanted[metric] {
					continue
				}
				key := rawKey{sample.AgentID, sample.Seq, metric}
				if seen[key] {
					continue
				}
				seen[key] = true
				rows = append(rows, metrics.RawRow{AgentID: sample.AgentID, Timestamp: ts, Metric: metric, Value: value, Seq: sample.Seq})
			}
		}
	}
	return rows, nil
}

func (s *queryService) aggregateFromRaw(ctx context.Context, q metrics.MetricsQuery) ([]metrics.AggregatedRow, error) {
	rows, _, err := s.collectRaw(ctx, q, 0)
	if err != nil {
		return nil, err
	}
	groups := make(map[bucketKey][]float64)
	for _, r := range rows {
		key := bucketKey{agentID: r.AgentID, metric: r.Metric, start: q.Interval.BucketStart(r.Timestamp)}
		groups[key] = append(groups[key], r.Value)
	}
	out := make([]metrics.AggregatedRow, 0, len(groups))
	for key, values := range groups {
		out = append(out, metrics.AggregatedRow{
			AgentID: key.agentID,
			Bucket:  key.start,
			Metric:  key.metric,
			Value:   aggregateValues(values, q.Aggregation),
			Count:   int64(len(values)),
		})
	}
	sortAggregated(out)
	return out, nil
}

func (s *queryService) aggregateFromRollups(ctx context.Context, q metrics.MetricsQuery) ([]metrics.AggregatedRow, error) {
	rollups, err := s.warm.QueryRollups(ctx, metrics.RollupFilter{
		Resolution: q.Interval,
		AgentIDs:   q.AgentIDs,
		Metrics:    q.MetricNames,
		Start:      q.Interval.BucketStart(q.Start),
		End:        q.End.Add(time.Nanosecond),
	})
	if err != nil {
		return nil, system.NewTransientStorageError(err, "rollup query")
	}
	groups := make(map[bucketKey][]*metrics.MetricRollup)
	for _, r := range rollups {
		key := bucketKey{agentID: r.AgentID, metric: r.Metric, start: r.BucketStart.UTC()}
		groups[key] = append(groups[key], r)
	}
	out := make([]metrics.AggregatedRow, 0, len(groups))
	for key, rs := range groups {
		value, count := aggregateRollups(rs, q.Aggregation)
		out = append(out, metrics.AggregatedRow{AgentID: key.agentID, Bucket: key.start, Metric: key.metric, Value: value, Count: count})
	}
	sortAggregated(out)
	return out, nil
}

func sortAggregated(rows []metrics.AggregatedRow) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.Bucket.Equal(b.Bucket) {
			return a.Bucket.Before(b.Bucket)
		}
		if a.AgentID != b.AgentID {
			return a.AgentID < b.AgentID
		}
		return a.Metric < b.Metric
	})
}

func agentsOfRaw(rows []metrics.RawRow, requested []string) []string {
	set := make(map[string]bool)
	for _, r := range rows {
		set[r.AgentID] = true
	}
	return sortedKeys(set, requested)
}

func agentsOfAggregated(rows []metrics.AggregatedRow, requested []string) []string {
	set := make(map[string]bool)
	for _, r := range rows {
		set[r.AgentID] = true
	}
	return sortedKeys(set, requested)
}

func sortedKeys(set map[string]bool, fallback []string) []string {
	if len(set) == 0 {
		if fallback == nil {
			return []string{}
		}
		return fallback
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Trends CPU/内存/响应时间的趋势，前后两半均值变化超过 ±10% 判定为上升/下降
func (s *queryService) Trends(ctx context.Context, agentID string, hours int) (*metrics.TrendReport, error) {
	if hours <= 0 {
		hours = 24
	}
	if hours > 720 {
		return nil, system.NewBadRequestError("hours must be between 1 and 720")
	}
	now := s.clock.Now().UTC()
	rows, _, err := s.collectRaw(ctx, metrics.MetricsQuery{
		AgentIDs:    []string{agentID},
		Start:       now.Add(-time.Duration(hours) * time.Hour),
		End:         now,
		MetricNames: trendMetrics,
	}, 0)
	if err != nil {
		return nil, err
	}

	series := make(map[string][]float64, len(trendMetrics))
	samples := make(map[uint64]bool)
	for _, r := range rows {
		series[r.Metric] = append(series[r.Metric], r.Value)
		samples[r.Seq] = true
	}
	report := &metrics.TrendReport{
		AgentID:     agentID,
		Hours:       hours,
		DataPoints:  len(samples),
		GeneratedAt: now,
	}
	for _, metric := range trendMetrics {
		report.Trends = append(report.Trends, classifyTrend(metric, series[metric]))
	}
	return report, nil
}

// classifyTrend 按时间顺序的值序列判定趋势
func classifyTrend(metric string, values []float64) metrics.MetricTrend {
	trend := metrics.MetricTrend{Metric: metric, Direction: metrics.TrendInsufficient}
	if len(values) < 2 {
		return trend
	}
	half := len(values) / 2
	first := mean(values[:half])
	second := mean(values[half:])
	trend.FirstHalfAvg = first
	trend.SecondHalfAvg = second

	switch {
	case first == 0 && second == 0:
		trend.ChangePercent = 0
	case first == 0:
		trend.ChangePercent = 100
	default:
		trend.ChangePercent = (second - first) / math.Abs(first) * 100
	}
	switch {
	case trend.ChangePercent > trendThreshold:
		trend.Direction = metrics.TrendIncreasing
	case trend.ChangePercent < -trendThreshold:
		trend.Direction = metrics.TrendDecreasing
	default:
		trend.Direction = metrics.TrendStable
	}
	return trend
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
