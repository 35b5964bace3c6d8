package storage

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmonitor/internal/config"
	"agentmonitor/internal/model/metrics"
	"agentmonitor/internal/model/system"
	"agentmonitor/internal/pkg/clock"
	"agentmonitor/internal/pkg/database"
	"agentmonitor/internal/repo/memory"
	"agentmonitor/internal/repo/mysql/timeseries"
)

var t0 = time.Date(2025, 10, 27, 10, 0, 0, 0, time.UTC)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func testConfig() config.StorageConfig {
	return config.StorageConfig{
		FlushInterval:  15 * time.Second,
		FlushBatchSize: 4,
		Retry:          config.RetryConfig{Initial: time.Millisecond, Max: 10 * time.Millisecond, Multiplier: 2, MaxAttempts: 3},
		Warm: config.WarmStorageConfig{
			Retention:      720 * time.Hour,
			Retention1m:    7 * 24 * time.Hour,
			Retention5m:    30 * 24 * time.Hour,
			Retention1h:    180 * 24 * time.Hour,
			ReservoirSize:  16,
			QueryMaxPoints: 1000,
		},
	}
}

func newWarm(t *testing.T) *timeseries.WarmRepository {
	t.Helper()
	db, err := database.NewTestDB(timeseries.Models()...)
	if err != nil {
		t.Fatalf("open test db failed: %v", err)
	}
	return timeseries.NewWarmRepository(db)
}

// appendSamples 写入 n 个样本，cpu 依次为 start, start+1, ...
func appendSamples(t *testing.T, hot *memory.HotStore, agentID string, at time.Time, n int, start float64) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		seq, err := hot.NextSeq(ctx, agentID, 0)
		require.NoError(t, err)
		s := &metrics.MetricSample{
			AgentID:   agentID,
			Timestamp: at.Add(time.Duration(i) * time.Second),
			Seq:       seq,
			Resource:  metrics.ResourceMetrics{CPUUsagePercent: start + float64(i), MemoryUsagePercent: 50},
		}
		_, err = hot.Append(ctx, s)
		require.NoError(t, err)
	}
}

// flakyWarm 可控失败的温存储
type flakyWarm struct {
	WarmStore
	mu      sync.Mutex
	failing bool
	writes  int
}

func (f *flakyWarm) setFailing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = v
}

func (f *flakyWarm) WriteBatch(ctx context.Context, points []*metrics.MetricPoint, wm *metrics.FlushWatermark) error {
	f.mu.Lock()
	f.writes++
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return errors.New("connection refused")
	}
	return f.WarmStore.WriteBatch(ctx, points, wm)
}

type recordingAlerter struct {
	mu      sync.Mutex
	raised  []string
	cleared []string
}

func (r *recordingAlerter) RaiseSystemAlert(_ context.Context, key, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raised = append(r.raised, key)
	return nil
}

func (r *recordingAlerter) ClearSystemAlert(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleared = append(r.cleared, key)
	return nil
}

func TestExplodeSample(t *testing.T) {
	s := &metrics.MetricSample{
		AgentID:       "a1",
		Timestamp:     t0,
		Seq:           3,
		CustomMetrics: map[string]float64{"queue_depth": 7},
	}
	points := ExplodeSample(s, "prod", "docker")
	require.Len(t, points, 17)
	for i := 1; i < len(points); i++ {
		assert.Less(t, points[i-1].Metric, points[i].Metric)
	}
	for _, p := range points {
		assert.Equal(t, "prod", p.Environment)
		assert.Equal(t, uint64(3), p.Seq)
	}
}

func TestFlusher_FlushIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(t0)
	hot := memory.NewHotStore(100, time.Hour, clk)
	warm := newWarm(t)
	f := NewFlusher(testConfig(), hot, warm, nil, nil, clk, noSleep)

	appendSamples(t, hot, "a1", t0, 10, 1)
	appendSamples(t, hot, "a2", t0, 3, 1)

	report, err := f.FlushNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Agents)
	assert.Equal(t, 13, report.Samples)
	assert.Equal(t, 13*16, report.Points)

	wm, err := warm.GetWatermark(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.Equal(t, uint64(10), wm.FlushedSeq)
	assert.True(t, wm.FlushedUntil.Equal(t0.Add(9*time.Second)))

	// 再次刷写不产生新数据
	report, err = f.FlushNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Samples)

	points, err := warm.QueryPoints(ctx, metrics.PointFilter{AgentIDs: []string{"a1"}, Metrics: []string{metrics.MetricCPUUsagePercent}, Start: t0, End: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, points, 10)
	assert.Equal(t, 1.0, points[0].Value)
	assert.Equal(t, 10.0, points[9].Value)

	// 热数据仍可读
	n, err := hot.Len(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestFlusher_DegradedRaisesAndClearsSystemAlert(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(t0)
	hot := memory.NewHotStore(100, time.Hour, clk)
	warm := &flakyWarm{WarmStore: newWarm(t), failing: true}
	alerter := &recordingAlerter{}
	f := NewFlusher(testConfig(), hot, warm, nil, alerter, clk, noSleep)

	appendSamples(t, hot, "a1", t0, 2, 10)

	_, err := f.FlushNow(ctx)
	require.Error(t, err)
	assert.True(t, f.Degraded())
	assert.Equal(t, 3, warm.writes)
	assert.Equal(t, []string{FlushAlertKey}, alerter.raised)

	// 持续失败不重复告警，热数据保留
	_, err = f.FlushNow(ctx)
	require.Error(t, err)
	assert.Len(t, alerter.raised, 1)
	n, err := hot.Len(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	warm.setFailing(false)
	report, err := f.FlushNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Samples)
	assert.False(t, f.Degraded())
	assert.Equal(t, []string{FlushAlertKey}, alerter.cleared)
}

func TestFlusher_StartStopFlushesOnTick(t *testing.T) {
	clk := clock.NewFake(t0)
	hot := memory.NewHotStore(100, time.Hour, clk)
	warm := newWarm(t)
	f := NewFlusher(testConfig(), hot, warm, nil, nil, clk, noSleep)

	appendSamples(t, hot, "a1", t0, 2, 1)
	f.Start(context.Background())
	defer f.Stop()

	clk.Advance(15 * time.Second)
	assert.Eventually(t, func() bool {
		wm, err := warm.GetWatermark(context.Background(), "a1")
		return err == nil && wm != nil && wm.FlushedSeq == 2
	}, time.Second, 10*time.Millisecond)
}

func TestQuantile(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5}
	assert.Equal(t, 1.0, quantile(sorted, 0))
	assert.Equal(t, 3.0, quantile(sorted, 0.5))
	assert.Equal(t, 5.0, quantile(sorted, 1))
	assert.InDelta(t, 4.6, quantile(sorted, 0.9), 1e-9)
	assert.True(t, math.IsNaN(quantile(nil, 0.5)))
}

func TestAggregateValues(t *testing.T) {
	values := []float64{4, 1, 3, 2}
	assert.Equal(t, 2.5, aggregateValues(values, metrics.AggAvg))
	assert.Equal(t, 1.0, aggregateValues(values, metrics.AggMin))
	assert.Equal(t, 4.0, aggregateValues(values, metrics.AggMax))
	assert.Equal(t, 10.0, aggregateValues(values, metrics.AggSum))
	assert.Equal(t, 4.0, aggregateValues(values, metrics.AggCount))
	assert.Equal(t, 2.5, aggregateValues(values, metrics.AggP50))
	// 输入不被修改
	assert.Equal(t, []float64{4, 1, 3, 2}, values)
}

func TestDownsampler_RollupAndPrune(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(t0)
	hot := memory.NewHotStore(100, time.Hour, clk)
	warm := newWarm(t)
	cfg := testConfig()
	cfg.FlushBatchSize = 100

	// 10:00:00 ~ 10:00:09 共10个样本，cpu 1..10
	appendSamples(t, hot, "a1", t0, 10, 1)
	_, err := NewFlusher(cfg, hot, warm, nil, nil, clk, noSleep).FlushNow(ctx)
	require.NoError(t, err)

	clk.Set(t0.Add(3 * time.Minute))
	d := NewDownsampler(cfg, warm, clk)
	report, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 16, report.Rollups[metrics.Resolution1m])

	rollups, err := warm.QueryRollups(ctx, metrics.RollupFilter{
		Resolution: metrics.Resolution1m,
		AgentIDs:   []string{"a1"},
		Metrics:    []string{metrics.MetricCPUUsagePercent},
		Start:      t0,
		End:        t0.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, rollups, 1)
	r := rollups[0]
	assert.Equal(t, int64(10), r.Count)
	assert.Equal(t, 55.0, r.Sum)
	assert.Equal(t, 1.0, r.Min)
	assert.Equal(t, 10.0, r.Max)

	// 重复运行结果不变
	_, err = d.RunOnce(ctx)
	require.NoError(t, err)
	again, err := warm.QueryRollups(ctx, metrics.RollupFilter{
		Resolution: metrics.Resolution1m,
		AgentIDs:   []string{"a1"},
		Metrics:    []string{metrics.MetricCPUUsagePercent},
		Start:      t0,
		End:        t0.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, int64(10), again[0].Count)

	// 超过原始点保留期后被清理
	clk.Set(t0.Add(cfg.Warm.Retention + time.Hour))
	report, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(160), report.PrunedRaw)
}

func TestDownsampler_RecomputesLateFlushedBuckets(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(t0)
	hot := memory.NewHotStore(100, 4*time.Hour, clk)
	warm := newWarm(t)
	cfg := testConfig()
	cfg.FlushBatchSize = 100
	f := NewFlusher(cfg, hot, warm, nil, nil, clk, noSleep)
	d := NewDownsampler(cfg, warm, clk)
	f.SetListener(d)

	appendSamples(t, hot, "a1", t0, 10, 1)
	_, err := f.FlushNow(ctx)
	require.NoError(t, err)
	clk.Set(t0.Add(2 * time.Hour))
	_, err = d.RunOnce(ctx)
	require.NoError(t, err)

	// 刷写中断期间积压的旧样本在两小时后才写入温存储
	appendSamples(t, hot, "a1", t0.Add(time.Minute), 5, 20)
	_, err = f.FlushNow(ctx)
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, err = d.RunOnce(ctx)
	require.NoError(t, err)

	rollups, err := warm.QueryRollups(ctx, metrics.RollupFilter{
		Resolution: metrics.Resolution1m,
		AgentIDs:   []string{"a1"},
		Metrics:    []string{metrics.MetricCPUUsagePercent},
		Start:      t0,
		End:        t0.Add(time.Hour),
	})
	require.NoError(t, err)
	byBucket := make(map[time.Time]*metrics.MetricRollup, len(rollups))
	for _, r := range rollups {
		byBucket[r.BucketStart.UTC()] = r
	}
	require.Contains(t, byBucket, t0.Add(time.Minute))
	late := byBucket[t0.Add(time.Minute)]
	assert.Equal(t, int64(5), late.Count)
	assert.Equal(t, 110.0, late.Sum)
	assert.Equal(t, int64(10), byBucket[t0].Count)

	// 迟到范围只重算一次
	report, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Rollups[metrics.Resolution1m])
}

func TestQuery_RawMergesHotAndWarm(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(t0.Add(time.Minute))
	hot := memory.NewHotStore(100, time.Hour, clk)
	warm := newWarm(t)
	cfg := testConfig()
	cfg.FlushBatchSize = 100

	appendSamples(t, hot, "a1", t0, 6, 1)
	_, err := NewFlusher(cfg, hot, warm, nil, nil, clk, noSleep).FlushNow(ctx)
	require.NoError(t, err)
	// 未刷写的样本
	appendSamples(t, hot, "a1", t0.Add(10*time.Second), 4, 7)

	q := NewQueryService(cfg, hot, warm, clk)
	result, err := q.Query(ctx, metrics.MetricsQuery{
		AgentIDs:    []string{"a1"},
		Start:       t0,
		End:         t0.Add(time.Minute),
		MetricNames: []string{metrics.MetricCPUUsagePercent},
	})
	require.NoError(t, err)
	require.Equal(t, 10, result.TotalPoints)
	assert.Equal(t, []string{"a1"}, result.Agents)
	assert.False(t, result.Truncated)
	for i, row := range result.Rows {
		assert.Equal(t, float64(i+1), row.Value, "row %d", i)
		assert.Equal(t, uint64(i+1), row.Seq)
	}
}

func TestQuery_Aggregated(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(t0.Add(time.Minute))
	hot := memory.NewHotStore(100, time.Hour, clk)
	warm := newWarm(t)
	cfg := testConfig()

	appendSamples(t, hot, "a1", t0, 4, 1)
	q := NewQueryService(cfg, hot, warm, clk)
	result, err := q.Query(ctx, metrics.MetricsQuery{
		AgentIDs:    []string{"a1"},
		Start:       t0,
		End:         t0.Add(time.Hour),
		MetricNames: []string{metrics.MetricCPUUsagePercent},
		Aggregation: metrics.AggAvg,
	})
	require.NoError(t, err)
	assert.Equal(t, metrics.Resolution1m, result.Interval)
	require.Len(t, result.Aggregated, 1)
	assert.Equal(t, 2.5, result.Aggregated[0].Value)
	assert.Equal(t, int64(4), result.Aggregated[0].Count)
	assert.True(t, result.Aggregated[0].Bucket.Equal(t0))
}

func TestQuery_Validation(t *testing.T) {
	clk := clock.NewFake(t0)
	q := NewQueryService(testConfig(), memory.NewHotStore(10, time.Hour, clk), newWarm(t), clk)

	_, err := q.Query(context.Background(), metrics.MetricsQuery{Start: t0, End: t0.Add(-time.Hour)})
	assert.True(t, system.IsKind(err, system.KindBadRequest))

	_, err = q.Query(context.Background(), metrics.MetricsQuery{Aggregation: "median"})
	assert.True(t, system.IsKind(err, system.KindBadRequest))

	_, err = q.Query(context.Background(), metrics.MetricsQuery{MetricNames: []string{"nope"}})
	assert.True(t, system.IsKind(err, system.KindBadRequest))

	result, err := q.Query(context.Background(), metrics.MetricsQuery{})
	require.NoError(t, err)
	assert.True(t, result.TimeRange.End.Equal(t0))
	assert.True(t, result.TimeRange.Start.Equal(t0.Add(-24*time.Hour)))
	assert.Equal(t, []string{}, result.Agents)
}

func TestAutoInterval(t *testing.T) {
	assert.Equal(t, metrics.Resolution1m, AutoInterval(time.Hour))
	assert.Equal(t, metrics.Resolution5m, AutoInterval(24*time.Hour))
	assert.Equal(t, metrics.Resolution1h, AutoInterval(7*24*time.Hour))
	assert.Equal(t, metrics.Resolution1d, AutoInterval(90*24*time.Hour))
}

func TestTrends(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(t0.Add(time.Minute))
	hot := memory.NewHotStore(100, time.Hour, clk)
	appendSamples(t, hot, "a1", t0, 4, 10) // cpu 10,11,12,13

	q := NewQueryService(testConfig(), hot, newWarm(t), clk)
	report, err := q.Trends(ctx, "a1", 1)
	require.NoError(t, err)
	assert.Equal(t, 4, report.DataPoints)
	require.Len(t, report.Trends, 3)
	assert.Equal(t, metrics.TrendIncreasing, report.Trends[0].Direction)
	assert.Equal(t, metrics.TrendStable, report.Trends[1].Direction)

	_, err = q.Trends(ctx, "a1", 1000)
	assert.True(t, system.IsKind(err, system.KindBadRequest))
}

func TestClassifyTrend(t *testing.T) {
	assert.Equal(t, metrics.TrendInsufficient, classifyTrend("m", []float64{1}).Direction)
	assert.Equal(t, metrics.TrendDecreasing, classifyTrend("m", []float64{10, 10, 5, 5}).Direction)
	assert.Equal(t, metrics.TrendStable, classifyTrend("m", []float64{10, 10, 10.5, 10.5}).Direction)
	up := classifyTrend("m", []float64{0, 0, 1, 1})
	assert.Equal(t, metrics.TrendIncreasing, up.Direction)
	assert.Equal(t, 100.0, up.ChangePercent)
}
