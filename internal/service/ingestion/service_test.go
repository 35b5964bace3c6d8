package ingestion

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
	agentModel "agentmonitor/internal/model/agent"
	"agentmonitor/internal/model/metrics"
	"agentmonitor/internal/model/system"
	"agentmonitor/internal/pkg/clock"
	"agentmonitor/internal/repo/memory"
)

var t0 = time.Date(2025, 10, 27, 10, 0, 0, 0, time.UTC)

type fakeRegistry struct {
	mu      sync.Mutex
	agents  map[string]*agentModel.Agent
	touches int
}

func newFakeRegistry(ids ...string) *fakeRegistry {
	r := &fakeRegistry{agents: make(map[string]*agentModel.Agent)}
	for _, id := range ids {
		r.agents[id] = &agentModel.Agent{AgentID: id, Status: agentModel.AgentStatusOnline}
	}
	return r
}

func (r *fakeRegistry) Touch(_ context.Context, agentID string, at time.Time, _ map[string]bool) (*agentModel.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return nil, system.NewNotFoundError(system.ErrAgentNotFound, "agent %s not found", agentID)
	}
	if a.IsDeregistered() {
		return nil, system.NewConflictError(system.ErrAgentDeregistered, "agent %s is deregistered", agentID)
	}
	a.LastSeen = at
	r.touches++
	return a, nil
}

func (r *fakeRegistry) All(_ context.Context) ([]*agentModel.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*agentModel.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out, nil
}

type fixedWatermark struct{ seq uint64 }

func (w fixedWatermark) GetWatermark(_ context.Context, agentID string) (*metrics.FlushWatermark, error) {
	return &metrics.FlushWatermark{AgentID: agentID, FlushedSeq: w.seq}, nil
}

type recordingEvaluator struct {
	mu      sync.Mutex
	seqs    map[string][]uint64
	windows int
}

func (e *recordingEvaluator) Evaluate(_ context.Context, agentID string, s *metrics.MetricSample) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seqs[agentID] = append(e.seqs[agentID], s.Seq)
	return nil
}

func (e *recordingEvaluator) EvaluateWindow(_ context.Context, _ string, _ map[string]float64, _ time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.windows++
	return nil
}

func (e *recordingEvaluator) total() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, s := range e.seqs {
		n += len(s)
	}
	return n
}

type recordingPublisher struct {
	mu   sync.Mutex
	seqs []uint64
}

func (p *recordingPublisher) Publish(s *metrics.MetricSample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seqs = append(p.seqs, s.Seq)
}

func baseConfig() config.IngestionConfig {
	return config.IngestionConfig{
		HotCapacity:      256,
		HotWindow:        10 * time.Minute,
		QueueSize:        1000,
		Workers:          2,
		ShedKeepEvery:    4,
		MaxCustomMetrics: 4,
	}
}

func sample(cpu float64) *metrics.MetricSample {
	return &metrics.MetricSample{
		Resource:    metrics.ResourceMetrics{CPUUsagePercent: cpu, MemoryUsagePercent: 40},
		Performance: metrics.PerformanceMetrics{AverageResponseTimeMs: 120, TasksCompleted: 10, TasksFailed: 1},
	}
}

type fixture struct {
	svc *ingestionService
	hot *memory.HotStore
	reg *fakeRegistry
	clk *clock.FakeClock
}

func newFixture(t *testing.T, cfg config.IngestionConfig, eval Evaluator, ids ...string) *fixture {
	t.Helper()
	clk := clock.NewFake(t0)
	hot := memory.NewHotStore(cfg.HotCapacity, cfg.HotWindow, clk)
	reg := newFakeRegistry(ids...)
	svc := NewIngestionService(cfg, reg, hot, nil, eval, nil, clk).(*ingestionService)
	return &fixture{svc: svc, hot: hot, reg: reg, clk: clk}
}

func TestSubmit_RangeValidation(t *testing.T) {
	f := newFixture(t, baseConfig(), nil, "a1")
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, "a1", sample(150))
	require.Error(t, err)
	assert.True(t, system.IsKind(err, system.KindValidation))
	var appErr *system.AppError
	require.ErrorAs(t, err, &appErr)
	require.Len(t, appErr.Fields, 1)
	assert.Equal(t, "resource.cpu_usage_percent", appErr.Fields[0].Field)

	for _, cpu := range []float64{0, 100} {
		res, err := f.svc.Submit(ctx, "a1", sample(cpu))
		require.NoError(t, err, "cpu=%v", cpu)
		assert.True(t, res.Accepted)
	}

	bad := sample(10)
	bad.Performance.ErrorRate = 1.5
	bad.Resource.MemoryUsagePercent = -1
	_, err = f.svc.Submit(ctx, "a1", bad)
	require.ErrorAs(t, err, &appErr)
	assert.Len(t, appErr.Fields, 2)

	stats := f.svc.Stats()
	assert.Equal(t, uint64(2), stats.Accepted)
	assert.Equal(t, uint64(2), stats.Rejected)
}

func TestSubmit_RejectsNonFiniteAndCustomLimits(t *testing.T) {
	f := newFixture(t, baseConfig(), nil, "a1")
	ctx := context.Background()

	nan := sample(10)
	nan.Performance.ThroughputPerSecond = math.NaN()
	_, err := f.svc.Submit(ctx, "a1", nan)
	var appErr *system.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, system.KindValidation, appErr.Kind)
	assert.Equal(t, metrics.MetricThroughputPerSecond, appErr.Fields[0].Field)

	many := sample(10)
	many.CustomMetrics = map[string]float64{"a": 1, "b": 2, "c": 3, "d": 4, "e": 5}
	_, err = f.svc.Submit(ctx, "a1", many)
	assert.True(t, system.IsKind(err, system.KindValidation))

	longKey := sample(10)
	longKey.CustomMetrics = map[string]float64{string(make([]byte, 65)): 1}
	_, err = f.svc.Submit(ctx, "a1", longKey)
	assert.True(t, system.IsKind(err, system.KindValidation))

	// 校验失败不触碰注册中心
	assert.Equal(t, 0, f.reg.touches)
}

func TestSubmit_UnknownAndDeregisteredAgent(t *testing.T) {
	f := newFixture(t, baseConfig(), nil, "a1")
	f.reg.agents["gone"] = &agentModel.Agent{AgentID: "gone", Status: agentModel.AgentStatusDeregistered}

	_, err := f.svc.Submit(context.Background(), "nope", sample(10))
	assert.True(t, system.IsKind(err, system.KindNotFound))

	_, err = f.svc.Submit(context.Background(), "gone", sample(10))
	assert.True(t, system.IsKind(err, system.KindConflict))

	n, err := f.hot.Len(context.Background(), "nope")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSubmit_DefaultsTimestampAndAssignsSeq(t *testing.T) {
	f := newFixture(t, baseConfig(), nil, "a1")
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, "a1", sample(10))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Seq)

	latest, err := f.hot.Latest(ctx, "a1", 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.True(t, latest[0].Timestamp.Equal(t0))
	assert.Equal(t, "a1", latest[0].AgentID)
}

func TestSubmit_SeqSeededFromWatermark(t *testing.T) {
	clk := clock.NewFake(t0)
	hot := memory.NewHotStore(16, time.Minute, clk)
	svc := NewIngestionService(baseConfig(), newFakeRegistry("a1"), hot, fixedWatermark{seq: 41}, nil, nil, clk)

	res, err := svc.Submit(context.Background(), "a1", sample(10))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), res.Seq)
	res, err = svc.Submit(context.Background(), "a1", sample(10))
	require.NoError(t, err)
	assert.Equal(t, uint64(43), res.Seq)
}

func TestSubmit_BoundedHotBufferCountsShed(t *testing.T) {
	cfg := baseConfig()
	cfg.HotCapacity = 5
	f := newFixture(t, cfg, nil, "a1")
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		res, err := f.svc.Submit(ctx, "a1", sample(float64(i)))
		require.NoError(t, err)
		assert.True(t, res.Accepted)
	}
	n, err := f.hot.Len(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	stats := f.svc.Stats()
	assert.Equal(t, uint64(20), stats.Accepted)
	assert.Equal(t, uint64(15), stats.EvictedTotal)
	assert.Equal(t, uint64(15), stats.ShedTotal)
	assert.Equal(t, uint64(15), stats.PerAgentShed["a1"])
}

func TestSubmit_SamplingModeKeepsEveryKth(t *testing.T) {
	cfg := baseConfig()
	cfg.PersistRate = 1
	cfg.PersistBurst = 2
	f := newFixture(t, cfg, nil, "a1")
	ctx := context.Background()

	var sampled []bool
	for i := 1; i <= 10; i++ {
		res, err := f.svc.Submit(ctx, "a1", sample(float64(i)))
		require.NoError(t, err)
		sampled = append(sampled, res.Sampled)
	}
	// 前两个消耗令牌，之后每4个保留1个
	assert.Equal(t, []bool{false, false, true, true, true, false, true, true, true, false}, sampled)

	stats := f.svc.Stats()
	assert.True(t, stats.SamplingMode)
	assert.Equal(t, uint64(6), stats.ShedTotal)
	assert.Equal(t, 4, stats.QueueLen)

	// 被丢弃的样本仍在热缓冲中，但标记为不持久化
	all, err := f.hot.Range(ctx, "a1", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 10)
	assert.True(t, all[2].Sampled)
	assert.False(t, all[5].Sampled)

	// 保留的第6个样本携带 3..6 的窗口均值
	items := make([]Item, 0, 4)
	for f.svc.queue.Len() > 0 {
		item, err := f.svc.queue.Pop(ctx)
		require.NoError(t, err)
		items = append(items, item)
	}
	assert.Nil(t, items[0].Window)
	require.NotNil(t, items[2].Window)
	assert.Equal(t, 4.5, items[2].Window[metrics.MetricCPUUsagePercent])
	assert.Equal(t, uint64(6), items[2].Sample.Seq)

	// 令牌恢复后退出采样模式
	f.clk.Advance(10 * time.Second)
	res, err := f.svc.Submit(ctx, "a1", sample(1))
	require.NoError(t, err)
	assert.False(t, res.Sampled)
	assert.False(t, f.svc.Stats().SamplingMode)
}

func TestSubmit_QueueFullIsShedNotBlocking(t *testing.T) {
	cfg := baseConfig()
	cfg.QueueSize = 2
	cfg.HighWatermark = 1
	f := newFixture(t, cfg, nil, "a1")

	var shed int
	for i := 0; i < 5; i++ {
		res, err := f.svc.Submit(context.Background(), "a1", sample(1))
		require.NoError(t, err)
		if res.Sampled {
			shed++
		}
	}
	assert.Greater(t, shed, 0)
	assert.Equal(t, uint64(shed), f.svc.Stats().ShedTotal)
	assert.LessOrEqual(t, f.svc.Stats().QueueLen, 2)
}

type failingHot struct{ *memory.HotStore }

func (failingHot) Append(context.Context, *metrics.MetricSample) (int, error) {
	return 0, errors.New("hot buffer unavailable")
}

func TestSubmit_HotWriteFailureIsNotQueued(t *testing.T) {
	clk := clock.NewFake(t0)
	hot := failingHot{memory.NewHotStore(16, time.Minute, clk)}
	svc := NewIngestionService(baseConfig(), newFakeRegistry("a1"), hot, nil, nil, nil, clk).(*ingestionService)

	_, err := svc.Submit(context.Background(), "a1", sample(10))
	assert.Equal(t, system.KindStorageUnavailable, system.KindOf(err))
	// 客户端重试不会导致同一样本被评估两次
	assert.Equal(t, 0, svc.queue.Len())
	stats := svc.Stats()
	assert.Equal(t, uint64(0), stats.Accepted)
	assert.Equal(t, uint64(0), stats.ShedTotal)
}

func TestSubmit_LockWaitHonoursContext(t *testing.T) {
	f := newFixture(t, baseConfig(), nil, "a1")
	unlock := f.svc.locks.Lock("a1")
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.svc.Submit(ctx, "a1", sample(10))
	assert.Equal(t, system.KindTimeout, system.KindOf(err))
	n, lenErr := f.hot.Len(context.Background(), "a1")
	require.NoError(t, lenErr)
	assert.Equal(t, 0, n)
}

func TestWorkers_PreservePerAgentOrder(t *testing.T) {
	eval := &recordingEvaluator{seqs: make(map[string][]uint64)}
	f := newFixture(t, baseConfig(), eval, "a1", "a2", "a3")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.svc.Start(ctx)
	defer f.svc.Stop()

	var wg sync.WaitGroup
	for _, id := range []string{"a1", "a2", "a3"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 30; i++ {
				_, err := f.svc.Submit(ctx, id, sample(1))
				assert.NoError(t, err)
			}
		}(id)
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return eval.total() == 90 }, 2*time.Second, 10*time.Millisecond)
	eval.mu.Lock()
	defer eval.mu.Unlock()
	for id, seqs := range eval.seqs {
		for i := 1; i < len(seqs); i++ {
			assert.Less(t, seqs[i-1], seqs[i], "agent %s out of order", id)
		}
	}
}

func TestShardIsStable(t *testing.T) {
	for _, id := range []string{"a1", "agent-x", ""} {
		s := Shard(id, 7)
		assert.Equal(t, s, Shard(id, 7))
		assert.True(t, s >= 0 && s < 7)
	}
}

func TestQueue_PushPop(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Push(Item{Sample: &metrics.MetricSample{Seq: 1}}))
	assert.ErrorIs(t, q.Push(Item{}), ErrQueueFull)
	assert.Equal(t, 1, q.Len())

	item, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), item.Sample.Seq)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.Pop(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRecentAndSummaries(t *testing.T) {
	pub := &recordingPublisher{}
	clk := clock.NewFake(t0)
	hot := memory.NewHotStore(256, time.Hour, clk)
	reg := newFakeRegistry("a1", "a2", "idle")
	svc := NewIngestionService(baseConfig(), reg, hot, nil, nil, pub, clk)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		_, err := svc.Submit(ctx, "a1", sample(float64(i)))
		require.NoError(t, err)
	}
	_, err := svc.Submit(ctx, "a2", sample(50))
	require.NoError(t, err)

	recent, err := svc.Recent(ctx, "a1", 0)
	require.NoError(t, err)
	require.Len(t, recent, 10)
	assert.Equal(t, uint64(15), recent[0].Seq)

	_, err = svc.Recent(ctx, "a1", 101)
	assert.True(t, system.IsKind(err, system.KindBadRequest))

	empty, err := svc.Recent(ctx, "idle", 5)
	require.NoError(t, err)
	assert.Empty(t, empty)

	summary, err := svc.AgentSummary(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(15), summary.Aggregates.SampleCount)
	assert.Equal(t, 7.0, summary.Aggregates.AvgCPUPercent)
	assert.Equal(t, 15, summary.HotSamples)
	assert.Equal(t, uint64(15), summary.Latest.Seq)
	assert.Equal(t, 7.0, summary.Window[metrics.MetricCPUUsagePercent])

	fleet, err := svc.FleetSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, fleet.TotalAgents)
	assert.Equal(t, 2, fleet.ReportingAgents)
	assert.Equal(t, 28.5, fleet.AvgCPUPercent)
	assert.Equal(t, 20.0, fleet.TotalTasksCompleted)
	assert.InDelta(t, 2.0/22.0, fleet.SystemErrorRate, 1e-9)

	assert.Len(t, pub.seqs, 16)
}
