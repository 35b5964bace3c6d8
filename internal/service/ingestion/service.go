/**
 * 指标接入服务
 * @author: sun977
 * @date: 2025.10.28
 * @description: 校验上报样本，更新注册中心 last_seen，写入热缓冲，按持久化能力进行采样削峰，
 *               并把样本交给异步 worker 做告警评估
 * @func: Submit/Recent/AgentSummary/FleetSummary/Stats/Start/Stop
 */
package ingestion

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"agentmonitor/internal/config"
	agentModel "agentmonitor/internal/model/agent"
	"agentmonitor/internal/model/metrics"
	"agentmonitor/internal/model/system"
	"agentmonitor/internal/pkg/clock"
	"agentmonitor/internal/pkg/keylock"
	"agentmonitor/internal/pkg/logger"
	"agentmonitor/internal/pkg/validate"
	"agentmonitor/internal/service/storage"
)

const (
	maxCustomKeyLen = 64
	defaultRecent   = 10
	maxRecent       = 100
)

// Registry 接入服务依赖的注册中心操作
type Registry interface {
	Touch(ctx context.Context, agentID string, at time.Time, checks map[string]bool) (*agentModel.Agent, error)
	All(ctx context.Context) ([]*agentModel.Agent, error)
}

// WatermarkReader 读取温存储水位线，用于进程重启后 seq 不回退
type WatermarkReader interface {
	GetWatermark(ctx context.Context, agentID string) (*metrics.FlushWatermark, error)
}

// Publisher 实时推送
type Publisher interface {
	Publish(sample *metrics.MetricSample)
}

// IngestionService 指标接入服务接口
type IngestionService interface {
	Submit(ctx context.Context, agentID string, sample *metrics.MetricSample) (*metrics.SubmitResult, error)
	Recent(ctx context.Context, agentID string, limit int) ([]*metrics.MetricSample, error)
	AgentSummary(ctx context.Context, agentID string) (*metrics.AgentMetricsSummary, error)
	FleetSummary(ctx context.Context) (*metrics.FleetSummary, error)
	Stats() metrics.IngestionStats
	Start(ctx context.Context)
	Stop()
}

// agentState 单个Agent的接入状态
// counter 和 window 只在持有该Agent的 keylock 时访问
type agentState struct {
	seeded      bool
	counter     uint64
	windowSum   map[string]float64
	windowCount int

	shed atomic.Uint64

	aggMu sync.Mutex
	agg   metrics.RunningAggregates
}

type ingestionService struct {
	cfg       config.IngestionConfig
	registry  Registry
	hot       storage.HotStore
	watermark WatermarkReader
	publisher Publisher
	clock     clock.Clock

	locks     *keylock.KeyLock
	queue     *Queue
	pool      *WorkerPool
	limiter   *rate.Limiter
	keepEvery uint64
	highMark  int

	statesMu sync.RWMutex
	states   map[string]*agentState

	accepted atomic.Uint64
	rejected atomic.Uint64
	shed     atomic.Uint64
	evicted  atomic.Uint64
	sampling atomic.Bool
}

// NewIngestionService 创建接入服务，watermark/evaluator/publisher 可以为 nil
func NewIngestionService(cfg config.IngestionConfig, registry Registry, hot storage.HotStore, watermark WatermarkReader, evaluator Evaluator, publisher Publisher, clk clock.Clock) IngestionService {
	if clk == nil {
		clk = clock.Real()
	}
	queue := NewQueue(cfg.QueueSize)

	limit := rate.Inf
	if cfg.PersistRate > 0 {
		limit = rate.Limit(cfg.PersistRate)
	}
	burst := cfg.PersistBurst
	if burst <= 0 {
		burst = 1000
	}
	keepEvery := cfg.ShedKeepEvery
	if keepEvery <= 0 {
		keepEvery = 4
	}
	high := cfg.HighWatermark
	if high <= 0 || high > 1 {
		high = 0.8
	}

	return &ingestionService{
		cfg:       cfg,
		registry:  registry,
		hot:       hot,
		watermark: watermark,
		publisher: publisher,
		clock:     clk,
		locks:     keylock.New(),
		queue:     queue,
		pool:      NewWorkerPool(queue, cfg.Workers, evaluator),
		limiter:   rate.NewLimiter(limit, burst),
		keepEvery: uint64(keepEvery),
		highMark:  int(high * float64(queue.Cap())),
		states:    make(map[string]*agentState),
	}
}

func (s *ingestionService) Start(ctx context.Context) { s.pool.Start(ctx) }

func (s *ingestionService) Stop() { s.pool.Stop() }

func (s *ingestionService) state(agentID string) *agentState {
	s.statesMu.RLock()
	st, ok := s.states[agentID]
	s.statesMu.RUnlock()
	if ok {
		return st
	}
	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	if st, ok = s.states[agentID]; ok {
		return st
	}
	st = &agentState{}
	s.states[agentID] = st
	return st
}

// Submit 接收一个样本
// 校验失败返回 ValidationError，未知Agent NotFound，已注销 Conflict；其余情况都接受，不阻塞调用方
func (s *ingestionService) Submit(ctx context.Context, agentID string, sample *metrics.MetricSample) (*metrics.SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, system.NewTimeoutError(err)
	}
	if sample == nil {
		s.rejected.Add(1)
		return nil, system.NewValidationError("metric sample is required")
	}
	now := s.clock.Now().UTC()
	sample = sample.Clone()
	sample.AgentID = agentID
	sample.Seq = 0
	sample.Sampled = false
	if sample.Timestamp.IsZero() {
		sample.Timestamp = now
	} else {
		sample.Timestamp = sample.Timestamp.UTC()
	}

	if fields := s.validateSample(sample); len(fields) > 0 {
		s.rejected.Add(1)
		return nil, system.NewValidationError("invalid metric sample", fields...)
	}

	if _, err := s.registry.Touch(ctx, agentID, now, sample.HealthChecks); err != nil {
		s.rejected.Add(1)
		return nil, err
	}

	unlock, err := s.locks.LockContext(ctx, agentID)
	if err != nil {
		s.rejected.Add(1)
		return nil, system.NewTimeoutError(err)
	}
	defer unlock()
	st := s.state(agentID)

	seq, err := s.nextSeq(ctx, agentID, st)
	if err != nil {
		return nil, system.NewTransientStorageError(err, "assign sequence")
	}
	sample.Seq = seq

	item, keep := s.admit(st, sample)
	if keep && s.queue.Len() >= s.queue.Cap() {
		keep = false
	}
	sample.Sampled = !keep

	// 先写热缓冲再入队，写入失败时样本不会进入评估
	evicted, err := s.hot.Append(ctx, sample)
	if err != nil {
		logger.LogError(err, "", "", "service.ingestion.Submit", "", map[string]interface{}{
			"operation": "hot_append",
			"agent_id":  agentID,
			"seq":       seq,
		})
		return nil, system.NewTransientStorageError(err, "hot buffer write")
	}
	if keep {
		if err := s.queue.Push(item); err != nil {
			// 样本已在热缓冲中会照常持久化，只是跳过这一次评估
			logger.LogWarn("evaluation queue full, sample not evaluated", "", "", "service.ingestion.Submit", "", map[string]interface{}{
				"agent_id": agentID,
				"seq":      seq,
			})
		}
	} else {
		st.shed.Add(1)
		s.shed.Add(1)
	}
	if evicted > 0 {
		// 未持久化就被淘汰的样本同样计入丢弃
		s.evicted.Add(uint64(evicted))
		s.shed.Add(uint64(evicted))
		st.shed.Add(uint64(evicted))
	}

	st.aggMu.Lock()
	st.agg.Observe(sample)
	st.aggMu.Unlock()

	if s.publisher != nil {
		s.publisher.Publish(sample)
	}
	s.accepted.Add(1)
	return &metrics.SubmitResult{Accepted: true, Sampled: !keep, Seq: seq}, nil
}

// nextSeq 每个Agent第一次上报时以温存储水位线作为 seq 下限
func (s *ingestionService) nextSeq(ctx context.Context, agentID string, st *agentState) (uint64, error) {
	var floor uint64
	seeded := st.seeded || s.watermark == nil
	if !seeded {
		wm, err := s.watermark.GetWatermark(ctx, agentID)
		switch {
		case err != nil:
			// 水位线暂不可读时按热缓冲计数分配，下一次上报再读取
			logger.LogWarn("flush watermark unavailable", "", "", "service.ingestion.Submit", "", map[string]interface{}{
				"agent_id": agentID,
				"error":    err.Error(),
			})
		case wm != nil:
			floor = wm.FlushedSeq
			seeded = true
		default:
			seeded = true
		}
	}
	seq, err := s.hot.NextSeq(ctx, agentID, floor)
	if err != nil {
		return 0, err
	}
	st.seeded = seeded
	return seq, nil
}

// admit 决定样本是否进入持久化/评估队列
// 令牌桶耗尽或队列超过高水位时进入采样模式，每个Agent每 keepEvery 个样本保留1个
func (s *ingestionService) admit(st *agentState, sample *metrics.MetricSample) (Item, bool) {
	sampling := !s.limiter.AllowN(s.clock.Now(), 1) || s.queue.Len() >= s.highMark
	if s.sampling.Swap(sampling) != sampling {
		logger.LogSystemEvent("ingestion", "sampling_mode", fmt.Sprintf("sampling mode changed to %v", sampling), logLevel(sampling), map[string]interface{}{
			"queue_len": s.queue.Len(),
			"keep":      s.keepEvery,
		})
	}

	if !sampling {
		st.counter = 0
		item := Item{Sample: sample.Clone()}
		if st.windowCount > 0 {
			item.Window = st.takeWindow(sample)
		}
		return item, true
	}

	st.counter++
	if st.counter%s.keepEvery != 0 {
		st.addToWindow(sample)
		return Item{}, false
	}
	return Item{Sample: sample.Clone(), Window: st.takeWindow(sample)}, true
}

func (st *agentState) addToWindow(sample *metrics.MetricSample) {
	if st.windowSum == nil {
		st.windowSum = make(map[string]float64)
	}
	for k, v := range sample.Flatten() {
		st.windowSum[k] += v
	}
	st.windowCount++
}

// takeWindow 合并当前样本后返回窗口均值并清空窗口
// 只统计当前样本中存在的指标，保证组合条件看到的是同一个窗口
func (st *agentState) takeWindow(sample *metrics.MetricSample) map[string]float64 {
	current := sample.Flatten()
	n := float64(st.windowCount + 1)
	out := make(map[string]float64, len(current))
	for k, v := range current {
		out[k] = (st.windowSum[k] + v) / n
	}
	st.windowSum = nil
	st.windowCount = 0
	return out
}

func (s *ingestionService) validateSample(sample *metrics.MetricSample) []system.ValidationError {
	if bad := sample.NonFiniteFields(); len(bad) > 0 {
		fields := make([]system.ValidationError, 0, len(bad))
		for _, name := range bad {
			fields = append(fields, system.ValidationError{Field: name, Message: "must be a finite number"})
		}
		return fields
	}

	fields := validate.Struct(sample)
	limit := s.cfg.MaxCustomMetrics
	if limit <= 0 {
		limit = 32
	}
	if len(sample.CustomMetrics) > limit {
		fields = append(fields, system.ValidationError{
			Field:   "custom_metrics",
			Message: fmt.Sprintf("must have at most %d entries", limit),
		})
	}
	keys := make([]string, 0, len(sample.CustomMetrics))
	for k := range sample.CustomMetrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "" || len(k) > maxCustomKeyLen {
			fields = append(fields, system.ValidationError{
				Field:   "custom_metrics." + k,
				Message: fmt.Sprintf("key length must be between 1 and %d", maxCustomKeyLen),
			})
		}
	}
	return fields
}

// Recent 热缓冲中最近的样本(新的在前)
func (s *ingestionService) Recent(ctx context.Context, agentID string, limit int) ([]*metrics.MetricSample, error) {
	if limit == 0 {
		limit = defaultRecent
	}
	if limit < 1 || limit > maxRecent {
		return nil, system.NewBadRequestError("limit must be between 1 and %d", maxRecent)
	}
	samples, err := s.hot.Latest(ctx, agentID, limit)
	if err != nil {
		return nil, system.NewTransientStorageError(err, "hot buffer read")
	}
	if samples == nil {
		samples = []*metrics.MetricSample{}
	}
	return samples, nil
}

// AgentSummary 单个Agent的运行期统计和热缓冲窗口均值
func (s *ingestionService) AgentSummary(ctx context.Context, agentID string) (*metrics.AgentMetricsSummary, error) {
	summary := &metrics.AgentMetricsSummary{AgentID: agentID}

	s.statesMu.RLock()
	st, ok := s.states[agentID]
	s.statesMu.RUnlock()
	if ok {
		st.aggMu.Lock()
		summary.Aggregates = st.agg
		st.aggMu.Unlock()
		summary.ShedCount = st.shed.Load()
	}

	samples, err := s.hot.Range(ctx, agentID, 0, 0)
	if err != nil {
		return nil, system.NewTransientStorageError(err, "hot buffer read")
	}
	summary.HotSamples = len(samples)
	if len(samples) > 0 {
		summary.Latest = samples[len(samples)-1]
		summary.Window = windowAverage(samples)
	}
	return summary, nil
}

func windowAverage(samples []*metrics.MetricSample) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, sample := range samples {
		for k, v := range sample.Flatten() {
			sums[k] += v
			counts[k]++
		}
	}
	out := make(map[string]float64, len(sums))
	for k, sum := range sums {
		out[k] = sum / float64(counts[k])
	}
	return out
}

// FleetSummary 全体Agent的指标汇总，只统计有上报数据的Agent
func (s *ingestionService) FleetSummary(ctx context.Context) (*metrics.FleetSummary, error) {
	agents, err := s.registry.All(ctx)
	if err != nil {
		return nil, err
	}
	summary := &metrics.FleetSummary{TotalAgents: len(agents), GeneratedAt: s.clock.Now().UTC()}

	var cpu, mem, resp float64
	for _, a := range agents {
		s.statesMu.RLock()
		st, ok := s.states[a.AgentID]
		s.statesMu.RUnlock()
		if !ok {
			continue
		}
		st.aggMu.Lock()
		agg := st.agg
		st.aggMu.Unlock()
		if agg.SampleCount == 0 {
			continue
		}
		summary.ReportingAgents++
		cpu += agg.AvgCPUPercent
		mem += agg.AvgMemoryPercent
		resp += agg.AvgResponseTimeMs
		summary.TotalTasksCompleted += agg.TotalTasksCompleted
		summary.TotalTasksFailed += agg.TotalTasksFailed
	}
	if n := float64(summary.ReportingAgents); n > 0 {
		summary.AvgCPUPercent = cpu / n
		summary.AvgMemoryPercent = mem / n
		summary.AvgResponseTimeMs = resp / n
	}
	if total := summary.TotalTasksCompleted + summary.TotalTasksFailed; total > 0 {
		summary.SystemErrorRate = summary.TotalTasksFailed / total
	}
	return summary, nil
}

// Stats 接入统计
func (s *ingestionService) Stats() metrics.IngestionStats {
	stats := metrics.IngestionStats{
		Accepted:      s.accepted.Load(),
		Rejected:      s.rejected.Load(),
		ShedTotal:     s.shed.Load(),
		EvictedTotal:  s.evicted.Load(),
		QueueLen:      s.queue.Len(),
		QueueCapacity: s.queue.Cap(),
		SamplingMode:  s.sampling.Load(),
		PerAgentShed:  make(map[string]uint64),
	}
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	for id, st := range s.states {
		if n := st.shed.Load(); n > 0 {
			stats.PerAgentShed[id] = n
		}
	}
	return stats
}

func logLevel(sampling bool) logrus.Level {
	if sampling {
		return logrus.WarnLevel
	}
	return logrus.InfoLevel
}
